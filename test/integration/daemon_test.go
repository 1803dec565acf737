// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/roostd/roost/internal/plugin"
)

// daemonEnv holds one running daemon and the temp tree it serves.
type daemonEnv struct {
	tmpDir     string
	pluginsDir string
	configPath string
	httpAddr   string
	cmd        *exec.Cmd
	output     *syncBuffer
	done       chan struct{}
	waitErr    error
}

// setupDaemonEnv stages a plugins tree, writes a config file, and launches
// roost serve against it. stage may be nil for an empty tree. The daemon is
// ready when the readiness probe answers; plugin startup happens before the
// HTTP listener comes up, so specs can assert on statuses immediately.
func setupDaemonEnv(stage func(pluginsDir string)) *daemonEnv {
	tmpDir, err := os.MkdirTemp("", "roost-test-*")
	Expect(err).NotTo(HaveOccurred())

	env := &daemonEnv{
		tmpDir:     tmpDir,
		pluginsDir: filepath.Join(tmpDir, "plugins"),
		configPath: filepath.Join(tmpDir, "config.yaml"),
		httpAddr:   freeListenAddr(),
		output:     &syncBuffer{},
		done:       make(chan struct{}),
	}
	Expect(os.MkdirAll(env.pluginsDir, 0o755)).To(Succeed())

	if stage != nil {
		stage(env.pluginsDir)
	}

	cfg := fmt.Sprintf(`log:
  level: debug
plugins:
  dir: %s
  auto_reload: true
  reload_debounce: 200ms
  stats_interval: 1s
http:
  addr: %s
`, env.pluginsDir, env.httpAddr)
	Expect(os.WriteFile(env.configPath, []byte(cfg), 0o644)).To(Succeed())

	env.cmd = exec.Command(roostBin, "serve", "--config", env.configPath)
	env.cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+tmpDir,
		"XDG_DATA_HOME="+tmpDir,
	)
	env.cmd.Stdout = env.output
	env.cmd.Stderr = env.output
	Expect(env.cmd.Start()).To(Succeed())

	go func() {
		env.waitErr = env.cmd.Wait()
		close(env.done)
	}()

	Eventually(func() int {
		code, _ := getBody(env.httpAddr, "/healthz/readiness")
		return code
	}, "15s", "100ms").Should(Equal(http.StatusOK), func() string {
		return "daemon never became ready, output:\n" + env.output.String()
	})

	return env
}

// cleanup tears the daemon down if a spec has not already done so.
func (e *daemonEnv) cleanup() {
	if e.cmd != nil && e.cmd.Process != nil {
		select {
		case <-e.done:
		default:
			_ = e.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-e.done:
			case <-time.After(10 * time.Second):
				_ = e.cmd.Process.Kill()
				<-e.done
			}
		}
	}
	if e.tmpDir != "" {
		_ = os.RemoveAll(e.tmpDir)
	}
}

var _ = Describe("Daemon", func() {
	var env *daemonEnv

	AfterEach(func() {
		if env != nil {
			env.cleanup()
			env = nil
		}
	})

	Describe("with a staged plugin tree", func() {
		BeforeEach(func() {
			env = setupDaemonEnv(func(dir string) {
				stageEchoPlugin(dir)
				stageGreeterPlugin(dir)
			})
		})

		It("reports plugin statuses over the HTTP API", func() {
			statuses, err := fetchStatuses(env.httpAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(statuses).To(HaveLen(2))

			echo, ok := statusFor(statuses, "echo")
			Expect(ok).To(BeTrue(), "echo missing from %+v", statuses)
			Expect(echo.Type).To(Equal(plugin.TypeExternal))
			Expect(echo.State).To(Equal("started"))
			Expect(echo.Version).To(Equal("1.0.0"))
			Expect(echo.PID).To(BeNumerically(">", 0))
			Expect(echo.Error).To(BeNil())

			greeter, ok := statusFor(statuses, "greeter")
			Expect(ok).To(BeTrue(), "greeter missing from %+v", statuses)
			Expect(greeter.Type).To(Equal(plugin.TypeInternal))
			Expect(greeter.State).To(Equal("started"))
			Expect(greeter.PID).To(BeZero(), "internal plugins have no child process")
		})

		It("serves liveness and readiness probes", func() {
			code, _ := getBody(env.httpAddr, "/healthz/liveness")
			Expect(code).To(Equal(http.StatusOK))

			code, _ = getBody(env.httpAddr, "/healthz/readiness")
			Expect(code).To(Equal(http.StatusOK))
		})

		It("publishes lifecycle and resource metrics", func() {
			_, body := getBody(env.httpAddr, "/metrics")
			Expect(body).To(ContainSubstring(`roost_plugin_state{plugin="echo"} 2`))
			Expect(body).To(ContainSubstring(`roost_plugin_state{plugin="greeter"} 2`))
			Expect(body).To(ContainSubstring("roost_tunnel_messages_total"))

			// Resource gauges appear once the child's sampler fires; the
			// config file sets a 1s interval, which also proves the config
			// snapshot reached the child over the tunnel.
			Eventually(func() string {
				_, b := getBody(env.httpAddr, "/metrics")
				return b
			}, "15s", "500ms").Should(ContainSubstring(`roost_plugin_rss_bytes{plugin="echo"}`))
		})

		It("renders the status table through the CLI", func() {
			out, err := exec.Command(roostBin, "status", "--addr", env.httpAddr).CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), string(out))
			Expect(string(out)).To(ContainSubstring("NAME"))
			Expect(string(out)).To(ContainSubstring("echo"))
			Expect(string(out)).To(ContainSubstring("greeter"))
			Expect(string(out)).To(ContainSubstring("started"))

			jsonOut, err := exec.Command(roostBin, "status", "--addr", env.httpAddr, "--json").Output()
			Expect(err).NotTo(HaveOccurred())
			var statuses []plugin.Status
			Expect(json.Unmarshal(jsonOut, &statuses)).To(Succeed())
			Expect(statuses).To(HaveLen(2))
		})

		It("restarts an external plugin when its binary changes", func() {
			statuses, err := fetchStatuses(env.httpAddr)
			Expect(err).NotTo(HaveOccurred())
			before, ok := statusFor(statuses, "echo")
			Expect(ok).To(BeTrue())
			Expect(before.PID).To(BeNumerically(">", 0))

			// Writing the binary in place would hit ETXTBSY while the child
			// runs it; write aside and rename over, which also raises the
			// filesystem event the watcher debounces on.
			staged := filepath.Join(env.pluginsDir, "echo", "echo")
			replacement := staged + ".next"
			copyFile(echoBin, replacement, 0o755)
			Expect(os.Rename(replacement, staged)).To(Succeed())

			Eventually(func() int {
				current, err := fetchStatuses(env.httpAddr)
				if err != nil {
					return 0
				}
				st, ok := statusFor(current, "echo")
				if !ok || st.State != "started" {
					return 0
				}
				return st.PID
			}, "20s", "250ms").Should(And(
				BeNumerically(">", 0),
				Not(Equal(before.PID)),
			), "expected echo to come back under a new pid")

			statuses, err = fetchStatuses(env.httpAddr)
			Expect(err).NotTo(HaveOccurred())
			after, ok := statusFor(statuses, "echo")
			Expect(ok).To(BeTrue())
			Expect(after.Restarts).To(BeNumerically(">=", 1))
		})

		It("stops plugin child processes on SIGTERM", func() {
			statuses, err := fetchStatuses(env.httpAddr)
			Expect(err).NotTo(HaveOccurred())
			echo, ok := statusFor(statuses, "echo")
			Expect(ok).To(BeTrue())
			childPID := echo.PID
			Expect(childPID).To(BeNumerically(">", 0))

			Expect(env.cmd.Process.Signal(syscall.SIGTERM)).To(Succeed())
			Eventually(env.done, "15s").Should(BeClosed(), func() string {
				return "daemon did not exit, output:\n" + env.output.String()
			})
			Expect(env.waitErr).NotTo(HaveOccurred(), "daemon exited dirty, output:\n%s", env.output.String())

			Eventually(func() error {
				return syscall.Kill(childPID, 0)
			}, "5s", "100ms").Should(MatchError(syscall.ESRCH), "child should be gone after shutdown")
		})
	})

	Describe("with an empty plugins directory", func() {
		BeforeEach(func() {
			env = setupDaemonEnv(nil)
		})

		It("serves an empty plugin list", func() {
			code, body := getBody(env.httpAddr, "/api/v1/plugins")
			Expect(code).To(Equal(http.StatusOK))
			Expect(strings.TrimSpace(body)).To(Equal("[]"))
		})
	})
})

// stageEchoPlugin installs the built echo binary and its manifest.
func stageEchoPlugin(pluginsDir string) {
	dir := filepath.Join(pluginsDir, "echo")
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	copyFile(echoBin, filepath.Join(dir, "echo"), 0o755)

	manifest := `name: echo
version: 1.0.0
type: external
external:
  command: ./echo
watch:
  - echo
`
	Expect(os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644)).To(Succeed())
}

// stageGreeterPlugin installs a small internal Lua plugin.
func stageGreeterPlugin(pluginsDir string) {
	dir := filepath.Join(pluginsDir, "greeter")
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())

	manifest := `name: greeter
version: 1.0.0
type: internal
requires: ">= 1.0.0"
internal:
  entry: main.lua
`
	Expect(os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644)).To(Succeed())

	entry := `function activate()
  roost.log("info", "greeter plugin activated")
  roost.route("/greeter/hello", function(req)
    return 200, "\"hello\""
  end)
end

function deactivate()
  roost.log("info", "greeter plugin deactivating")
end
`
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(entry), 0o644)).To(Succeed())
}

// freeListenAddr reserves an ephemeral port and releases it for the daemon
// to bind. The window between close and bind is narrow enough for tests.
func freeListenAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := l.Addr().String()
	Expect(l.Close()).To(Succeed())
	return addr
}

// copyFile copies src to dst with the given mode.
func copyFile(src, dst string, mode os.FileMode) {
	data, err := os.ReadFile(src)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(dst, data, mode)).To(Succeed())
}

// getBody fetches a path from the daemon's HTTP server. A transport error
// reports as code 0 so Eventually callers can just retry.
func getBody(addr, path string) (int, string) {
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, ""
	}
	return resp.StatusCode, string(body)
}

// fetchStatuses decodes the plugin status list from the daemon.
func fetchStatuses(addr string) ([]plugin.Status, error) {
	resp, err := http.Get("http://" + addr + "/api/v1/plugins")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var statuses []plugin.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func statusFor(statuses []plugin.Status, name string) (plugin.Status, bool) {
	for _, st := range statuses {
		if st.Name == name {
			return st, true
		}
	}
	return plugin.Status{}, false
}

// syncBuffer is a goroutine-safe buffer for the daemon's combined output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
