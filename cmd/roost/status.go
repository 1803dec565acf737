package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/roostd/roost/internal/config"
	"github.com/roostd/roost/internal/plugin"
)

// Retry and timeout tuning for the status query.
const (
	statusClientTimeout = 2 * time.Second
	statusRetryBase     = 250 * time.Millisecond
	statusMaxRetries    = 4
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	addr       string
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running roost daemon's plugins",
		Long: `Query a running daemon for the state of every loaded plugin.
Connects to the daemon's HTTP address and retries with backoff while
the daemon is still coming up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, cfg)
		},
	}

	// Register flags
	cmd.Flags().StringVar(&cfg.addr, "addr", config.Default().HTTP.Addr, "daemon HTTP address")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// runStatus executes the status command.
func runStatus(ctx context.Context, cmd *cobra.Command, cfg *statusConfig) error {
	var statuses []plugin.Status

	backoff := retry.WithMaxRetries(statusMaxRetries, retry.NewFibonacci(statusRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var fetchErr error
		statuses, fetchErr = fetchStatuses(ctx, cfg.addr)
		if fetchErr != nil {
			return retry.RetryableError(fetchErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", cfg.addr, err)
	}

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}

	cmd.Println(formatStatusTable(statuses))
	return nil
}

// fetchStatuses queries the daemon's plugin status API.
func fetchStatuses(ctx context.Context, addr string) ([]plugin.Status, error) {
	url := fmt.Sprintf("http://%s/api/v1/plugins", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	client := &http.Client{Timeout: statusClientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var statuses []plugin.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return statuses, nil
}

// formatStatusTable formats the statuses as a human-readable table.
func formatStatusTable(statuses []plugin.Status) string {
	if len(statuses) == 0 {
		return "no plugins loaded"
	}

	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	// Header
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tVERSION\tSTATE\tPID\tRESTARTS\tERROR")
	_, _ = fmt.Fprintln(w, "----\t----\t-------\t-----\t---\t--------\t-----")

	for _, s := range statuses {
		pid := "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		errMsg := "-"
		if s.Error != nil {
			errMsg = s.Error.Message
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Name, s.Type, s.Version, s.State, pid, s.Restarts, errMsg)
	}

	_ = w.Flush()
	return string(buf)
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
