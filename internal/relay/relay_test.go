// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/samber/oops"
	"go.uber.org/goleak"

	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/tunnel"
)

// testEnd is one side of a relayed tunnel: the server end answers dispatch
// requests through its relay, the client end issues them.
type testEnd struct {
	tn *tunnel.Tunnel
	re *Relay
}

// newRelayPair wires a client and a server end over in-memory pipes. The
// server answers every request through handler, relaying results the way a
// plugin host does.
func newRelayPair(t *testing.T, handler dispatch.HandlerFunc) (*testEnd, *testEnd) {
	t.Helper()

	client := &testEnd{re: New()}
	server := &testEnd{re: New()}

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server.tn = tunnel.New(serverRead, serverWrite, func(msg *tunnel.Message, reply tunnel.ReplyFunc) {
		if msg.Type != tunnel.TypeRequest {
			server.re.HandleMessage(msg)
			return
		}
		go func() {
			ctx := context.Background()
			res, err := handler(ctx, &dispatch.Request{Path: msg.Path, Data: msg.Data})
			if err != nil {
				_ = reply(ErrorReply(err))
				return
			}
			_ = server.re.Serve(ctx, server.tn, reply, res)
		}()
	}, tunnel.WithCloser(serverWrite), tunnel.WithCloser(serverRead))

	client.tn = tunnel.New(clientRead, clientWrite, func(msg *tunnel.Message, _ tunnel.ReplyFunc) {
		client.re.HandleMessage(msg)
	}, tunnel.WithCloser(clientWrite), tunnel.WithCloser(clientRead))

	server.tn.Start()
	client.tn.Start()

	t.Cleanup(func() {
		_ = client.tn.Close()
		_ = server.tn.Close()
		client.re.Close(tunnel.ErrClosed)
		server.re.Close(tunnel.ErrClosed)
	})
	return client, server
}

// call dispatches a path through the tunnel and interprets the reply the way
// a forwarding host does.
func (e *testEnd) call(ctx context.Context, path string) (*dispatch.Result, error) {
	reply, err := e.tn.Send(ctx, tunnel.NewRequest(path, nil))
	if err != nil {
		return nil, err
	}
	if reply.Type == tunnel.TypeError {
		return nil, ReplyError(path, reply)
	}
	return e.re.Consume(reply, func(sid string) {
		_ = e.tn.Emit(&tunnel.Message{Type: tunnel.TypeUnsubscribe, Sid: sid})
	})
}

func TestServe_Unary(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, _ := newRelayPair(t, func(_ context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
		return &dispatch.Result{Status: tunnel.StatusOK, Data: json.RawMessage(`{"pong":true}`)}, nil
	})

	res, err := client.call(context.Background(), "/ping")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if res.Status != tunnel.StatusOK {
		t.Errorf("expected status %d, got %d", tunnel.StatusOK, res.Status)
	}
	if res.Stream != nil {
		t.Error("unary result must not carry a stream")
	}
	if string(res.Data) != `{"pong":true}` {
		t.Errorf("unexpected payload: %s", res.Data)
	}
}

func TestServe_StreamFinFlow(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 3
	client, server := newRelayPair(t, func(ctx context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
		st, err := NewSubscriptionStream(ctx)
		if err != nil {
			return nil, err
		}
		go func() {
			for i := 0; i < n; i++ {
				item, _ := json.Marshal(map[string]int{"seq": i})
				if err := st.Send(ctx, item); err != nil {
					return
				}
			}
			st.Close()
		}()
		return &dispatch.Result{Stream: st}, nil
	})

	res, err := client.call(context.Background(), "/ticks")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected a stream result")
	}

	var got []int
	for {
		item, err := res.Stream.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(item, &payload); err != nil {
			t.Fatalf("bad item: %v", err)
		}
		got = append(got, payload.Seq)
	}

	if len(got) != n {
		t.Fatalf("expected %d items, got %d: %v", n, len(got), got)
	}
	for i, seq := range got {
		if seq != i {
			t.Errorf("item %d out of order: %d", i, seq)
		}
	}

	waitFor(t, func() bool { return server.re.Open() == 0 }, "producer registration released")
	waitFor(t, func() bool { return client.re.Open() == 0 }, "consumer registration released")
}

func TestServe_StreamErrorTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := newRelayPair(t, func(ctx context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
		st, err := NewSubscriptionStream(ctx)
		if err != nil {
			return nil, err
		}
		go func() {
			_ = st.Send(ctx, json.RawMessage(`1`))
			_ = st.Send(ctx, json.RawMessage(`2`))
			st.CloseWithError(errors.New("source dried up"))
		}()
		return &dispatch.Result{Stream: st}, nil
	})

	res, err := client.call(context.Background(), "/flaky")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	var items int
	var terminal error
	for {
		_, err := res.Stream.Recv(context.Background())
		if err != nil {
			terminal = err
			break
		}
		items++
	}

	if items != 2 {
		t.Errorf("expected 2 items before the error, got %d", items)
	}
	if errors.Is(terminal, io.EOF) {
		t.Fatal("stream must end in error, not fin")
	}
	if !strings.Contains(terminal.Error(), "source dried up") {
		t.Errorf("error message lost: %v", terminal)
	}
	oopsErr, ok := oops.AsOops(terminal)
	if !ok || oopsErr.Code() != dispatch.CodeStream {
		t.Errorf("expected %s error, got: %v", dispatch.CodeStream, terminal)
	}
	if status, _ := oopsErr.Context()["status"].(int); status != tunnel.StatusInternalError {
		t.Errorf("expected default status %d, got %v", tunnel.StatusInternalError, oopsErr.Context()["status"])
	}

	waitFor(t, func() bool { return server.re.Open() == 0 }, "producer registration released after error")
	waitFor(t, func() bool { return client.re.Open() == 0 }, "consumer registration released after error")
}

func TestServe_EmptyStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, _ := newRelayPair(t, func(_ context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
		st := dispatch.NewStream("")
		st.Close()
		return &dispatch.Result{Stream: st}, nil
	})

	res, err := client.call(context.Background(), "/empty")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if res.Stream != nil {
		t.Error("empty stream must collapse to a unary reply")
	}
	if res.Status != tunnel.StatusOK {
		t.Errorf("expected status %d, got %d", tunnel.StatusOK, res.Status)
	}
}

func TestServe_ErrorBeforeFirstItem(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, _ := newRelayPair(t, func(_ context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
		st := dispatch.NewStream("")
		st.CloseWithError(errors.New("no data at all"))
		return &dispatch.Result{Stream: st}, nil
	})

	_, err := client.call(context.Background(), "/doomed")
	if err == nil {
		t.Fatal("expected the pre-announce failure as a call error")
	}
	if !strings.Contains(err.Error(), "no data at all") {
		t.Errorf("error message lost: %v", err)
	}
}

func TestServe_NotFoundCrossesTunnel(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, _ := newRelayPair(t, func(_ context.Context, req *dispatch.Request) (*dispatch.Result, error) {
		return nil, dispatch.ErrNotFound(req.Path)
	})

	_, err := client.call(context.Background(), "/nowhere")
	if !dispatch.IsNotFound(err) {
		t.Fatalf("expected a reconstructed route miss, got: %v", err)
	}
}

func TestUnsubscribeStopsProducer(t *testing.T) {
	defer goleak.VerifyNone(t)

	producerDead := make(chan struct{})
	client, server := newRelayPair(t, func(ctx context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
		st, err := NewSubscriptionStream(ctx)
		if err != nil {
			return nil, err
		}
		go func() {
			defer close(producerDead)
			for i := 0; ; i++ {
				item := json.RawMessage(fmt.Sprintf("%d", i))
				if err := st.Send(ctx, item); err != nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		return &dispatch.Result{Stream: st}, nil
	})

	res, err := client.call(context.Background(), "/endless")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	// Take one item, then walk away.
	if _, err := res.Stream.Recv(context.Background()); err != nil {
		t.Fatalf("first item failed: %v", err)
	}
	res.Stream.Cancel()

	select {
	case <-producerDead:
	case <-time.After(2 * time.Second):
		t.Fatal("producer kept running after unsubscribe")
	}

	waitFor(t, func() bool { return server.re.Open() == 0 }, "producer registration released after unsubscribe")
	if client.re.Open() != 0 {
		t.Error("consumer registration must drop on Cancel")
	}
}

func TestHandleMessage_UnknownAndForeign(t *testing.T) {
	re := New()

	// Stream frames for unknown sids are consumed quietly.
	for _, msg := range []*tunnel.Message{
		{Type: tunnel.TypeEvent, Sid: "01UNKNOWN", Data: json.RawMessage(`1`)},
		{Type: tunnel.TypeEvent},
		{Type: tunnel.TypeFin, Sid: "01UNKNOWN"},
		{Type: tunnel.TypeError, Sid: "01UNKNOWN", Message: "x"},
		{Type: tunnel.TypeUnsubscribe, Sid: "01UNKNOWN"},
		{Type: tunnel.TypeUnsubscribe},
	} {
		if !re.HandleMessage(msg) {
			t.Errorf("%s frame not consumed", msg.Type)
		}
	}

	// Non-stream traffic is not the relay's.
	for _, msg := range []*tunnel.Message{
		{Type: tunnel.TypeLog},
		{Type: tunnel.TypeStats},
		{Type: tunnel.TypeActivated},
		{Type: tunnel.TypeError, Message: "correlated"},
	} {
		if re.HandleMessage(msg) {
			t.Errorf("%s frame wrongly consumed", msg.Type)
		}
	}
}

func TestConsume_Unary(t *testing.T) {
	re := New()
	res, err := re.Consume(tunnel.NewReply(tunnel.StatusOK, json.RawMessage(`{"plain":1}`)), nil)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if res.Stream != nil {
		t.Error("plain reply must not produce a stream")
	}
	if re.Open() != 0 {
		t.Error("nothing should be registered for a unary reply")
	}
}

func TestRegistry_DuplicateSid(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(dispatch.NewStream("01DUP")); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := reg.Register(dispatch.NewStream("01DUP"))
	if err == nil {
		t.Fatal("duplicate sid must fail")
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok || oopsErr.Code() != tunnel.CodeProtocol {
		t.Errorf("expected %s, got: %v", tunnel.CodeProtocol, err)
	}

	if err := reg.Register(dispatch.NewStream("")); err == nil {
		t.Fatal("empty sid must fail")
	}
}

func TestRegistry_RemoveArbitration(t *testing.T) {
	reg := NewRegistry()
	st := dispatch.NewStream("01ONE")
	if err := reg.Register(st); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, ok := reg.Remove("01ONE"); !ok {
		t.Fatal("first remove must win")
	}
	if _, ok := reg.Remove("01ONE"); ok {
		t.Fatal("second remove must lose")
	}
	if _, ok := reg.Remove("01NEVER"); ok {
		t.Fatal("unknown sid must lose")
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	st := dispatch.NewStream("01GONE")
	if err := reg.Register(st); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cause := errors.New("peer exited")
	reg.CloseAll(cause)

	if reg.Len() != 0 {
		t.Error("registry must be empty after CloseAll")
	}
	_, err := st.Recv(context.Background())
	if !errors.Is(err, cause) {
		t.Errorf("stream must fail with the teardown cause, got: %v", err)
	}
}

func TestReplyError(t *testing.T) {
	err := ReplyError("/p", &tunnel.Message{Type: tunnel.TypeError, Status: tunnel.StatusNotFound})
	if !dispatch.IsNotFound(err) {
		t.Errorf("404 must reconstruct as a route miss, got: %v", err)
	}

	err = ReplyError("/p", &tunnel.Message{
		Type: tunnel.TypeError, Status: tunnel.StatusInternalError,
		Message: "kaboom", Stack: "at main",
	})
	if dispatch.IsNotFound(err) {
		t.Error("500 must not reconstruct as a route miss")
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("message lost: %v", err)
	}
}

// waitFor polls until cond holds or the deadline passes. Registry teardown
// runs on pump goroutines, so tests observe it asynchronously.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConsume_EarlyTrafficReplaysInOrder(t *testing.T) {
	re := New()

	// The read loop routes the stream's first frames before the announce
	// reply reaches its consumer.
	re.HandleMessage(&tunnel.Message{Type: tunnel.TypeEvent, Sid: "01EARLY", Data: json.RawMessage(`1`)})
	re.HandleMessage(&tunnel.Message{Type: tunnel.TypeEvent, Sid: "01EARLY", Data: json.RawMessage(`2`)})
	re.HandleMessage(&tunnel.Message{Type: tunnel.TypeFin, Sid: "01EARLY"})

	res, err := re.Consume(tunnel.NewReply(tunnel.StatusOK, tunnel.NewSubscribeItem("01EARLY")), nil)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("announce reply must produce a stream")
	}

	var got []string
	for {
		item, err := res.Stream.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv failed: %v", err)
		}
		got = append(got, string(item))
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("staged items must replay in order, got %v", got)
	}
	if re.Open() != 0 {
		t.Error("staged fin must also release the registration")
	}
}

func TestConsume_EarlyErrorTerminal(t *testing.T) {
	re := New()

	re.HandleMessage(&tunnel.Message{Type: tunnel.TypeEvent, Sid: "01EERR", Data: json.RawMessage(`1`)})
	re.HandleMessage(&tunnel.Message{
		Type: tunnel.TypeError, Sid: "01EERR",
		Status: tunnel.StatusInternalError, Message: "source died",
	})

	res, err := re.Consume(tunnel.NewReply(tunnel.StatusOK, tunnel.NewSubscribeItem("01EERR")), nil)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	if _, err := res.Stream.Recv(context.Background()); err != nil {
		t.Fatalf("staged item must still arrive, got: %v", err)
	}
	_, err = res.Stream.Recv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "source died") {
		t.Errorf("staged error must terminate the stream, got: %v", err)
	}
	if re.Open() != 0 {
		t.Error("staged error must release the registration")
	}
}
