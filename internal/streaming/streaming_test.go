package streaming_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayproto"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewaytest"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/rpcclient"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/streaming"
)

func newPool(t *testing.T, behav gatewaytest.Behavior) (*pool.Pool, *gatewaytest.Server) {
	t.Helper()
	srv := gatewaytest.New(behav)
	t.Cleanup(srv.Close)
	p := pool.New(func(token string, _ bool) *rpcclient.Client {
		return rpcclient.New(rpcclient.Options{
			URL:            srv.URL(),
			Token:          token,
			ConnectTimeout: 2 * time.Second,
			RequestTimeout: 2 * time.Second,
		})
	})
	return p, srv
}

func TestRunEmitsChunksThenFinalEvent(t *testing.T) {
	var srv *gatewaytest.Server
	p, srv := newPool(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			if method == "chat.send" {
				// Push the chunks and the final event before the RPC resolves,
				// so they reach Run ahead of the chat.send response.
				srv.Push(context.Background(), rawEvent("agent", map[string]any{"sessionKey": "s1", "stream": "assistant", "data": map[string]any{"delta": "Hel"}}))
				srv.Push(context.Background(), rawEvent("agent", map[string]any{"sessionKey": "s1", "stream": "assistant", "data": map[string]any{"delta": "lo"}}))
				srv.Push(context.Background(), rawEvent("chat", map[string]any{"sessionKey": "s1", "state": "final", "message": map[string]any{"role": "assistant", "content": "Hello"}}))
				return map[string]any{"accepted": true}, "", ""
			}
			return nil, "NOT_FOUND", ""
		},
	})

	events := make(chan streaming.Event, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- streaming.Run(context.Background(), p, "tok", "s1", "Hi", nil, events)
	}()

	var chunks []string
	var gotDone bool
	for ev := range events {
		switch ev.Kind {
		case streaming.KindChunk:
			chunks = append(chunks, ev.Text)
		case streaming.KindDone:
			gotDone = true
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if !gotDone {
		t.Fatal("expected a Done event")
	}
}

func TestRunFiltersOtherSessionKeys(t *testing.T) {
	var srv *gatewaytest.Server
	p, srv := newPool(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			if method == "chat.send" {
				// Push the foreign chunk before the RPC resolves, while Run
				// is still subscribed.
				srv.Push(context.Background(), rawEvent("agent", map[string]any{"sessionKey": "other", "stream": "assistant", "data": map[string]any{"delta": "nope"}}))
				return map[string]any{}, "", ""
			}
			return nil, "NOT_FOUND", ""
		},
	})

	events := make(chan streaming.Event, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- streaming.Run(context.Background(), p, "tok", "s1", "Hi", nil, events)
	}()

	var chunks int
	for ev := range events {
		if ev.Kind == streaming.KindChunk {
			chunks++
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if chunks != 0 {
		t.Fatalf("expected 0 chunks from a different session, got %d", chunks)
	}
}

func TestRunPropagatesRPCError(t *testing.T) {
	p, _ := newPool(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			return nil, "SOME_ERROR", "boom"
		},
	})

	events := make(chan streaming.Event, 8)
	err := streaming.Run(context.Background(), p, "tok", "s1", "Hi", nil, events)
	for range events {
	}
	if err == nil {
		t.Fatal("expected an error from the RPC rejection")
	}
}

func rawEvent(name string, payload map[string]any) gatewayproto.Event {
	b, _ := json.Marshal(payload)
	return gatewayproto.Event{Event: name, Payload: b}
}
