package forwarder_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/forwarder"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayproto"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewaytest"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/rpcclient"
)

type recorder struct {
	mu   sync.Mutex
	got  []forwarder.PushEvent
}

func (r *recorder) Write(e forwarder.PushEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) snapshot() []forwarder.PushEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]forwarder.PushEvent{}, r.got...)
}

func newForwarder(t *testing.T, behav gatewaytest.Behavior) (*forwarder.Forwarder, *gatewaytest.Server) {
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
	return forwarder.New(p), srv
}

func rawEvent(name string, payload map[string]any) gatewayproto.Event {
	b, _ := json.Marshal(payload)
	return gatewayproto.Event{Event: name, Payload: b}
}

func TestTranslatesFourEventKinds(t *testing.T) {
	fwd, srv := newForwarder(t, gatewaytest.Behavior{})

	rec := &recorder{}
	fwd.Subscribe("tok", rec)
	defer fwd.Unsubscribe("tok", rec)

	time.Sleep(50 * time.Millisecond) // let ensureListener attach

	srv.Push(context.Background(), rawEvent("agent", map[string]any{"sessionKey": "s1", "stream": "assistant", "data": map[string]any{"delta": "Hi"}}))
	srv.Push(context.Background(), rawEvent("agent", map[string]any{"sessionKey": "s1", "stream": "lifecycle", "data": map[string]any{"phase": "start", "runId": "r1"}}))
	srv.Push(context.Background(), rawEvent("agent", map[string]any{"sessionKey": "s1", "stream": "lifecycle", "data": map[string]any{"phase": "end", "runId": "r1"}}))
	srv.Push(context.Background(), rawEvent("chat", map[string]any{"sessionKey": "s1", "state": "final", "message": map[string]any{"content": "done"}}))
	srv.Push(context.Background(), rawEvent("something-else", map[string]any{}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.snapshot()) < 4 {
		time.Sleep(10 * time.Millisecond)
	}

	got := rec.snapshot()
	if len(got) != 4 {
		t.Fatalf("expected 4 translated events (dropping the unknown one), got %d: %+v", len(got), got)
	}
	if got[0].Type != "chunk" || got[0].Text != "Hi" {
		t.Fatalf("unexpected event[0]: %+v", got[0])
	}
	if got[1].Type != "agent-start" || got[1].RunID != "r1" {
		t.Fatalf("unexpected event[1]: %+v", got[1])
	}
	if got[2].Type != "agent-end" {
		t.Fatalf("unexpected event[2]: %+v", got[2])
	}
	if got[3].Type != "message-final" {
		t.Fatalf("unexpected event[3]: %+v", got[3])
	}
}

func TestUnsubscribeLastSubscriberDropsEntry(t *testing.T) {
	fwd, _ := newForwarder(t, gatewaytest.Behavior{})

	rec := &recorder{}
	fwd.Subscribe("tok", rec)
	time.Sleep(20 * time.Millisecond)
	fwd.Unsubscribe("tok", rec)

	// Re-subscribing must create a fresh entry and not panic or deadlock
	// on a reused stop channel.
	rec2 := &recorder{}
	fwd.Subscribe("tok", rec2)
	fwd.Unsubscribe("tok", rec2)
}

func TestHealthCheckResubscribesAfterGatewayDrop(t *testing.T) {
	fwd, srv := newForwarder(t, gatewaytest.Behavior{})

	rec := &recorder{}
	fwd.Subscribe("tok", rec)
	defer fwd.Unsubscribe("tok", rec)

	time.Sleep(50 * time.Millisecond) // let ensureListener attach
	if srv.ConnectCount() != 1 {
		t.Fatalf("expected 1 handshake before drop, got %d", srv.ConnectCount())
	}

	srv.DropAll()

	// The health-check loop polls on forwarder.HealthCheckInterval; give it
	// a couple of cycles to notice the dead connection and re-attach.
	deadline := time.Now().Add(forwarder.HealthCheckInterval*3 + 2*time.Second)
	for time.Now().Before(deadline) && srv.ConnectCount() < 2 {
		time.Sleep(50 * time.Millisecond)
	}
	if srv.ConnectCount() < 2 {
		t.Fatalf("expected health-check loop to re-dial after drop, got %d handshakes", srv.ConnectCount())
	}

	// The SSE subscriber must still be live and keep receiving events
	// pushed after the resubscription.
	srv.Push(context.Background(), rawEvent("chat", map[string]any{"sessionKey": "s1", "state": "final", "message": map[string]any{}}))
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.snapshot()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(rec.snapshot()) == 0 {
		t.Fatal("expected the still-registered subscriber to receive an event after resubscription")
	}
}

func TestMultipleSubscribersShareOneUpstreamSubscription(t *testing.T) {
	fwd, srv := newForwarder(t, gatewaytest.Behavior{})

	recA := &recorder{}
	recB := &recorder{}
	fwd.Subscribe("tok", recA)
	fwd.Subscribe("tok", recB)
	defer fwd.Unsubscribe("tok", recA)
	defer fwd.Unsubscribe("tok", recB)

	time.Sleep(50 * time.Millisecond)
	if srv.ConnectCount() != 1 {
		t.Fatalf("expected exactly 1 upstream handshake for 2 subscribers, got %d", srv.ConnectCount())
	}

	srv.Push(context.Background(), rawEvent("chat", map[string]any{"sessionKey": "s1", "state": "final", "message": map[string]any{}}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (len(recA.snapshot()) == 0 || len(recB.snapshot()) == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(recA.snapshot()) == 0 || len(recB.snapshot()) == 0 {
		t.Fatal("expected both subscribers to receive the broadcast event")
	}
}
