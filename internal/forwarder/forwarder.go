// Package forwarder implements the persistent event forwarder: a
// token->{SSE subscriber} fan-out of Gateway push events, with
// health-checked re-subscription on WS drop.
package forwarder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayproto"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/logx"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/metrics"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/rpcclient"
)

// HealthCheckInterval is the re-subscription poll cadence.
const HealthCheckInterval = 5 * time.Second

// KeepaliveInterval is the cadence at which keepalive PushEvents are sent
// to every persistent subscriber, independent of upstream activity.
const KeepaliveInterval = 30 * time.Second

// PushEvent is the stable schema fanned out to browser subscribers.
type PushEvent struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey,omitempty"`
	Text       string `json:"text,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Message    any    `json:"message,omitempty"`
	TS         int64  `json:"ts,omitempty"`
}

// Writer is the non-blocking sink a subscriber hands to Subscribe; SSE
// flushing is the writer's own concern. Write failures are isolated per
// subscriber and do not affect broadcast to others: a failing writer is
// unsubscribed by the forwarder itself. The caller should still call
// Unsubscribe once its own connection ends normally.
type Writer interface {
	Write(PushEvent) error
}

type tokenEntry struct {
	mu          sync.Mutex
	subscribers map[Writer]struct{}
	unsubscribe func()
	client      *rpcclient.Client
	stop        chan struct{}
}

// Forwarder fans out one token's Gateway push events to every subscriber
// watching that token.
type Forwarder struct {
	pool *pool.Pool

	mu      sync.Mutex
	entries map[string]*tokenEntry
}

// New constructs a Forwarder backed by p.
func New(p *pool.Pool) *Forwarder {
	return &Forwarder{pool: p, entries: map[string]*tokenEntry{}}
}

// Subscribe registers w for token's push events. The first subscriber for
// a token triggers connection attachment and starts the health-check
// loop; subsequent subscribers just join the fan-out set.
func (f *Forwarder) Subscribe(token string, w Writer) {
	f.mu.Lock()
	te, ok := f.entries[token]
	if !ok {
		te = &tokenEntry{subscribers: map[Writer]struct{}{}, stop: make(chan struct{})}
		f.entries[token] = te
	}
	f.mu.Unlock()

	te.mu.Lock()
	te.subscribers[w] = struct{}{}
	first := len(te.subscribers) == 1
	te.mu.Unlock()
	metrics.SSESubscribers.WithLabelValues("events").Inc()

	if first {
		f.ensureListener(token, te)
		go f.healthCheckLoop(token, te)
		go f.keepaliveLoop(token, te)
	}
}

// Unsubscribe removes w from token's fan-out set. If it was the last
// subscriber, the upstream event subscription and health-check loop are
// released and the token entry is dropped.
func (f *Forwarder) Unsubscribe(token string, w Writer) {
	f.mu.Lock()
	te, ok := f.entries[token]
	f.mu.Unlock()
	if !ok {
		return
	}

	te.mu.Lock()
	if _, present := te.subscribers[w]; !present {
		te.mu.Unlock()
		return
	}
	delete(te.subscribers, w)
	empty := len(te.subscribers) == 0
	var unsub func()
	if empty {
		unsub = te.unsubscribe
		te.unsubscribe = nil
		te.client = nil
		close(te.stop)
	}
	te.mu.Unlock()
	metrics.SSESubscribers.WithLabelValues("events").Dec()

	if empty {
		if unsub != nil {
			unsub()
		}
		f.mu.Lock()
		if cur, still := f.entries[token]; still && cur == te {
			delete(f.entries, token)
		}
		f.mu.Unlock()
	}
}

// ensureListener attaches (or re-attaches) te to token's pooled RpcClient.
// Failure is swallowed: subscribers still receive keepalives and the
// health-check loop will retry on a transient Gateway outage.
func (f *Forwarder) ensureListener(token string, te *tokenEntry) {
	client, err := f.pool.GetConnection(context.Background(), token)
	if err != nil {
		logx.Log.Warn().Str("component", "forwarder").Err(err).Msg("deferring event subscription, will retry")
		return
	}
	unsub := client.SubscribeEvent("*", func(e *gatewayproto.Event) {
		f.broadcast(token, te, translate(e))
	})
	te.mu.Lock()
	te.client = client
	te.unsubscribe = unsub
	te.mu.Unlock()
}

func (f *Forwarder) healthCheckLoop(token string, te *tokenEntry) {
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-te.stop:
			return
		case <-ticker.C:
			te.mu.Lock()
			client := te.client
			te.mu.Unlock()
			if client != nil && client.IsConnected() {
				continue
			}
			te.mu.Lock()
			if te.unsubscribe != nil {
				te.unsubscribe()
				te.unsubscribe = nil
			}
			te.client = nil
			te.mu.Unlock()
			f.ensureListener(token, te)
		}
	}
}

func (f *Forwarder) keepaliveLoop(token string, te *tokenEntry) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-te.stop:
			return
		case <-ticker.C:
			f.broadcast(token, te, &PushEvent{Type: "keepalive", TS: time.Now().UnixMilli()})
		}
	}
}

// broadcast writes e to every subscriber of te, isolating write failures
// so one bad subscriber cannot affect the others: a writer that errors is
// actually unsubscribed, not just logged.
func (f *Forwarder) broadcast(token string, te *tokenEntry, e *PushEvent) {
	if e == nil {
		return
	}
	metrics.EventsForwarded.WithLabelValues(e.Type).Inc()
	te.mu.Lock()
	writers := make([]Writer, 0, len(te.subscribers))
	for w := range te.subscribers {
		writers = append(writers, w)
	}
	te.mu.Unlock()

	for _, w := range writers {
		if err := w.Write(*e); err != nil {
			logx.Log.Debug().Str("component", "forwarder").Err(err).Msg("dropping subscriber after write failure")
			f.Unsubscribe(token, w)
		}
	}
}

// translate maps a raw Gateway event frame into the stable PushEvent
// schema, or returns nil for frames that should be dropped.
func translate(e *gatewayproto.Event) *PushEvent {
	if chunk, ok := gatewayproto.ParseAgentChunk(e); ok {
		return &PushEvent{Type: "chunk", SessionKey: chunk.SessionKey, Text: chunk.Text}
	}
	if lc, ok := gatewayproto.ParseLifecycle(e); ok {
		if lc.Phase == "start" {
			return &PushEvent{Type: "agent-start", SessionKey: lc.SessionKey, RunID: lc.RunID}
		}
		return &PushEvent{Type: "agent-end", SessionKey: lc.SessionKey, RunID: lc.RunID}
	}
	if final, ok := gatewayproto.ParseChatFinal(e); ok {
		var msg any
		_ = json.Unmarshal(final.Message, &msg)
		return &PushEvent{Type: "message-final", SessionKey: final.SessionKey, Message: msg}
	}
	return nil
}
