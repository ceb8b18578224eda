// Package streaming implements StreamingSend, the generator that bridges
// a single chat.send RPC with a concurrent push-event subscription to
// synthesize a chunked message stream.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayproto"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/session"
)

// EventKind discriminates the two events StreamingSend yields.
type EventKind int

const (
	KindChunk EventKind = iota
	KindDone
)

// Event is one item of the finite, non-restartable sequence StreamingSend
// produces.
type Event struct {
	Kind EventKind
	Text string
	Data json.RawMessage
}

// Run drives StreamingSend for one (token, sessionKey, text) and emits
// Events on out until completion, the RPC's error, or ctx cancellation.
// out is always closed, and the event subscription is always released,
// on every exit path.
func Run(ctx context.Context, p *pool.Pool, token, sessionKey, text string, images []session.Image, out chan<- Event) error {
	defer close(out)

	client, err := p.GetConnection(ctx, token)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	done := false

	emit := func(e Event) {
		select {
		case out <- e:
		case <-ctx.Done():
		}
	}

	unsubscribe := client.SubscribeEvent("*", func(frame *gatewayproto.Event) {
		chunk, ok := gatewayproto.ParseAgentChunk(frame)
		if ok {
			if chunk.SessionKey != "" && chunk.SessionKey != sessionKey {
				return
			}
			emit(Event{Kind: KindChunk, Text: chunk.Text})
			return
		}
		final, ok := gatewayproto.ParseChatFinal(frame)
		if ok {
			if final.SessionKey != "" && final.SessionKey != sessionKey {
				return
			}
			mu.Lock()
			already := done
			done = true
			mu.Unlock()
			if !already {
				emit(Event{Kind: KindDone, Data: final.Message})
			}
		}
	})
	defer unsubscribe()

	params := map[string]any{
		"sessionKey":     sessionKey,
		"message":        text,
		"deliver":        true,
		"idempotencyKey": session.NewIdempotencyKey(),
	}
	if len(images) > 0 {
		params["attachments"] = images
	}

	body, err := client.Request(ctx, "chat.send", params)
	if err != nil {
		return err
	}

	mu.Lock()
	already := done
	done = true
	mu.Unlock()
	if !already {
		emit(Event{Kind: KindDone, Data: body})
	}
	return nil
}
