package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/forwarder"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayerr"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/logx"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/streaming"
)

// sseWriter wraps a flushable http.ResponseWriter to emit one `data:`
// line per call.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamMessage implements POST /api/sessions/:key/messages/stream,
// emitting status/chunk/done/error frames over server-sent events.
func (h *handlers) streamMessage(w http.ResponseWriter, r *http.Request) {
	if !h.deps.StreamingOn {
		writeError(w, gatewayerr.New(gatewayerr.StreamingDisabled, "streaming is disabled"))
		return
	}
	key := chi.URLParam(r, "key")
	text, images, err := parseMessageUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, gatewayerr.New(gatewayerr.Internal, "streaming unsupported by this response writer"))
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := sse.writeJSON(map[string]any{"type": "status", "status": "sending"}); err != nil {
		return
	}

	token := tokenFromContext(r)
	events := make(chan streaming.Event, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- streaming.Run(r.Context(), h.deps.Pool, token, key, text, images, events)
	}()

	for ev := range events {
		switch ev.Kind {
		case streaming.KindChunk:
			if err := sse.writeJSON(map[string]any{"type": "chunk", "text": ev.Text}); err != nil {
				return
			}
		case streaming.KindDone:
			if err := sse.writeJSON(map[string]any{"type": "done", "accepted": true}); err != nil {
				return
			}
		}
	}

	if err := <-errCh; err != nil {
		ge, ok := gatewayerr.As(err)
		if !ok {
			ge = gatewayerr.New(gatewayerr.Internal, err.Error())
		}
		_ = sse.writeJSON(map[string]any{"type": "error", "code": string(ge.Code), "message": ge.Message})
		return
	}
	h.deps.Sessions.Touch(token, key)
}

// pushWriter adapts an sseWriter to forwarder.Writer.
type pushWriter struct {
	sse *sseWriter
}

func (p *pushWriter) Write(e forwarder.PushEvent) error {
	return p.sse.writeJSON(e)
}

// events implements GET /api/events, the persistent push channel.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, gatewayerr.New(gatewayerr.Internal, "streaming unsupported by this response writer"))
		return
	}
	w.WriteHeader(http.StatusOK)

	token := tokenFromContext(r)
	pw := &pushWriter{sse: sse}
	h.deps.Forwarder.Subscribe(token, pw)
	defer h.deps.Forwarder.Unsubscribe(token, pw)

	<-r.Context().Done()
	logx.Log.Debug().Str("component", "api").Msg("persistent SSE subscriber disconnected")
}
