package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayerr"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/session"
)

// maxImages and maxImageBytes enforce the upload limits on message
// attachments.
const (
	maxImages    = 10
	maxImageBytes = 10 << 20
)

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "openclaw-webchat-bridge",
		"gateway":   h.deps.GatewayWSURL,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (h *handlers) verifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, gatewayerr.New(gatewayerr.BadRequest, "token is required"))
		return
	}

	ok, err := h.deps.Pool.VerifyToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, gatewayerr.New(gatewayerr.InvalidToken, "token rejected by gateway"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"verified": true})
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Sessions.List(r.Context(), tokenFromContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	_ = decodeJSON(r, &req)

	s, err := h.deps.Sessions.Create(r.Context(), tokenFromContext(r), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, s)
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	msgs, err := h.deps.Sessions.History(r.Context(), tokenFromContext(r), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, msgs)
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	text, images, err := parseMessageUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Sessions.Send(r.Context(), tokenFromContext(r), key, text, images); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"accepted": true})
}

type patchSessionRequest struct {
	Archived *bool   `json:"archived,omitempty"`
	Title    *string `json:"title,omitempty"`
}

func (h *handlers) patchSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req patchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, gatewayerr.New(gatewayerr.BadRequest, "malformed patch body"))
		return
	}
	if req.Archived == nil && req.Title == nil {
		writeError(w, gatewayerr.New(gatewayerr.BadRequest, "patch requires archived and/or title"))
		return
	}

	token := tokenFromContext(r)
	result := map[string]any{"sessionKey": key}
	if req.Title != nil {
		if err := h.deps.Sessions.Rename(r.Context(), token, key, *req.Title); err != nil {
			writeError(w, err)
			return
		}
		result["title"] = *req.Title
	}
	if req.Archived != nil {
		if *req.Archived {
			h.deps.Sessions.Archive(token, key)
		} else {
			h.deps.Sessions.Unarchive(token, key)
		}
		result["archived"] = *req.Archived
	}
	writeData(w, http.StatusOK, result)
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.deps.Sessions.Close(r.Context(), tokenFromContext(r), key); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"closed": true, "sessionKey": key})
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// parseMessageUpload reads the multipart body of a send/stream request,
// enforcing the image count/size limits.
func parseMessageUpload(r *http.Request) (string, []session.Image, error) {
	if err := r.ParseMultipartForm(maxImages * maxImageBytes); err != nil {
		return "", nil, gatewayerr.New(gatewayerr.BadRequest, "malformed multipart body")
	}
	text := r.FormValue("text")

	files := r.MultipartForm.File["images[]"]
	if len(files) > maxImages {
		return "", nil, gatewayerr.New(gatewayerr.BadRequest, "too many images, limit is 10")
	}

	images := make([]session.Image, 0, len(files))
	for _, fh := range files {
		if fh.Size > maxImageBytes {
			return "", nil, gatewayerr.New(gatewayerr.BadRequest, "image exceeds 10MB limit")
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, gatewayerr.New(gatewayerr.BadRequest, "unreadable image upload")
		}
		data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
		_ = f.Close()
		if err != nil {
			return "", nil, gatewayerr.New(gatewayerr.BadRequest, "unreadable image upload")
		}
		if len(data) > maxImageBytes {
			return "", nil, gatewayerr.New(gatewayerr.BadRequest, "image exceeds 10MB limit")
		}
		images = append(images, session.Image{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Bytes:    base64.StdEncoding.EncodeToString(data),
		})
	}
	return text, images, nil
}
