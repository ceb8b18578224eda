// Package session implements the pure business layer over the connection
// pool: normalized sessions/messages, idempotent sends, the in-memory
// archive overlay the Gateway itself does not track, and a local
// per-token session cache.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayerr"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/rpcclient"
)

// Session is the bridge-facing normalized session shape.
type Session struct {
	Key       string `json:"key"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Archived  bool   `json:"archived"`
}

// Message is the bridge-facing normalized message shape.
type Message struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	Role       string `json:"role"`
	Text       string `json:"text,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
}

// Image is a base64 image attachment carried in chat.send params.
type Image struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Bytes    string `json:"bytes"`
}

type cacheEntry struct {
	key         string
	title       string
	createdAt   string
	lastActiveAt time.Time
}

type tokenState struct {
	mu       sync.Mutex
	sessions map[string]*cacheEntry
	archive  map[string]bool
}

// Manager is the pure business layer over a connection pool: session and
// message normalization, plus the local archive overlay the Gateway
// itself does not track and a per-token session cache.
type Manager struct {
	pool *pool.Pool

	mu     sync.Mutex
	tokens map[string]*tokenState
}

// New constructs a Manager backed by p.
func New(p *pool.Pool) *Manager {
	return &Manager{pool: p, tokens: map[string]*tokenState{}}
}

func (m *Manager) stateFor(token string) *tokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tokens[token]
	if !ok {
		ts = &tokenState{sessions: map[string]*cacheEntry{}, archive: map[string]bool{}}
		m.tokens[token] = ts
	}
	return ts
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// request wraps client.Request and invalidates the pooled entry for token
// when the response classifies as an auth failure, so a revoked token
// forces a fresh handshake on the next call instead of reusing the
// still-"Ready" client for up to the full pool TTL.
func (m *Manager) request(ctx context.Context, token string, client *rpcclient.Client, method string, params any) (json.RawMessage, error) {
	body, err := client.Request(ctx, method, params)
	if ge, ok := gatewayerr.As(err); ok && ge.Code == gatewayerr.Unauthorized {
		m.pool.CloseToken(token)
	}
	return body, err
}

// List normalizes the Gateway's sessions.list result and overlays the
// in-memory archived flag.
func (m *Manager) List(ctx context.Context, token string) ([]Session, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	body, err := m.request(ctx, token, client, "sessions.list", nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeList(body, "sessions")
	if err != nil {
		return nil, err
	}

	ts := m.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	out := make([]Session, 0, len(raw))
	for _, r := range raw {
		s := normalizeSession(r)
		s.Archived = ts.archive[s.Key]
		if _, ok := ts.sessions[s.Key]; !ok {
			ts.sessions[s.Key] = &cacheEntry{key: s.Key, title: s.Title, createdAt: s.CreatedAt}
		}
		out = append(out, s)
	}
	return out, nil
}

// Create generates a fresh session key, resets it on the Gateway, and
// caches it locally.
func (m *Manager) Create(ctx context.Context, token, title string) (Session, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return Session{}, err
	}
	key := fmt.Sprintf("webchat-%d", time.Now().UnixMilli())
	if _, err := m.request(ctx, token, client, "sessions.reset", map[string]any{"key": key}); err != nil {
		return Session{}, err
	}

	ts := m.stateFor(token)
	ts.mu.Lock()
	ts.sessions[key] = &cacheEntry{key: key, title: title, createdAt: nowISO(), lastActiveAt: time.Now()}
	ts.mu.Unlock()

	return Session{Key: key, Title: title, CreatedAt: nowISO(), UpdatedAt: nowISO()}, nil
}

// History normalizes the Gateway's chat.history result for key.
func (m *Manager) History(ctx context.Context, token, key string) ([]Message, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	body, err := m.request(ctx, token, client, "chat.history", map[string]any{"sessionKey": key, "limit": 200})
	if err != nil {
		return nil, err
	}
	raw, err := decodeList(body, "messages")
	if err != nil {
		return nil, err
	}

	m.touch(token, key)

	out := make([]Message, 0, len(raw))
	for i, r := range raw {
		out = append(out, normalizeMessage(r, key, i))
	}
	return out, nil
}

// Send blocks until the Gateway's chat.send RPC returns.
func (m *Manager) Send(ctx context.Context, token, key, text string, images []Image) error {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return err
	}
	params := sendParams(key, text, images)
	if _, err := m.request(ctx, token, client, "chat.send", params); err != nil {
		return err
	}
	m.touch(token, key)
	return nil
}

// Rename persists a title change on the Gateway and updates the local
// cache.
func (m *Manager) Rename(ctx context.Context, token, key, title string) error {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return err
	}
	if _, err := m.request(ctx, token, client, "sessions.patch", map[string]any{"key": key, "label": title}); err != nil {
		return err
	}

	ts := m.stateFor(token)
	ts.mu.Lock()
	if e, ok := ts.sessions[key]; ok {
		e.title = title
	} else {
		ts.sessions[key] = &cacheEntry{key: key, title: title, createdAt: nowISO()}
	}
	ts.mu.Unlock()
	return nil
}

// Archive and Unarchive mutate only the in-memory per-token archive set;
// the Gateway has no concept of this flag.
func (m *Manager) Archive(token, key string) {
	ts := m.stateFor(token)
	ts.mu.Lock()
	ts.archive[key] = true
	ts.mu.Unlock()
}

func (m *Manager) Unarchive(token, key string) {
	ts := m.stateFor(token)
	ts.mu.Lock()
	delete(ts.archive, key)
	ts.mu.Unlock()
}

// IsArchived reports the current archive overlay for key.
func (m *Manager) IsArchived(token, key string) bool {
	ts := m.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.archive[key]
}

// Close removes a session both upstream and from local caches.
func (m *Manager) Close(ctx context.Context, token, key string) error {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return err
	}
	if _, err := m.request(ctx, token, client, "sessions.delete", map[string]any{"key": key}); err != nil {
		return err
	}
	m.forget(token, key)
	return nil
}

// DeleteMany removes several sessions upstream in one call.
func (m *Manager) DeleteMany(ctx context.Context, token string, keys []string) error {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return err
	}
	if _, err := m.request(ctx, token, client, "sessions.deleteMany", map[string]any{"keys": keys}); err != nil {
		return err
	}
	for _, k := range keys {
		m.forget(token, k)
	}
	return nil
}

// GCIdle drops cached sessions whose last activity is older than
// olderThan, freeing memory for abandoned tokens.
func (m *Manager) GCIdle(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	tokens := make([]*tokenState, 0, len(m.tokens))
	for _, ts := range m.tokens {
		tokens = append(tokens, ts)
	}
	m.mu.Unlock()

	for _, ts := range tokens {
		ts.mu.Lock()
		for key, e := range ts.sessions {
			if !e.lastActiveAt.IsZero() && e.lastActiveAt.Before(cutoff) {
				delete(ts.sessions, key)
			}
		}
		ts.mu.Unlock()
	}
}

// Touch refreshes the idle-GC timestamp for key without making a Gateway
// call. StreamingSend bypasses Manager for the chat.send RPC itself, so
// the HTTP layer calls this directly to keep GCIdle bookkeeping
// consistent between blocking and streamed sends.
func (m *Manager) Touch(token, key string) { m.touch(token, key) }

func (m *Manager) touch(token, key string) {
	ts := m.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	e, ok := ts.sessions[key]
	if !ok {
		e = &cacheEntry{key: key, createdAt: nowISO()}
		ts.sessions[key] = e
	}
	e.lastActiveAt = time.Now()
}

func (m *Manager) forget(token, key string) {
	ts := m.stateFor(token)
	ts.mu.Lock()
	delete(ts.sessions, key)
	delete(ts.archive, key)
	ts.mu.Unlock()
}

// NewIdempotencyKey generates a fresh UUID v4 for chat.send/sendStream
// calls.
func NewIdempotencyKey() string { return uuid.NewString() }

func sendParams(key, text string, images []Image) map[string]any {
	p := map[string]any{
		"sessionKey":     key,
		"message":        text,
		"deliver":        true,
		"idempotencyKey": NewIdempotencyKey(),
	}
	if len(images) > 0 {
		p["attachments"] = images
	}
	return p
}

// decodeList absorbs the Gateway's "[...] or { key: [...] }" schema drift.
func decodeList(body json.RawMessage, key string) ([]map[string]any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var asArray []map[string]any
	if err := json.Unmarshal(body, &asArray); err == nil {
		return asArray, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, gatewayerr.New(gatewayerr.Internal, "unrecognized list shape from gateway")
	}
	if inner, ok := wrapped[key]; ok {
		var list []map[string]any
		if err := json.Unmarshal(inner, &list); err != nil {
			return nil, gatewayerr.New(gatewayerr.Internal, "unrecognized "+key+" shape from gateway")
		}
		return list, nil
	}
	return nil, nil
}

func normalizeSession(r map[string]any) Session {
	s := Session{}
	s.Key = stringField(r, "sessionKey", "key")
	s.Title = stringField(r, "title", "label")
	s.CreatedAt = stringField(r, "createdAt")
	if s.CreatedAt == "" {
		s.CreatedAt = nowISO()
	}
	s.UpdatedAt = stringField(r, "updatedAt")
	if s.UpdatedAt == "" {
		s.UpdatedAt = nowISO()
	}
	return s
}

func normalizeMessage(r map[string]any, sessionKey string, index int) Message {
	m := Message{SessionKey: sessionKey}
	m.ID = stringField(r, "id")
	role := strings.ToLower(stringField(r, "role"))
	switch role {
	case "user", "assistant", "system":
		m.Role = role
	default:
		m.Role = "assistant"
	}
	m.Text = stringField(r, "text")
	if m.Text == "" {
		m.Text = concatTextContent(r["content"])
	}
	m.CreatedAt = stringField(r, "createdAt")
	if m.ID == "" {
		ts := m.CreatedAt
		if ts == "" {
			ts = nowISO()
		}
		m.ID = fmt.Sprintf("%s-%d-%s", sessionKey, index, ts)
	}
	return m
}

func concatTextContent(v any) string {
	parts, ok := v.([]any)
	if !ok {
		return ""
	}
	var lines []string
	for _, p := range parts {
		entry, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := entry["type"].(string); t != "text" {
			continue
		}
		if text, ok := entry["text"].(string); ok {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

func stringField(r map[string]any, names ...string) string {
	for _, n := range names {
		if v, ok := r[n]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
