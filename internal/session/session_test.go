package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewaytest"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/rpcclient"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/session"
)

func newManager(t *testing.T, behav gatewaytest.Behavior) (*session.Manager, *gatewaytest.Server) {
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
	return session.New(p), srv
}

func TestListNormalizesArrayShapeAndOverlaysArchive(t *testing.T) {
	mgr, _ := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			if method == "sessions.list" {
				return []map[string]any{
					{"key": "s1", "label": "First"},
					{"sessionKey": "s2", "title": "Second", "createdAt": "2024-01-01T00:00:00Z"},
				}, "", ""
			}
			return nil, "NOT_FOUND", ""
		},
	})

	mgr.Archive("tok", "s1")

	out, err := mgr.List(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(out))
	}
	if out[0].Key != "s1" || out[0].Title != "First" || !out[0].Archived {
		t.Fatalf("unexpected session[0]: %+v", out[0])
	}
	if out[1].Key != "s2" || out[1].Title != "Second" || out[1].Archived {
		t.Fatalf("unexpected session[1]: %+v", out[1])
	}
}

func TestListNormalizesWrappedShape(t *testing.T) {
	mgr, _ := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			return map[string]any{"sessions": []map[string]any{{"key": "s1"}}}, "", ""
		},
	})
	out, err := mgr.List(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 || out[0].Key != "s1" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestArchiveUnarchiveRoundTrip(t *testing.T) {
	mgr, _ := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			return []map[string]any{{"key": "s1"}}, "", ""
		},
	})

	before, err := mgr.List(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	mgr.Archive("tok", "s1")
	mgr.Unarchive("tok", "s1")
	after, err := mgr.List(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if before[0].Archived != after[0].Archived {
		t.Fatalf("expected archive flag restored: before=%v after=%v", before[0].Archived, after[0].Archived)
	}
}

func TestRenameAfterListSucceeds(t *testing.T) {
	mgr, _ := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			switch method {
			case "sessions.list":
				return []map[string]any{{"key": "s1", "label": "Old"}}, "", ""
			case "sessions.patch":
				return map[string]any{}, "", ""
			}
			return nil, "NOT_FOUND", ""
		},
	})

	if _, err := mgr.List(context.Background(), "tok"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := mgr.Rename(context.Background(), "tok", "s1", "New Title"); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func TestHistoryNormalizesRoleAndContentArray(t *testing.T) {
	mgr, _ := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			return []map[string]any{
				{"role": "user", "text": "hi"},
				{"role": "weird-role", "content": []map[string]any{
					{"type": "text", "text": "part1"},
					{"type": "text", "text": "part2"},
					{"type": "image", "text": "ignored"},
				}},
			}, "", ""
		},
	})

	msgs, err := mgr.History(context.Background(), "tok", "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Text != "hi" {
		t.Fatalf("unexpected message[0]: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" {
		t.Fatalf("expected unknown role to default to assistant, got %q", msgs[1].Role)
	}
	if msgs[1].Text != "part1\npart2" {
		t.Fatalf("unexpected joined text: %q", msgs[1].Text)
	}
	if msgs[1].ID == "" {
		t.Fatal("expected a synthesized id")
	}
}

func TestMidSessionAuthFailureInvalidatesPoolEntry(t *testing.T) {
	var calls int
	mgr, srv := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			if method == "sessions.list" {
				calls++
				if calls == 1 {
					return nil, "UNAUTHORIZED", "token revoked"
				}
				return []map[string]any{{"key": "s1"}}, "", ""
			}
			return nil, "NOT_FOUND", ""
		},
	})

	if _, err := mgr.List(context.Background(), "tok"); err == nil {
		t.Fatal("expected the first call to fail with UNAUTHORIZED")
	}
	if srv.ConnectCount() != 1 {
		t.Fatalf("expected 1 handshake before revocation, got %d", srv.ConnectCount())
	}

	// The revoked token must force a fresh handshake on the very next
	// call instead of reusing the still-"Ready" pooled client.
	out, err := mgr.List(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list after revocation: %v", err)
	}
	if len(out) != 1 || out[0].Key != "s1" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if srv.ConnectCount() != 2 {
		t.Fatalf("expected pool invalidation to trigger a second handshake, got %d", srv.ConnectCount())
	}
}

func TestDeleteManyForgetsLocalStateForEachKey(t *testing.T) {
	mgr, _ := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			switch method {
			case "sessions.list":
				return []map[string]any{{"key": "s1"}, {"key": "s2"}}, "", ""
			case "sessions.deleteMany":
				return map[string]any{}, "", ""
			}
			return nil, "NOT_FOUND", ""
		},
	})

	mgr.Archive("tok", "s1")
	mgr.Archive("tok", "s2")
	if err := mgr.DeleteMany(context.Background(), "tok", []string{"s1", "s2"}); err != nil {
		t.Fatalf("deleteMany: %v", err)
	}
	if mgr.IsArchived("tok", "s1") || mgr.IsArchived("tok", "s2") {
		t.Fatal("expected archive entries for both keys to be forgotten after deleteMany")
	}
}

func TestCloseForgetsLocalState(t *testing.T) {
	mgr, _ := newManager(t, gatewaytest.Behavior{
		Handler: func(method string, params json.RawMessage) (any, string, string) {
			switch method {
			case "sessions.list":
				return []map[string]any{{"key": "s1"}}, "", ""
			case "sessions.delete":
				return map[string]any{}, "", ""
			}
			return nil, "NOT_FOUND", ""
		},
	})

	mgr.Archive("tok", "s1")
	if err := mgr.Close(context.Background(), "tok", "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if mgr.IsArchived("tok", "s1") {
		t.Fatal("expected archive entry to be forgotten after close")
	}
}
