// Package pool implements the token-keyed connection pool that owns every
// RpcClient the bridge ever dials.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayerr"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/logx"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/metrics"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/rpcclient"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/secret"
)

// TTL is the default pooled-entry lifetime before a fresh handshake is
// required on next use.
const TTL = 5 * time.Minute

// Factory builds an RpcClient for a token. oneShot is true only for
// VerifyToken's unpooled, use-once client; implementations should
// disable heartbeat and reconnect in that case. Exposed for tests to
// inject a fake Gateway's URL.
type Factory func(token string, oneShot bool) *rpcclient.Client

// entry is one pooled slot: the client, when it was created, and the
// in-flight handshake future concurrent callers wait on.
type entry struct {
	client      *rpcclient.Client
	createdAt   time.Time
	handshakeCh chan struct{}
	handshakeErr error
}

// Pool is the concurrency-safe token -> RpcClient map.
type Pool struct {
	factory Factory

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Pool that builds connections with factory.
func New(factory Factory) *Pool {
	return &Pool{factory: factory, entries: map[string]*entry{}}
}

// reportSize must be called with p.mu held; it keeps the pool-size gauge
// in sync with the entry map.
func (p *Pool) reportSize() {
	metrics.PoolSize.Set(float64(len(p.entries)))
}

// GetConnection returns a ready client for token, dialing a fresh one if
// the existing entry is missing or stale. The new entry is stored before
// the handshake completes, so concurrent callers for the same token
// observe and await the same in-flight handshake instead of racing to
// dial twice.
func (p *Pool) GetConnection(ctx context.Context, token string) (*rpcclient.Client, error) {
	for {
		p.mu.Lock()
		e, ok := p.entries[token]
		if ok && time.Since(e.createdAt) >= TTL {
			delete(p.entries, token)
			ok = false
		}
		if !ok {
			e = &entry{createdAt: time.Now(), handshakeCh: make(chan struct{})}
			e.client = p.factory(token, false)
			p.entries[token] = e
			p.reportSize()
			p.mu.Unlock()

			err := e.client.Connect(ctx)
			p.mu.Lock()
			e.handshakeErr = err
			close(e.handshakeCh)
			if err != nil {
				if cur, still := p.entries[token]; still && cur == e {
					delete(p.entries, token)
					p.reportSize()
				}
			}
			p.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return e.client, nil
		}
		p.mu.Unlock()

		select {
		case <-e.handshakeCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.handshakeErr != nil {
			// The handshake that failed already removed its own entry;
			// loop to build a fresh one.
			continue
		}
		if !e.client.IsConnected() {
			p.mu.Lock()
			if cur, still := p.entries[token]; still && cur == e {
				delete(p.entries, token)
				p.reportSize()
			}
			p.mu.Unlock()
			continue
		}
		return e.client, nil
	}
}

// CloseToken closes the pooled client for token, if any, and drops the
// entry. Safe to call while other callers hold a reference to the client.
func (p *Pool) CloseToken(token string) {
	p.mu.Lock()
	e, ok := p.entries[token]
	if ok {
		delete(p.entries, token)
		p.reportSize()
	}
	p.mu.Unlock()
	if ok {
		_ = e.client.Close()
	}
}

// CloseAll closes every pooled client and clears the map.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*entry{}
	p.reportSize()
	p.mu.Unlock()
	for _, e := range entries {
		_ = e.client.Close()
	}
}

// VerifyToken builds a one-shot, unpooled RpcClient (reconnect and
// heartbeat disabled) and reports whether its handshake succeeds. An
// UNAUTHORIZED classification returns (false, nil); any other error is
// returned as-is. The one-shot client is always closed.
func (p *Pool) VerifyToken(ctx context.Context, token string) (bool, error) {
	client := p.factory(token, true)
	defer func() { _ = client.Close() }()

	err := client.Connect(ctx)
	if err == nil {
		return true, nil
	}
	if ge, ok := gatewayerr.As(err); ok && ge.Code == gatewayerr.Unauthorized {
		logx.Log.Info().Str("component", "pool").Str("token", secret.Mask(token)).Msg("token verification failed: unauthorized")
		return false, nil
	}
	return false, err
}
