package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/api"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/config"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/forwarder"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/logx"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/rpcclient"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/session"
)

// sessionIdleGC is how often SessionManager.GCIdle sweeps abandoned local
// caches.
const sessionIdleGC = 10 * time.Minute

// sessionIdleThreshold is the age at which a cached session is considered
// abandoned.
const sessionIdleThreshold = time.Hour

func main() {
	var cfg config.BridgeConfig
	cfg.BindFlags()
	flag.Parse()

	rpcclient.SetInsecureSkipVerify(!cfg.TLSVerify)

	// The pool disables per-client reconnect for both profiles: a pooled
	// client's entry is discarded and re-dialed by the pool itself on
	// failure, and a one-shot VerifyToken client is used exactly once and
	// also gets its heartbeat disabled.
	factory := func(token string, oneShot bool) *rpcclient.Client {
		heartbeat := cfg.HeartbeatMs
		if oneShot {
			heartbeat = 0
		}
		return rpcclient.New(rpcclient.Options{
			URL:                 cfg.GatewayWSURL,
			Token:               token,
			Origin:              cfg.GatewayOrigin,
			ConnectTimeout:      cfg.ConnectTimeout,
			RequestTimeout:      cfg.RequestTimeout,
			HeartbeatInterval:   heartbeat,
			ReconnectMaxRetries: 0,
			ReconnectDelay:      cfg.ReconnectDelay,
			ClientID:            cfg.ClientID,
			ClientInstanceID:    cfg.ClientInstanceID,
			ClientVersion:       cfg.ClientVersion,
		})
	}

	p := pool.New(factory)
	sessions := session.New(p)
	fwd := forwarder.New(p)

	go func() {
		ticker := time.NewTicker(sessionIdleGC)
		defer ticker.Stop()
		for range ticker.C {
			sessions.GCIdle(sessionIdleThreshold)
		}
	}()

	handler := api.NewRouter(api.Deps{
		Sessions:     sessions,
		Pool:         p,
		Forwarder:    fwd,
		StreamingOn:  cfg.StreamingOn,
		CORSOrigins:  cfg.CORSOrigins,
		StartedAt:    time.Now(),
		GatewayWSURL: cfg.GatewayWSURL,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.APIPort), Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		p.CloseAll()
	}()

	logx.Log.Info().Int("port", cfg.APIPort).Str("gateway", cfg.GatewayWSURL).Msg("bridge starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
