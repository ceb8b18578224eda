// Package config loads the bridge's configuration from environment
// variables, binding command-line flags as overrides.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// BridgeConfig holds every configuration knob the bridge process accepts.
type BridgeConfig struct {
	GatewayWSURL   string
	GatewayOrigin  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	HeartbeatMs    time.Duration
	ReconnectMax   int
	ReconnectDelay time.Duration
	TLSVerify      bool
	StreamingOn    bool
	CORSOrigins    []string
	APIPort        int

	ClientID         string
	ClientInstanceID string
	ClientVersion    string
}

// BindFlags populates defaults from environment variables and binds
// command-line flags so main can call flag.Parse().
func (c *BridgeConfig) BindFlags() {
	c.GatewayWSURL = getEnv("GATEWAY_WS_URL", "ws://127.0.0.1:7800/ws")
	c.GatewayOrigin = getEnv("GATEWAY_WS_ORIGIN", "")
	c.ConnectTimeout = getEnvDuration("GATEWAY_CONNECT_TIMEOUT_MS", 10*time.Second)
	c.RequestTimeout = getEnvDuration("GATEWAY_REQUEST_TIMEOUT_MS", 30*time.Second)
	c.HeartbeatMs = getEnvDuration("GATEWAY_HEARTBEAT_INTERVAL_MS", 20*time.Second)
	c.ReconnectMax = getEnvInt("GATEWAY_RECONNECT_MAX_RETRIES", 5)
	c.ReconnectDelay = getEnvDuration("GATEWAY_RECONNECT_DELAY_MS", time.Second)
	c.TLSVerify = strings.ToLower(getEnv("TLS_VERIFY", "true")) != "false"
	c.StreamingOn = strings.ToLower(getEnv("STREAMING_ENABLED", "true")) != "false"
	c.CORSOrigins = splitCSV(getEnv("CORS_ORIGINS", "*"))
	c.APIPort = getEnvInt("API_PORT", 8080)
	c.ClientID = getEnv("GATEWAY_CLIENT_ID", "openclaw-control-ui")
	c.ClientInstanceID = getEnv("GATEWAY_CLIENT_INSTANCE_ID", "")
	c.ClientVersion = getEnv("GATEWAY_CLIENT_VERSION", "dev")

	flag.StringVar(&c.GatewayWSURL, "gateway-ws-url", c.GatewayWSURL, "upstream Gateway WebSocket endpoint")
	flag.StringVar(&c.GatewayOrigin, "gateway-ws-origin", c.GatewayOrigin, "Origin header for the WS upgrade")
	flag.DurationVar(&c.ConnectTimeout, "gateway-connect-timeout", c.ConnectTimeout, "WS upgrade + handshake timeout")
	flag.DurationVar(&c.RequestTimeout, "gateway-request-timeout", c.RequestTimeout, "per-RPC timeout")
	flag.DurationVar(&c.HeartbeatMs, "gateway-heartbeat-interval", c.HeartbeatMs, "WS ping interval, 0 disables")
	flag.IntVar(&c.ReconnectMax, "gateway-reconnect-max-retries", c.ReconnectMax, "standalone RpcClient max reconnect attempts")
	flag.DurationVar(&c.ReconnectDelay, "gateway-reconnect-delay", c.ReconnectDelay, "linear backoff unit for standalone reconnects")
	flag.BoolVar(&c.TLSVerify, "tls-verify", c.TLSVerify, "verify TLS certificates on outbound WS connections")
	flag.BoolVar(&c.StreamingOn, "streaming-enabled", c.StreamingOn, "enable the per-request SSE endpoint")
	flag.IntVar(&c.APIPort, "api-port", c.APIPort, "HTTP listen port")
	flag.StringVar(&c.ClientID, "gateway-client-id", c.ClientID, "client descriptor id sent during handshake")
	flag.StringVar(&c.ClientInstanceID, "gateway-client-instance-id", c.ClientInstanceID, "client descriptor instance id")
	flag.StringVar(&c.ClientVersion, "gateway-client-version", c.ClientVersion, "client descriptor version")
}

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getEnvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func getEnvDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return d
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
