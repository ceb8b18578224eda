// Package rpcclient implements the WebSocket RPC client that owns exactly
// one connection to the Gateway: handshake, request/response correlation,
// heartbeat, and event dispatch.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayerr"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayproto"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/logx"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/metrics"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/secret"
)

// State is one of the connection lifecycle states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshakePending
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// insecureSkipVerify is a process-wide TLS verification switch, read on
// every dial.
var insecureSkipVerify atomic.Bool

// SetInsecureSkipVerify toggles the process-wide TLS verification bypass
// for outbound Gateway WebSocket connections (TLS_VERIFY=false).
func SetInsecureSkipVerify(v bool) { insecureSkipVerify.Store(v) }

// EventCallback observes a single Gateway push event. It must not panic;
// any panic is recovered and isolated so other callbacks still run.
type EventCallback func(*gatewayproto.Event)

// Options configures a single RpcClient.
type Options struct {
	URL                  string
	Token                string
	Origin               string
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectMaxRetries  int
	ReconnectDelay       time.Duration
	ClientID             string
	ClientInstanceID     string
	ClientVersion        string
}

type pendingEntry struct {
	resCh chan *gatewayproto.Response
}

type subscriber struct {
	id int
	cb EventCallback
}

// Client owns exactly one WebSocket connection to the Gateway.
type Client struct {
	opts Options

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	pending     map[string]pendingEntry
	exact       map[string][]subscriber
	wildcard    []subscriber
	nextSubID   int
	lastPongAt  time.Time
	connectDone chan struct{}
	connectErr  error
	fatalErr    *gatewayerr.Error
	reconAttempt int
	closedByCaller bool

	closedCh chan struct{}
	sendMu   sync.Mutex
}

// New constructs an idle RpcClient. Connect must be called before Request.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		state:    StateIdle,
		pending:  map[string]pendingEntry{},
		exact:    map[string][]subscriber{},
		closedCh: make(chan struct{}),
	}
}

// IsConnected reports whether the client is in the Ready state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// LastPongAt returns the last time a pong was observed, or the zero time.
func (c *Client) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// Connect opens the WebSocket and performs the mandatory connect
// handshake. Concurrent callers share a single in-flight handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return gatewayerr.New(gatewayerr.ConnectFailed, "client is closed")
	case StateConnecting, StateHandshakePending:
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	default: // StateIdle
		c.state = StateConnecting
		c.connectDone = make(chan struct{})
		c.mu.Unlock()
	}

	err := c.doConnect(ctx)

	c.mu.Lock()
	c.connectErr = err
	if err != nil {
		c.state = StateClosed
	} else {
		c.state = StateReady
	}
	close(c.connectDone)
	c.mu.Unlock()

	if err == nil && c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	return err
}

func (c *Client) doConnect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	dialOpts := &websocket.DialOptions{}
	if c.opts.Origin != "" {
		dialOpts.HTTPHeader = http.Header{"Origin": []string{c.opts.Origin}}
	}
	if insecureSkipVerify.Load() {
		dialOpts.HTTPClient = insecureHTTPClient()
	}

	url := appendToken(c.opts.URL, c.opts.Token)
	logx.Log.Info().Str("component", "rpcclient").Str("token", secret.Mask(c.opts.Token)).Msg("dialing gateway")

	conn, resp, err := websocket.Dial(connectCtx, url, dialOpts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return gatewayerr.New(gatewayerr.Unauthorized, "gateway rejected websocket upgrade")
		}
		return gatewayerr.New(gatewayerr.ConnectFailed, "websocket dial failed: "+err.Error())
	}
	c.mu.Lock()
	c.conn = conn
	c.state = StateHandshakePending
	c.mu.Unlock()

	go c.readLoop()

	params := gatewayproto.ConnectParams{
		MinProtocol: gatewayproto.ProtocolVersion,
		MaxProtocol: gatewayproto.ProtocolVersion,
		Client: gatewayproto.ClientDescriptor{
			ID:         firstNonEmpty(c.opts.ClientID, gatewayproto.DefaultClientID),
			Version:    c.opts.ClientVersion,
			Platform:   "web",
			Mode:       "operator",
			InstanceID: c.opts.ClientInstanceID,
		},
		Role:   "operator",
		Scopes: gatewayproto.OperatorScopes,
		Auth:   gatewayproto.ConnectAuth{Token: c.opts.Token},
	}
	id := uuid.NewString()
	res, err := c.sendAndWait(connectCtx, id, gatewayproto.NewRequest(id, "connect", params), c.opts.ConnectTimeout)
	if err != nil {
		_ = c.conn.Close(websocket.StatusInternalError, "handshake failed")
		if ge, ok := gatewayerr.As(err); ok {
			return ge
		}
		return gatewayerr.New(gatewayerr.ConnectFailed, err.Error())
	}
	if !res.Succeeded() {
		_ = c.conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return classifyResponseError(res.Error, true, "connect")
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// sendAndWait registers a pending entry, writes the frame, and waits for
// the matching response, timeout, context cancellation, or client close.
func (c *Client) sendAndWait(ctx context.Context, id string, frame gatewayproto.Request, timeout time.Duration) (*gatewayproto.Response, error) {
	entry := pendingEntry{resCh: make(chan *gatewayproto.Response, 1)}
	c.mu.Lock()
	c.pending[id] = entry
	c.mu.Unlock()

	if err := c.writeFrame(ctx, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.ConnectFailed, "send failed: "+err.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-entry.resCh:
		return res, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.RPCError, fmt.Sprintf("request %q timed out after %s", frame.Method, timeout))
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closedCh:
		c.mu.Lock()
		fatal := c.fatalErr
		c.mu.Unlock()
		if fatal != nil {
			return nil, fatal
		}
		return nil, gatewayerr.New(gatewayerr.ConnectFailed, "connection closed")
	}
}

func (c *Client) writeFrame(ctx context.Context, frame gatewayproto.Request) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// Request issues a single RPC and blocks until the matching response,
// a timeout, or context cancellation.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		metrics.RPCLatency.WithLabelValues(method, "not_ready").Observe(time.Since(start).Seconds())
		return nil, gatewayerr.New(gatewayerr.ConnectFailed, "client not ready")
	}
	c.mu.Unlock()

	id := uuid.NewString()
	res, err := c.sendAndWait(ctx, id, gatewayproto.NewRequest(id, method, params), c.opts.RequestTimeout)
	if err != nil {
		metrics.RPCLatency.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	if !res.Succeeded() {
		metrics.RPCLatency.WithLabelValues(method, "rpc_error").Observe(time.Since(start).Seconds())
		return nil, classifyResponseError(res.Error, false, method)
	}
	metrics.RPCLatency.WithLabelValues(method, "ok").Observe(time.Since(start).Seconds())
	return res.Body(), nil
}

// SubscribeEvent registers cb under name ("*" matches every event) and
// returns a function that unsubscribes it.
func (c *Client) SubscribeEvent(name string, cb EventCallback) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	sub := subscriber{id: id, cb: cb}
	if name == "*" {
		c.wildcard = append(c.wildcard, sub)
	} else {
		c.exact[name] = append(c.exact[name], sub)
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if name == "*" {
			c.wildcard = removeSub(c.wildcard, id)
		} else if subs := removeSub(c.exact[name], id); len(subs) == 0 {
			delete(c.exact, name)
		} else {
			c.exact[name] = subs
		}
	}
}

func removeSub(subs []subscriber, id int) []subscriber {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Close transitions the client to Closed, closing the connection and
// rejecting any pending requests with GATEWAY_CONNECT_FAILED. Closed is
// terminal: a read-loop failure racing this call never reopens it.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closedByCaller = true
	c.mu.Unlock()
	return c.closeInternal(gatewayerr.New(gatewayerr.ConnectFailed, "client closed"))
}

func (c *Client) closeInternal(reason *gatewayerr.Error) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	if c.fatalErr == nil {
		c.fatalErr = reason
	}
	conn := c.conn
	select {
	case <-c.closedCh:
	default:
		close(c.closedCh)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleReadError(err error) {
	classified := classifyCloseError(err)
	logx.Log.Warn().Str("component", "rpcclient").Err(err).Msg("gateway connection lost")

	if classified.Code != gatewayerr.Unauthorized && c.maybeReconnect() {
		return
	}
	_ = c.closeInternal(classified)
}

func (c *Client) maybeReconnect() bool {
	c.mu.Lock()
	if c.closedByCaller || c.opts.ReconnectMaxRetries <= 0 || c.reconAttempt >= c.opts.ReconnectMaxRetries {
		c.mu.Unlock()
		return false
	}
	c.reconAttempt++
	attempt := c.reconAttempt
	c.state = StateConnecting
	c.connectDone = make(chan struct{})
	c.mu.Unlock()

	delay := time.Duration(attempt) * c.opts.ReconnectDelay
	go func() {
		time.Sleep(delay)
		err := c.doConnect(context.Background())
		c.mu.Lock()
		c.connectErr = err
		if err != nil {
			c.state = StateClosed
		} else {
			c.state = StateReady
			c.reconAttempt = 0
		}
		close(c.connectDone)
		c.mu.Unlock()
		if err != nil {
			ge, _ := gatewayerr.As(err)
			_ = c.closeInternal(ge)
		}
	}()
	return true
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closedCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				c.mu.Lock()
				c.lastPongAt = time.Now()
				c.mu.Unlock()
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env gatewayproto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Type == gatewayproto.TypeEvent {
		var e gatewayproto.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return
		}
		c.dispatchEvent(&e)
		return
	}

	// type == "res", or absent/unknown type with a known id.
	if env.ID == "" {
		return
	}
	c.mu.Lock()
	entry, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	var res gatewayproto.Response
	if err := json.Unmarshal(data, &res); err != nil {
		return
	}
	entry.resCh <- &res
}

func (c *Client) dispatchEvent(e *gatewayproto.Event) {
	name := e.EventName()
	c.mu.Lock()
	subs := append([]subscriber{}, c.exact[name]...)
	subs = append(subs, c.wildcard...)
	c.mu.Unlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logx.Log.Error().Str("component", "rpcclient").Interface("panic", r).Str("event", name).Msg("event callback panicked")
				}
			}()
			s.cb(e)
		}()
	}
}

func classifyResponseError(e *gatewayproto.ErrorShape, duringHandshake bool, method string) error {
	if e == nil {
		return gatewayerr.New(gatewayerr.RPCError, "request failed with no error body")
	}
	if gatewayerr.IsAuthCode(e.Code) {
		return gatewayerr.New(gatewayerr.Unauthorized, e.Message).WithDetails(errorDetails(e))
	}
	if !duringHandshake {
		if code, ok := e.Code.(string); ok && code == "NOT_FOUND" {
			return gatewayerr.New(gatewayerr.NotFound, e.Message).WithDetails(errorDetails(e))
		}
	}
	if duringHandshake {
		return gatewayerr.New(gatewayerr.ConnectFailed, e.Message).WithDetails(errorDetails(e))
	}
	return (&gatewayerr.Error{Code: gatewayerr.RPCError, Message: fmt.Sprintf("%s: %s", method, e.Message)}).WithDetails(errorDetails(e))
}

// errorDetails carries the Gateway's original error.data alongside the
// retryable/retryAfterMs hints, so callers don't have to re-parse the raw
// frame to find them.
func errorDetails(e *gatewayproto.ErrorShape) map[string]any {
	d := map[string]any{"data": e.Data}
	if e.Retryable {
		d["retryable"] = e.Retryable
	}
	if e.RetryAfterMs > 0 {
		d["retryAfterMs"] = e.RetryAfterMs
	}
	return d
}

func classifyCloseError(err error) *gatewayerr.Error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == 4001 || ce.Code == 4003 {
			return gatewayerr.New(gatewayerr.Unauthorized, "gateway closed connection: "+ce.Reason)
		}
	}
	return gatewayerr.New(gatewayerr.ConnectFailed, "gateway connection lost: "+err.Error())
}

func appendToken(base, token string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}
