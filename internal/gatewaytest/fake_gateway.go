// Package gatewaytest provides an in-process fake Gateway WebSocket server
// speaking the real wire frames, used by the RpcClient, ConnectionPool,
// StreamingSend and EventForwarder test suites instead of mocking the
// socket, exercising real network listeners end to end.
package gatewaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayproto"
)

// Behavior lets a test script how the fake Gateway responds.
type Behavior struct {
	// RejectConnectUpgrade, if non-zero, fails the WS upgrade with this
	// HTTP status before any frame is exchanged.
	RejectConnectUpgrade int
	// RejectHandshakeCode, if set, makes the connect response an error
	// with this code (e.g. "UNAUTHORIZED").
	RejectHandshakeCode string
	// Handler is invoked for every non-connect request frame; it returns
	// the result body (or nil) and an optional error code/message.
	Handler func(method string, params json.RawMessage) (result any, errCode, errMsg string)
}

// Server is a fake Gateway accepting any number of concurrent WebSocket
// connections, tracking how many connect handshakes it has accepted.
type Server struct {
	httpSrv *httptest.Server
	mu      sync.Mutex
	conns   []*websocket.Conn
	connect int
	behav   Behavior
}

// New starts a fake Gateway listening on a local port.
func New(behav Behavior) *Server {
	s := &Server{behav: behav}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// URL of the fake Gateway.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http")
}

// ConnectCount returns how many successful connect handshakes occurred.
func (s *Server) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect
}

// Close shuts down the fake Gateway and all of its connections.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*websocket.Conn{}, s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusNormalClosure, "test server closing")
	}
	s.httpSrv.Close()
}

// Push sends a raw event frame to every currently connected client.
func (s *Server) Push(ctx context.Context, e gatewayproto.Event) {
	e.Type = gatewayproto.TypeEvent
	b, _ := json.Marshal(e)
	s.mu.Lock()
	conns := append([]*websocket.Conn{}, s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Write(ctx, websocket.MessageText, b)
	}
}

// DropAll forcibly closes all current connections, simulating a Gateway
// crash or network partition.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusAbnormalClosure, "dropped")
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.behav.RejectConnectUpgrade != 0 {
		w.WriteHeader(s.behav.RejectConnectUpgrade)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var req gatewayproto.Request
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		if req.Method == "connect" {
			s.replyConnect(ctx, c, req)
			continue
		}
		s.replyRequest(ctx, c, req)
	}
}

func (s *Server) replyConnect(ctx context.Context, c *websocket.Conn, req gatewayproto.Request) {
	if s.behav.RejectHandshakeCode != "" {
		res := gatewayproto.Response{Type: gatewayproto.TypeResponse, ID: req.ID, Error: &gatewayproto.ErrorShape{Code: s.behav.RejectHandshakeCode, Message: "rejected"}}
		b, _ := json.Marshal(res)
		_ = c.Write(ctx, websocket.MessageText, b)
		return
	}
	s.mu.Lock()
	s.connect++
	s.mu.Unlock()
	ok := true
	res := gatewayproto.Response{Type: gatewayproto.TypeResponse, ID: req.ID, OK: &ok}
	b, _ := json.Marshal(res)
	_ = c.Write(ctx, websocket.MessageText, b)
}

func (s *Server) replyRequest(ctx context.Context, c *websocket.Conn, req gatewayproto.Request) {
	if s.behav.Handler == nil {
		ok := true
		res := gatewayproto.Response{Type: gatewayproto.TypeResponse, ID: req.ID, OK: &ok}
		b, _ := json.Marshal(res)
		_ = c.Write(ctx, websocket.MessageText, b)
		return
	}
	paramsRaw, _ := json.Marshal(req.Params)
	result, errCode, errMsg := s.behav.Handler(req.Method, paramsRaw)
	var res gatewayproto.Response
	if errCode != "" {
		res = gatewayproto.Response{Type: gatewayproto.TypeResponse, ID: req.ID, Error: &gatewayproto.ErrorShape{Code: errCode, Message: errMsg}}
	} else {
		body, _ := json.Marshal(result)
		ok := true
		res = gatewayproto.Response{Type: gatewayproto.TypeResponse, ID: req.ID, Result: body, OK: &ok}
	}
	b, _ := json.Marshal(res)
	_ = c.Write(ctx, websocket.MessageText, b)
}
