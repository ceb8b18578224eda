// Package gatewayproto defines the wire format spoken over the bespoke
// RPC protocol the Gateway exposes on its WebSocket endpoint.
package gatewayproto

import "encoding/json"

// ProtocolVersion is the fixed min/max protocol version negotiated during
// the connect handshake. Downgrading requires changing this constant.
const ProtocolVersion = 3

// Frame type discriminants.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// DefaultClientID is the one known-good Gateway-accepted client descriptor
// id. Additional accepted values may exist.
const DefaultClientID = "openclaw-control-ui"

// OperatorScopes is the fixed scope list sent with every connect handshake.
var OperatorScopes = []string{"operator:read", "operator:admin", "operator:approvals", "operator:pairing"}

// Request is the frame shape sent from the bridge to the Gateway.
type Request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// NewRequest builds a request frame for method with the given params.
func NewRequest(id, method string, params any) Request {
	return Request{Type: TypeRequest, ID: id, Method: method, Params: params}
}

// ClientDescriptor identifies the bridge to the Gateway during handshake.
type ClientDescriptor struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// ConnectAuth carries the bearer token in the connect handshake params.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectParams is the params object of the mandatory first request on
// every freshly opened WebSocket.
type ConnectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      ClientDescriptor `json:"client"`
	Role        string           `json:"role"`
	Scopes      []string         `json:"scopes"`
	Auth        ConnectAuth      `json:"auth"`
}

// ErrorShape describes a protocol-level error carried in a response.
// Retryable/RetryAfterMs mirror the reference Gateway wire format and are
// preserved untouched for callers that care, even though no component
// here assigns behavior to them.
type ErrorShape struct {
	Code         any    `json:"code"`
	Message      string `json:"message"`
	Data         any    `json:"data,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// Response is the frame shape returned by the Gateway for a Request.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// Succeeded reports success: error == nil AND ok != false.
func (r *Response) Succeeded() bool {
	if r.Error != nil {
		return false
	}
	if r.OK != nil && !*r.OK {
		return false
	}
	return true
}

// Body returns result if present, else payload.
func (r *Response) Body() json.RawMessage {
	if len(r.Result) > 0 {
		return r.Result
	}
	return r.Payload
}

// StateVersion tracks the optimistic state-sync counters the reference
// Gateway wire format attaches to some event frames. No component assigns
// behavior to it; it is decoded and exposed for forward compatibility.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// Event is a Gateway-initiated push frame. Older/alias field names
// name/data must be accepted when event/payload are absent.
type Event struct {
	Type         string          `json:"type"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Name         string          `json:"name,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	StateVersion *StateVersion   `json:"stateVersion,omitempty"`
}

// EventName resolves the effective event name, honoring the name alias.
func (e *Event) EventName() string {
	if e.Event != "" {
		return e.Event
	}
	return e.Name
}

// EventPayload resolves the effective payload, honoring the data alias.
func (e *Event) EventPayload() json.RawMessage {
	if len(e.Payload) > 0 {
		return e.Payload
	}
	return e.Data
}

// Envelope is used to sniff the frame type before full decoding, and to
// recover a response id from a frame with an absent/unknown type field:
// such frames are treated as responses.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
