package gatewayproto

import "encoding/json"

// This file isolates the translation of raw Gateway event frames into the
// stable schemas StreamingSend and EventForwarder rely on. The Gateway's
// push schema is reverse-engineered and may drift; keeping the rules
// here makes them a single easily-replaceable unit.

type agentPayload struct {
	SessionKey string `json:"sessionKey"`
	Stream     string `json:"stream"`
	Data       struct {
		Delta string `json:"delta"`
		Phase string `json:"phase"`
	} `json:"data"`
}

type chatPayload struct {
	SessionKey string          `json:"sessionKey"`
	State      string          `json:"state"`
	Message    json.RawMessage `json:"message"`
}

// Chunk describes an assistant delta extracted from an "agent" event.
type Chunk struct {
	SessionKey string
	Text       string
}

// LifecyclePhase describes an "agent" lifecycle event (start/end of a run).
type LifecyclePhase struct {
	SessionKey string
	Phase      string // "start" or "end"
	RunID      string
}

// Final describes a "chat" final event.
type Final struct {
	SessionKey string
	Message    json.RawMessage
}

// ParseAgentChunk reports whether the event is an assistant delta and, if
// so, returns it: event=="agent", payload.stream=="assistant",
// payload.data.delta present.
func ParseAgentChunk(e *Event) (Chunk, bool) {
	if e.EventName() != "agent" {
		return Chunk{}, false
	}
	var p agentPayload
	if err := json.Unmarshal(e.EventPayload(), &p); err != nil {
		return Chunk{}, false
	}
	if p.Stream != "assistant" || p.Data.Delta == "" {
		return Chunk{}, false
	}
	return Chunk{SessionKey: p.SessionKey, Text: p.Data.Delta}, true
}

// ParseLifecycle reports whether the event is an "agent" lifecycle frame
// (stream=="lifecycle", phase start/end).
func ParseLifecycle(e *Event) (LifecyclePhase, bool) {
	if e.EventName() != "agent" {
		return LifecyclePhase{}, false
	}
	var p struct {
		SessionKey string `json:"sessionKey"`
		Stream     string `json:"stream"`
		Data       struct {
			Phase string `json:"phase"`
			RunID string `json:"runId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(e.EventPayload(), &p); err != nil {
		return LifecyclePhase{}, false
	}
	if p.Stream != "lifecycle" || (p.Data.Phase != "start" && p.Data.Phase != "end") {
		return LifecyclePhase{}, false
	}
	return LifecyclePhase{SessionKey: p.SessionKey, Phase: p.Data.Phase, RunID: p.Data.RunID}, true
}

// ParseChatFinal reports whether the event is a "chat" final frame.
func ParseChatFinal(e *Event) (Final, bool) {
	if e.EventName() != "chat" {
		return Final{}, false
	}
	var p chatPayload
	if err := json.Unmarshal(e.EventPayload(), &p); err != nil {
		return Final{}, false
	}
	if p.State != "final" {
		return Final{}, false
	}
	msg := p.Message
	if len(msg) == 0 {
		msg = e.EventPayload()
	}
	return Final{SessionKey: p.SessionKey, Message: msg}, true
}
