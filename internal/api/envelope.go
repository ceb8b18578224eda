package api

import (
	"encoding/json"
	"net/http"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayerr"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/logx"
)

// envelope is the `{ ok, data?, error? }` wire shape every JSON response
// on this surface uses.
type envelope struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

// writeError classifies err into an HTTP status using gatewayerr.As
// exactly once, at this boundary.
func writeError(w http.ResponseWriter, err error) {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.New(gatewayerr.Internal, err.Error())
	}
	writeJSON(w, ge.HTTPStatus(), envelope{OK: false, Error: &errorEnvelope{
		Code:    string(ge.Code),
		Message: ge.Message,
		Details: ge.Details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Str("component", "api").Err(err).Msg("write json response")
	}
}
