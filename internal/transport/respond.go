package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// maxBodyBytes caps inbound message bodies.
const maxBodyBytes = 4 << 20

// envelope is the wrapped message form of the POST endpoints.
type envelope struct {
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// readMessage reads a request body that is either an envelope or a bare
// JSON-RPC message. wrapped reports which form was used.
func readMessage(r *http.Request) (sessionID string, msg json.RawMessage, wrapped bool, err error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return "", nil, false, err
	}
	if len(body) > maxBodyBytes {
		return "", nil, false, errors.New("request body too large")
	}
	if !gjson.ValidBytes(body) {
		return "", body, false, nil
	}

	doc := gjson.ParseBytes(body)
	if doc.IsObject() && doc.Get("message").Exists() && !doc.Get("jsonrpc").Exists() {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return "", nil, true, err
		}
		return env.SessionID, env.Message, true, nil
	}
	return "", body, false, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func writeJSONRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeRaw(w, status, ErrorReply(id, code, message))
}
