package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformedMessage is returned for messages that are not valid MCP JSON-RPC.
var ErrMalformedMessage = errors.New("malformed message")

// JSON-RPC error codes used for session and transport failures. The protocol
// errors use the standard codes from mcp-go.
const (
	CodeUnauthorized    = -32001
	CodeSessionNotFound = -32002
	CodeUpstreamTimeout = -32003
)

// MessageKind classifies a JSON-RPC message.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindNotification
	KindResponse
)

// recognizedMethods are the requests a client may send to an MCP server.
var recognizedMethods = map[string]bool{
	string(mcp.MethodInitialize):             true,
	string(mcp.MethodPing):                   true,
	string(mcp.MethodToolsList):              true,
	string(mcp.MethodToolsCall):              true,
	string(mcp.MethodResourcesList):          true,
	string(mcp.MethodResourcesTemplatesList): true,
	string(mcp.MethodResourcesRead):          true,
	string(mcp.MethodPromptsList):            true,
	string(mcp.MethodPromptsGet):             true,
	string(mcp.MethodSetLogLevel):            true,
	"completion/complete":                    true,
}

const notificationPrefix = "notifications/"

// Message is a validated JSON-RPC message.
type Message struct {
	Raw    json.RawMessage
	ID     json.RawMessage // nil for notifications
	Method string
	Kind   MessageKind
}

// HasReply reports whether the connector is expected to answer the message.
func (m Message) HasReply() bool {
	return m.Kind == KindRequest
}

// MessageError describes why a message was rejected. It matches
// ErrMalformedMessage with errors.Is.
type MessageError struct {
	Code   int
	Reason string
	ID     json.RawMessage
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedMessage, e.Reason)
}

func (e *MessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// ParseMessage validates raw as an MCP JSON-RPC message.
func ParseMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, &MessageError{Code: mcp.PARSE_ERROR, Reason: "invalid JSON"}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Message{}, &MessageError{Code: mcp.INVALID_REQUEST, Reason: "message must be a JSON object"}
	}

	var id json.RawMessage
	if v := doc.Get("id"); v.Exists() {
		if v.Type != gjson.String && v.Type != gjson.Number {
			return Message{}, &MessageError{Code: mcp.INVALID_REQUEST, Reason: "id must be a string or a number"}
		}
		id = json.RawMessage(v.Raw)
	}
	if doc.Get("jsonrpc").String() != mcp.JSONRPC_VERSION {
		return Message{}, &MessageError{Code: mcp.INVALID_REQUEST, Reason: `jsonrpc must be "2.0"`, ID: id}
	}

	msg := Message{Raw: json.RawMessage(raw), ID: id}
	method := doc.Get("method")
	switch {
	case method.Exists() && id != nil:
		msg.Kind = KindRequest
		msg.Method = method.String()
		if !recognizedMethods[msg.Method] {
			return Message{}, &MessageError{Code: mcp.METHOD_NOT_FOUND, Reason: fmt.Sprintf("method %q not found", msg.Method), ID: id}
		}
	case method.Exists():
		msg.Kind = KindNotification
		msg.Method = method.String()
		if !strings.HasPrefix(msg.Method, notificationPrefix) {
			return Message{}, &MessageError{Code: mcp.INVALID_REQUEST, Reason: fmt.Sprintf("request %q has no id", msg.Method)}
		}
	case id != nil && (doc.Get("result").Exists() || doc.Get("error").Exists()):
		msg.Kind = KindResponse
	default:
		return Message{}, &MessageError{Code: mcp.INVALID_REQUEST, Reason: "message has neither method nor result", ID: id}
	}
	return msg, nil
}

// errorObject is a JSON-RPC error response. The id is kept verbatim.
type errorObject struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   errorDetails    `json:"error"`
}

type errorDetails struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorReply builds a JSON-RPC error response. A nil id is encoded as null.
func ErrorReply(id json.RawMessage, code int, message string) json.RawMessage {
	if id == nil {
		id = json.RawMessage("null")
	}
	out, err := json.Marshal(errorObject{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   errorDetails{Code: code, Message: message},
	})
	if err != nil {
		// Only reachable with an invalid raw id.
		out, _ = json.Marshal(errorObject{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      json.RawMessage("null"),
			Error:   errorDetails{Code: code, Message: message},
		})
	}
	return out
}

// withID returns reply with its id replaced by id.
func withID(reply, id json.RawMessage) (json.RawMessage, error) {
	if !gjson.ValidBytes(reply) || !gjson.ParseBytes(reply).IsObject() {
		return nil, errors.New("connector reply is not a JSON object")
	}
	out, err := sjson.SetRawBytes(reply, "id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to set reply id: %w", err)
	}
	return out, nil
}
