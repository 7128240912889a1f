// Package jsonrpc models the JSON-RPC 2.0 frames exchanged between an
// MCP client and its backend, plus the policy error codes layered on
// top of the standard ones.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
)

// Policy error codes, in the implementation-defined range.
const (
	CodeUnauthenticated          = -32001
	CodeRateLimited              = -32002
	CodeDeniedByPolicy           = -32003
	CodeNotAllowed               = -32004
	CodePromptInjectionSuspected = -32005
	CodeUpstreamUnavailable      = -32010
)

// MessageType classifies a frame.
type MessageType int

const (
	TypeInvalid MessageType = iota
	TypeRequest
	TypeNotification
	TypeResponse
)

// ErrorObj is a JSON-RPC error member.
type ErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is a single JSON-RPC frame. The ID is kept raw so string and
// numeric ids echo back byte for byte.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObj       `json:"error,omitempty"`
}

// Type classifies the frame. A frame with a method and an id is a
// request; a method without an id is a notification; a result or error
// with an id is a response.
func (m *Message) Type() MessageType {
	if m.JSONRPC != "2.0" {
		return TypeInvalid
	}
	hasID := len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
	switch {
	case m.Method != "" && hasID:
		return TypeRequest
	case m.Method != "":
		return TypeNotification
	case hasID && (m.Result != nil || m.Error != nil):
		return TypeResponse
	default:
		return TypeInvalid
	}
}

// IDKey returns the raw id as a map key, empty if absent.
func (m *Message) IDKey() string { return string(m.ID) }

// Parse decodes one frame.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("jsonrpc: parse: %w", err)
	}
	return &m, nil
}

// Encode serializes a frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encode: %w", err)
	}
	return data, nil
}

// NewErrorResponse builds an error response echoing the given raw id.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Message {
	e := &ErrorObj{Code: code, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			e.Data = raw
		}
	}
	return &Message{JSONRPC: "2.0", ID: id, Error: e}
}

type callParams struct {
	Name      string         `json:"name"`
	URI       string         `json:"uri"`
	Arguments map[string]any `json:"arguments"`
}

func (m *Message) callParams() callParams {
	var p callParams
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &p)
	}
	return p
}

// ToolName extracts the tool being invoked. For tools/call it is
// params.name; any other method is treated as the tool itself.
func (m *Message) ToolName() string {
	if m.Method == "tools/call" {
		if name := m.callParams().Name; name != "" {
			return name
		}
	}
	return m.Method
}

// ResourceURIs extracts resource URIs referenced by the call.
func (m *Message) ResourceURIs() []string {
	p := m.callParams()
	var uris []string
	if p.URI != "" {
		uris = append(uris, p.URI)
	}
	for _, v := range p.Arguments {
		if s, ok := v.(string); ok && isResourceURI(s) {
			uris = append(uris, s)
		}
	}
	return uris
}

func isResourceURI(s string) bool {
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == ':':
			return i > 0 && len(s) > i+2 && s[i+1] == '/' && s[i+2] == '/'
		case (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z'):
		case i > 0 && (s[i] == '+' || s[i] == '-' || s[i] == '.' || (s[i] >= '0' && s[i] <= '9')):
		default:
			return false
		}
	}
	return false
}

// PromptText gathers the string argument values of the call, the text
// the content scanner sees.
func (m *Message) PromptText() string {
	p := m.callParams()
	if len(p.Arguments) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for _, k := range sortedKeys(p.Arguments) {
		if s, ok := p.Arguments[k].(string); ok {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(s)
		}
	}
	return buf.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
