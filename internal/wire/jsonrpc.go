package wire

import "encoding/json"

// RPCMessage is a loosely parsed JSON-RPC 2.0 frame. A request carries
// Method and an ID, a notification carries Method without an ID, and a
// response carries an ID with Result or Error. Params/Result stay raw so
// callers decode only the methods they understand.
type RPCMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseRPC decodes one wire line. A line that is not JSON returns ok=false;
// extraction treats such lines as absence of information.
func ParseRPC(line []byte) (*RPCMessage, bool) {
	var msg RPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, false
	}
	return &msg, true
}

// IsResponse reports whether the frame is a response (ID, no method).
func (m *RPCMessage) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IDUint64 parses the frame ID as an unsigned integer. Returns ok=false
// for absent, string, or fractional IDs.
func (m *RPCMessage) IDUint64() (uint64, bool) {
	if m.ID == nil {
		return 0, false
	}
	var id uint64
	if err := json.Unmarshal(*m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// ClientMessage is one line read from an observer TCP client. The Type
// discriminant selects which optional fields apply:
//
//	request_snapshot: SessionID
//	set_stream_filter: SessionID, SessionMode
//	rpc: ID, Method, Params
type ClientMessage struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	SessionMode SessionMode     `json:"session_mode,omitempty"`
	ID          json.RawMessage `json:"id,omitempty"`
	Method      string          `json:"method,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the single-line reply to a client rpc message.
type RPCResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}
