package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status codes carried in ResponseHeader.Status.
const (
	StatusOK              = "0.DOIP/Status.001"
	StatusBadRequest      = "0.DOIP/Status.101"
	StatusUnauthenticated = "0.DOIP/Status.102"
	StatusForbidden       = "0.DOIP/Status.103"
	StatusNotFound        = "0.DOIP/Status.104"
	StatusConflict        = "0.DOIP/Status.105"
	StatusDeclined        = "0.DOIP/Status.200"
	StatusError           = "0.DOIP/Status.500"
)

// Basic operation identifiers.
const (
	OpHello          = "0.DOIP/Op.Hello"
	OpListOperations = "0.DOIP/Op.ListOperations"
	OpCreate         = "0.DOIP/Op.Create"
	OpRetrieve       = "0.DOIP/Op.Retrieve"
	OpUpdate         = "0.DOIP/Op.Update"
	OpDelete         = "0.DOIP/Op.Delete"
	OpSearch         = "0.DOIP/Op.Search"
)

// MessageAttribute is the attribute used to carry human readable error text.
const MessageAttribute = "message"

// Attributes is a JSON object of operation attributes. Values are kept as raw
// JSON so they round-trip unchanged.
type Attributes map[string]json.RawMessage

// Set marshals v and stores it under key.
func (a Attributes) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", key, err)
	}
	a[key] = b
	return nil
}

// String returns the attribute as a string. Non-string JSON values are
// returned in their serialized form; missing keys yield "".
func (a Attributes) String(key string) string {
	raw, ok := a[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Bool returns the attribute as a boolean, accepting true/false and "true"/"false".
func (a Attributes) Bool(key string) bool {
	raw, ok := a[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return a.String(key) == "true"
}

// RequestHeader is the first segment of every request.
type RequestHeader struct {
	ClientID       string          `json:"clientId,omitempty"`
	TargetID       string          `json:"targetId,omitempty"`
	OperationID    string          `json:"operationId,omitempty"`
	Attributes     Attributes      `json:"attributes,omitempty"`
	Authentication json.RawMessage `json:"authentication,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
}

// HasCompactInput reports whether the request carries its input inline.
func (h *RequestHeader) HasCompactInput() bool {
	return isPresent(h.Input)
}

// ResponseHeader is the first segment of every response.
type ResponseHeader struct {
	Status     string          `json:"status,omitempty"`
	Attributes Attributes      `json:"attributes,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
}

// HasCompactOutput reports whether the response carries its output inline.
func (h *ResponseHeader) HasCompactOutput() bool {
	return isPresent(h.Output)
}

// DecodeRequestHeader parses the first segment of a request. Unknown
// properties are rejected.
func DecodeRequestHeader(data []byte) (RequestHeader, error) {
	var h RequestHeader
	if err := decodeObject(data, &h); err != nil {
		return RequestHeader{}, &ProtocolError{Msg: "invalid request header", Err: err}
	}
	return h, nil
}

// DecodeResponseHeader parses the first segment of a response.
func DecodeResponseHeader(data []byte) (ResponseHeader, error) {
	var h ResponseHeader
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ResponseHeader{}, protocolErrorf("response header must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return ResponseHeader{}, &ProtocolError{Msg: "invalid response header", Err: err}
	}
	return h, nil
}

func decodeObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("initial segment must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
