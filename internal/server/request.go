package server

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/skshohagmiah/doip/pkg/protocol"
)

// Request is an incoming request. Its input is read lazily from the
// connection and must be consumed before the next request can be read; the
// server drains whatever the processor leaves behind.
type Request struct {
	Header protocol.RequestHeader

	remoteAddr string
	input      protocol.Message
}

func (r *Request) ClientID() string    { return r.Header.ClientID }
func (r *Request) TargetID() string    { return r.Header.TargetID }
func (r *Request) OperationID() string { return r.Header.OperationID }
func (r *Request) RequestID() string   { return r.Header.RequestID }

// RemoteAddr returns the address of the client connection.
func (r *Request) RemoteAddr() string { return r.remoteAddr }

// Attributes returns the request attributes; never nil.
func (r *Request) Attributes() protocol.Attributes {
	if r.Header.Attributes == nil {
		r.Header.Attributes = protocol.Attributes{}
	}
	return r.Header.Attributes
}

// Attribute returns the raw JSON of one attribute, or nil.
func (r *Request) Attribute(key string) json.RawMessage {
	return r.Header.Attributes[key]
}

func (r *Request) AttributeString(key string) string {
	return r.Header.Attributes.String(key)
}

// Authentication returns the raw authentication property, if any.
func (r *Request) Authentication() json.RawMessage { return r.Header.Authentication }

// Input returns the request input: the compact input as a single JSON
// segment, or the segments following the header.
func (r *Request) Input() protocol.Message { return r.input }

// readRequest parses the header of the next message on msg. Header
// problems are reported as protocol errors so the client gets a bad request
// response.
func readRequest(msg *protocol.Reader, remoteAddr string) (*Request, error) {
	seg, err := msg.Next()
	if errors.Is(err, io.EOF) {
		return nil, &protocol.ProtocolError{Msg: "no initial segment in request"}
	}
	if err != nil {
		return nil, err
	}
	if !seg.IsJSON() {
		return nil, &protocol.ProtocolError{Msg: "request initial segment must be JSON"}
	}
	raw, err := seg.ReadJSON()
	if err != nil {
		return nil, err
	}
	header, err := protocol.DecodeRequestHeader(raw)
	if err != nil {
		return nil, err
	}

	req := &Request{Header: header, remoteAddr: remoteAddr, input: msg}
	if header.HasCompactInput() {
		_, err := msg.Next()
		switch {
		case errors.Is(err, io.EOF):
		case err != nil:
			return req, err
		default:
			return req, &protocol.ProtocolError{Msg: "extra segments after initial JSON with compact input"}
		}
		req.input = protocol.NewJSONMessage(header.Input)
	}
	return req, nil
}
