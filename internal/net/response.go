package net

import (
	"encoding/json"
	"sync"

	"github.com/skshohagmiah/doip/pkg/protocol"
)

// Response is a received response header plus its lazily read body. The
// body must be consumed or the Response closed before the connection can
// deliver another response.
type Response struct {
	Header protocol.ResponseHeader

	body *protocol.Reader

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func newResponse(header protocol.ResponseHeader, body *protocol.Reader) *Response {
	return &Response{Header: header, body: body}
}

func (r *Response) Status() string { return r.Header.Status }

func (r *Response) Attributes() protocol.Attributes { return r.Header.Attributes }

// Attribute returns the raw JSON of one response attribute, or nil.
func (r *Response) Attribute(key string) json.RawMessage {
	if r.Header.Attributes == nil {
		return nil
	}
	return r.Header.Attributes[key]
}

// AttributeString returns a string attribute, or "" when it is missing or
// not a string.
func (r *Response) AttributeString(key string) string {
	return r.Header.Attributes.String(key)
}

// Body returns the segments that followed the response header.
func (r *Response) Body() protocol.Message { return r.body }

// Output returns the compact output as a one segment message when the
// header carries one, otherwise the body.
func (r *Response) Output() protocol.Message {
	if r.Header.HasCompactOutput() {
		return protocol.NewJSONMessage(r.Header.Output)
	}
	return r.body
}

// OnClose registers fn to run once when the Response is closed. Hooks run
// in registration order; a hook registered after Close runs immediately.
func (r *Response) OnClose(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		fn()
		return
	}
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// Close drains the rest of the body and runs the close hooks. Only the first
// call has an effect.
func (r *Response) Close() error {
	err := r.body.Close()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return err
	}
	r.closed = true
	hooks := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return err
}
