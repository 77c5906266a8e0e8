package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skshohagmiah/doip/pkg/protocol"
)

var (
	// ErrCommitted is returned when the response header can no longer change.
	ErrCommitted = errors.New("doip: response already committed")

	// ErrCompactOutput is returned when output is requested after compact output was written.
	ErrCompactOutput = errors.New("doip: response already has compact output")
)

// Response is the response to one request. Status and attributes may be set
// until the header is committed, which happens on WriteCompactOutput, the
// first call to Output, or Commit. The status defaults to OK.
type Response struct {
	header    protocol.ResponseHeader
	w         *protocol.Writer
	committed bool
	compact   bool
}

func newResponse(requestID string, w *protocol.Writer) *Response {
	return &Response{
		header: protocol.ResponseHeader{Status: protocol.StatusOK, RequestID: requestID},
		w:      w,
	}
}

func (r *Response) Status() string { return r.header.Status }

func (r *Response) SetStatus(status string) { r.header.Status = status }

// SetAttribute marshals v into the response attributes.
func (r *Response) SetAttribute(key string, v any) error {
	if r.header.Attributes == nil {
		r.header.Attributes = protocol.Attributes{}
	}
	return r.header.Attributes.Set(key, v)
}

// SetAttributes replaces the response attributes.
func (r *Response) SetAttributes(attrs protocol.Attributes) { r.header.Attributes = attrs }

// Attributes returns the current response attributes, possibly nil.
func (r *Response) Attributes() protocol.Attributes { return r.header.Attributes }

// SetError sets status and a human readable message attribute.
func (r *Response) SetError(status, message string) {
	r.header.Status = status
	r.SetAttribute(protocol.MessageAttribute, message)
}

// Committed reports whether the header has been written.
func (r *Response) Committed() bool { return r.committed }

// WriteCompactOutput commits the header with v as its "output" property.
// No further output may be written.
func (r *Response) WriteCompactOutput(v any) error {
	if r.compact {
		return ErrCompactOutput
	}
	if r.committed {
		return ErrCommitted
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal compact output: %w", err)
	}
	r.header.Output = b
	r.compact = true
	return r.commit()
}

// Output commits the header and returns the writer for the output segments.
func (r *Response) Output() (*protocol.Writer, error) {
	if r.compact {
		return nil, ErrCompactOutput
	}
	if err := r.Commit(); err != nil {
		return nil, err
	}
	return r.w, nil
}

// Commit writes the header if it has not been written yet.
func (r *Response) Commit() error {
	if r.committed {
		return nil
	}
	return r.commit()
}

func (r *Response) commit() error {
	r.committed = true
	return r.w.WriteJSON(r.header)
}
