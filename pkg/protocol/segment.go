package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Message is a forward-only sequence of segments. Next returns io.EOF once the
// terminal empty segment has been consumed. A segment returned by Next is only
// valid until the following call to Next or Close.
type Message interface {
	Next() (*Segment, error)
	Close() error
}

// Segment is one framed unit of a message: JSON text or an opaque byte stream.
type Segment struct {
	json bool
	r    io.Reader
}

// NewJSONSegment returns a JSON segment over already serialized JSON.
func NewJSONSegment(raw []byte) *Segment {
	return &Segment{json: true, r: bytes.NewReader(raw)}
}

// NewJSONValueSegment marshals v into a JSON segment.
func NewJSONValueSegment(v any) (*Segment, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json segment: %w", err)
	}
	return NewJSONSegment(b), nil
}

// NewBytesSegment returns a bytes segment streaming from r.
func NewBytesSegment(r io.Reader) *Segment {
	return &Segment{r: r}
}

// IsJSON reports whether this is a JSON segment.
func (s *Segment) IsJSON() bool { return s.json }

// Reader returns the segment content. For JSON segments this is the
// serialized JSON text.
func (s *Segment) Reader() io.Reader { return s.r }

// ReadJSON reads the whole content of a JSON segment.
func (s *Segment) ReadJSON() (json.RawMessage, error) {
	if !s.json {
		return nil, ErrNotJSON
	}
	b, err := io.ReadAll(s.r)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Decode reads a JSON segment and unmarshals it into v.
func (s *Segment) Decode(v any) error {
	raw, err := s.ReadJSON()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json segment: %w", err)
	}
	return nil
}

// ReadBytes reads the remaining content of the segment, JSON or bytes.
func (s *Segment) ReadBytes() ([]byte, error) {
	return io.ReadAll(s.r)
}

func (s *Segment) drain() error {
	_, err := io.Copy(io.Discard, s.r)
	return err
}

type segmentMessage struct {
	segments []*Segment
	next     int
	closed   bool
}

// NewSegmentMessage returns a Message yielding the given segments in order.
func NewSegmentMessage(segments ...*Segment) Message {
	return &segmentMessage{segments: segments}
}

// NewJSONMessage returns a Message holding a single JSON segment. It is the
// form in which compact input and output are presented to readers.
func NewJSONMessage(raw json.RawMessage) Message {
	return NewSegmentMessage(NewJSONSegment(raw))
}

func (m *segmentMessage) Next() (*Segment, error) {
	if m.closed || m.next >= len(m.segments) {
		return nil, io.EOF
	}
	seg := m.segments[m.next]
	m.next++
	return seg, nil
}

func (m *segmentMessage) Close() error {
	m.closed = true
	return nil
}

// EmptyMessage returns a Message with no segments.
func EmptyMessage() Message {
	return &segmentMessage{}
}
