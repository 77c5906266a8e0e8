package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ChunkSize is the read size used when streaming a bytes segment from a source.
const ChunkSize = 8192

var (
	segmentTerminator = []byte("\n#\n")
	emptySegment      = []byte("#\n")
	jsonSeparator     = []byte("\n#")
)

// Writer serializes one outgoing message. If the destination has a
// Flush() error method it is flushed after every complete segment.
//
// Writer is not safe for concurrent use; callers serialize access, as the
// connection does with its write lock.
type Writer struct {
	w      io.Writer
	closed bool
	open   io.Closer
	err    error
}

// NewWriter returns a Writer emitting onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteJSON marshals v and writes it as a JSON segment.
func (w *Writer) WriteJSON(v any) error {
	if err := w.check(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json segment: %w", err)
	}
	return w.writeJSON(b)
}

// WriteRawJSON writes already serialized JSON as a segment. The text must be
// valid JSON; valid JSON never contains the "\n#" terminator sequence.
func (w *Writer) WriteRawJSON(b []byte) error {
	if err := w.check(); err != nil {
		return err
	}
	if !json.Valid(b) {
		return errors.New("doip: invalid JSON segment")
	}
	if bytes.Contains(b, jsonSeparator) {
		return errors.New("doip: JSON segment contains segment terminator")
	}
	return w.writeJSON(b)
}

func (w *Writer) writeJSON(b []byte) error {
	if err := w.write(b); err != nil {
		return err
	}
	if err := w.write(segmentTerminator); err != nil {
		return err
	}
	return w.flush()
}

// WriteBytes writes a bytes segment, streaming src in reads of up to
// ChunkSize bytes, one chunk per non-empty read.
func (w *Writer) WriteBytes(src io.Reader) error {
	if err := w.check(); err != nil {
		return err
	}
	if err := w.write([]byte{'@'}); err != nil {
		return err
	}
	buf := make([]byte, ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := w.writeChunk(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read bytes segment source: %w", err)
		}
	}
	if err := w.write(segmentTerminator); err != nil {
		return err
	}
	return w.flush()
}

// JSONWriter opens a scoped writer for one JSON segment. The segment ends
// when the returned writer is closed. Only one scoped writer may be open.
func (w *Writer) JSONWriter() (io.WriteCloser, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	jw := &jsonSegmentWriter{w: w}
	w.open = jw
	return jw, nil
}

// BytesWriter opens a scoped writer for one bytes segment. Writes are
// buffered up to ChunkSize and emitted as chunks. Only one scoped writer may
// be open.
func (w *Writer) BytesWriter() (io.WriteCloser, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	if err := w.write([]byte{'@'}); err != nil {
		return nil, err
	}
	bw := &bytesSegmentWriter{w: w}
	bw.buf = bufio.NewWriterSize(chunkWriterFunc(w.writeChunk), ChunkSize)
	w.open = bw
	return bw, nil
}

// WriteSegment copies seg onto the message.
func (w *Writer) WriteSegment(seg *Segment) error {
	if seg.IsJSON() {
		raw, err := seg.ReadJSON()
		if err != nil {
			return err
		}
		return w.WriteRawJSON(raw)
	}
	return w.WriteBytes(seg.Reader())
}

// CopyMessage copies every remaining segment of m onto the message.
func (w *Writer) CopyMessage(m Message) error {
	for {
		seg, err := m.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.WriteSegment(seg); err != nil {
			return err
		}
	}
}

// CloseSegment closes the open scoped segment writer, if any.
func (w *Writer) CloseSegment() error {
	if w.open == nil {
		return nil
	}
	return w.open.Close()
}

// Close ends the message with the empty segment. Only the first call has an
// effect.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.CloseSegment(); err != nil {
		return err
	}
	w.closed = true
	if err := w.write(emptySegment); err != nil {
		return err
	}
	return w.flush()
}

// Closed reports whether Close has completed.
func (w *Writer) Closed() bool { return w.closed }

func (w *Writer) check() error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.open != nil {
		return ErrSegmentOpen
	}
	return w.err
}

func (w *Writer) write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(p); err != nil {
		w.err = &ConnectionError{Op: "write", Err: err}
		return w.err
	}
	return nil
}

func (w *Writer) flush() error {
	f, ok := w.w.(interface{ Flush() error })
	if !ok {
		return nil
	}
	if err := f.Flush(); err != nil {
		w.err = &ConnectionError{Op: "flush", Err: err}
		return w.err
	}
	return nil
}

func (w *Writer) writeChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	header := make([]byte, 0, 16)
	header = append(header, '\n')
	header = strconv.AppendInt(header, int64(len(p)), 10)
	header = append(header, '\n')
	if err := w.write(header); err != nil {
		return err
	}
	return w.write(p)
}

type chunkWriterFunc func(p []byte) error

func (f chunkWriterFunc) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + ChunkSize
		if end > len(p) {
			end = len(p)
		}
		if err := f(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

type jsonSegmentWriter struct {
	w           *Writer
	lastNewline bool
	done        bool
}

func (j *jsonSegmentWriter) Write(p []byte) (int, error) {
	if j.done || j.w.closed {
		return 0, ErrWriterClosed
	}
	for _, b := range p {
		if j.lastNewline && b == '#' {
			return 0, errors.New("doip: JSON segment contains segment terminator")
		}
		j.lastNewline = b == '\n'
	}
	if err := j.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (j *jsonSegmentWriter) Close() error {
	if j.done {
		return nil
	}
	j.done = true
	j.w.open = nil
	if err := j.w.write(segmentTerminator); err != nil {
		return err
	}
	return j.w.flush()
}

type bytesSegmentWriter struct {
	w    *Writer
	buf  *bufio.Writer
	done bool
}

func (b *bytesSegmentWriter) Write(p []byte) (int, error) {
	if b.done || b.w.closed {
		return 0, ErrWriterClosed
	}
	return b.buf.Write(p)
}

func (b *bytesSegmentWriter) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	b.w.open = nil
	if err := b.buf.Flush(); err != nil {
		return err
	}
	if err := b.w.write(segmentTerminator); err != nil {
		return err
	}
	return b.w.flush()
}
