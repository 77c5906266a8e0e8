package protocol

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// maxChunkDigits bounds the decimal chunk size so it always fits an int32.
const maxChunkDigits = 9

// Reader decodes one serialized message from a byte stream. It keeps a single
// byte of lookahead through the underlying bufio.Reader, so several messages
// can be decoded back to back from the same buffered stream.
//
// Any framing or I/O error is sticky: every later call on the Reader, or on
// a segment it produced, returns the same error.
type Reader struct {
	r    *bufio.Reader
	curr *Segment
	done   bool
	closed bool
	err    error

	once       sync.Once
	onComplete func(error)
}

// NewReader returns a Reader over r. If r is already a *bufio.Reader it is
// used directly.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

// OnComplete registers fn to be called exactly once when the message ends:
// with nil after the terminal marker, or with the terminal error. If the
// message has already ended fn runs immediately.
func (m *Reader) OnComplete(fn func(error)) {
	m.onComplete = fn
	switch {
	case m.err != nil:
		m.complete(m.err)
	case m.done:
		m.complete(nil)
	}
}

// Err returns the terminal error, if any.
func (m *Reader) Err() error { return m.err }

// Done reports whether the terminal empty segment has been read.
func (m *Reader) Done() bool { return m.done }

// Next returns the next segment, draining whatever is left of the previous one.
func (m *Reader) Next() (*Segment, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.done {
		return nil, io.EOF
	}
	if m.curr != nil {
		if err := m.curr.drain(); err != nil {
			return nil, m.fail(err)
		}
		m.curr = nil
	}
	ch, err := m.readByte("end of input before terminal empty segment")
	if err != nil {
		return nil, err
	}
	switch ch {
	case '#':
		if err := m.skipToNewline(); err != nil {
			return nil, err
		}
		m.done = true
		m.complete(nil)
		return nil, io.EOF
	case '@':
		if err := m.skipToNewline(); err != nil {
			return nil, err
		}
		m.curr = &Segment{r: &chunkReader{m: m}}
	default:
		if err := m.r.UnreadByte(); err != nil {
			return nil, m.fail(err)
		}
		m.curr = &Segment{json: true, r: &jsonReader{m: m}}
	}
	return m.curr, nil
}

// Close reads and discards the rest of the message. On a malformed message
// the first Close returns the terminal error; later calls return nil and the
// error stays available from Err.
func (m *Reader) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for {
		_, err := m.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (m *Reader) complete(err error) {
	if m.onComplete == nil {
		return
	}
	m.once.Do(func() { m.onComplete(err) })
}

func (m *Reader) fail(err error) error {
	if m.err == nil {
		m.err = err
	}
	m.complete(m.err)
	return m.err
}

func (m *Reader) failf(msg string) error {
	return m.fail(&ProtocolError{Msg: msg})
}

func (m *Reader) readByte(eofMsg string) (byte, error) {
	ch, err := m.r.ReadByte()
	if err != nil {
		return 0, m.fail(classifyReadError(err, eofMsg))
	}
	return ch, nil
}

func (m *Reader) skipToNewline() error {
	for {
		ch, err := m.readByte("end of input before newline")
		if err != nil {
			return err
		}
		switch ch {
		case '\n':
			return nil
		case ' ', '\t', '\r':
			continue
		default:
			return m.failf("expected whitespace until newline")
		}
	}
}

func classifyReadError(err error, eofMsg string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Msg: eofMsg}
	}
	var pe *ProtocolError
	var ce *ConnectionError
	if errors.As(err, &pe) || errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: "read", Err: err}
}

// jsonReader yields the text of a JSON segment up to, but excluding, the
// newline of the "\n#\n" terminator.
type jsonReader struct {
	m          *Reader
	sawNewline bool
	done       bool
}

func (j *jsonReader) Read(p []byte) (int, error) {
	if j.m.err != nil {
		return 0, j.m.err
	}
	n := 0
	for n < len(p) && !j.done {
		ch, err := j.m.readByte("end of input reading JSON segment")
		if err != nil {
			return n, err
		}
		if j.sawNewline {
			if ch == '#' {
				if err := j.m.skipToNewline(); err != nil {
					return n, err
				}
				j.done = true
				break
			}
			p[n] = '\n'
			n++
			j.sawNewline = false
			if n == len(p) {
				if err := j.m.r.UnreadByte(); err != nil {
					return n, j.m.fail(err)
				}
				break
			}
		}
		if ch == '\n' {
			j.sawNewline = true
			continue
		}
		p[n] = ch
		n++
		if j.m.r.Buffered() == 0 && !j.sawNewline {
			break
		}
	}
	if n == 0 && j.done {
		return 0, io.EOF
	}
	return n, nil
}

type chunkState int

const (
	awaitHeader chunkState = iota
	inChunk
	chunkEnd
	chunkDone
)

// chunkReader decodes the "\n<size>\n<bytes>" chunks of a bytes segment.
type chunkReader struct {
	m         *Reader
	state     chunkState
	remaining int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for {
		if c.m.err != nil {
			return 0, c.m.err
		}
		switch c.state {
		case chunkDone:
			return 0, io.EOF
		case chunkEnd:
			if err := c.m.skipToNewline(); err != nil {
				return 0, err
			}
			c.state = awaitHeader
		case awaitHeader:
			if err := c.readHeader(); err != nil {
				return 0, err
			}
		case inChunk:
			if len(p) == 0 {
				return 0, nil
			}
			n := len(p)
			if n > c.remaining {
				n = c.remaining
			}
			k, err := c.m.r.Read(p[:n])
			c.remaining -= k
			if c.remaining == 0 {
				c.state = chunkEnd
			}
			if err != nil {
				return k, c.m.fail(classifyReadError(err, "end of input while reading chunk"))
			}
			return k, nil
		}
	}
}

func (c *chunkReader) readHeader() error {
	ch, err := c.m.readByte("end of input reading chunk size")
	if err != nil {
		return err
	}
	if ch == '#' {
		if err := c.m.skipToNewline(); err != nil {
			return err
		}
		c.state = chunkDone
		return nil
	}
	if ch == '0' {
		return c.m.failf("zero at start of chunk size")
	}
	size, digits := 0, 0
	for {
		switch {
		case ch == '\n' || ch == ' ' || ch == '\t' || ch == '\r':
			if digits == 0 {
				return c.m.failf("missing chunk size")
			}
			if ch != '\n' {
				if err := c.m.skipToNewline(); err != nil {
					return err
				}
			}
			c.remaining = size
			c.state = inChunk
			return nil
		case ch < '0' || ch > '9':
			return c.m.failf("unexpected character in chunk size")
		}
		size = size*10 + int(ch-'0')
		digits++
		if digits > maxChunkDigits {
			return c.m.failf("overlong chunk size")
		}
		ch, err = c.m.readByte("end of input reading chunk size")
		if err != nil {
			return err
		}
	}
}
