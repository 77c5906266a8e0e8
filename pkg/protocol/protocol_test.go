package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decoded struct {
	json bool
	data []byte
}

func readAll(t *testing.T, m Message) []decoded {
	t.Helper()
	var out []decoded
	for {
		seg, err := m.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		data, err := seg.ReadBytes()
		require.NoError(t, err)
		out = append(out, decoded{json: seg.IsJSON(), data: data})
	}
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

func TestWriterLiteralExample(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteJSON(map[string]string{"a": "b"}))
	require.NoError(t, w.Close())
	assert.Equal(t, "{\"a\":\"b\"}\n#\n#\n", buf.String())
}

func TestWriterBytesEncoding(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteBytes(strings.NewReader("hello")))
	require.NoError(t, w.WriteBytes(strings.NewReader("")))
	require.NoError(t, w.Close())
	assert.Equal(t, "@\n5\nhello\n#\n@\n#\n#\n", buf.String())
}

func TestRoundTripMixedSegments(t *testing.T) {
	large := patterned(3*ChunkSize + 17)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteJSON(map[string]any{"targetId": "20.500/1", "n": 1}))
	require.NoError(t, w.WriteBytes(bytes.NewReader(nil)))
	require.NoError(t, w.WriteBytes(bytes.NewReader([]byte{'#'})))
	require.NoError(t, w.WriteRawJSON([]byte(`["x", "y"]`)))
	require.NoError(t, w.WriteBytes(bytes.NewReader(large)))
	require.NoError(t, w.WriteRawJSON([]byte("{\n  \"pretty\": true\n}")))
	require.NoError(t, w.Close())

	segs := readAll(t, NewReader(&buf))
	require.Len(t, segs, 6)

	assert.True(t, segs[0].json)
	assert.JSONEq(t, `{"targetId":"20.500/1","n":1}`, string(segs[0].data))
	assert.False(t, segs[1].json)
	assert.Empty(t, segs[1].data)
	assert.False(t, segs[2].json)
	assert.Equal(t, []byte{'#'}, segs[2].data)
	assert.True(t, segs[3].json)
	assert.Equal(t, `["x", "y"]`, string(segs[3].data))
	assert.False(t, segs[4].json)
	assert.Equal(t, large, segs[4].data)
	assert.Equal(t, "{\n  \"pretty\": true\n}", string(segs[5].data))
}

func TestScopedWritersRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	jw, err := w.JSONWriter()
	require.NoError(t, err)
	_, err = w.BytesWriter()
	require.ErrorIs(t, err, ErrSegmentOpen)
	require.ErrorIs(t, w.WriteJSON(1), ErrSegmentOpen)
	require.NoError(t, json.NewEncoder(jw).Encode(map[string]int{"k": 1}))
	require.NoError(t, jw.Close())
	require.NoError(t, jw.Close())

	bw, err := w.BytesWriter()
	require.NoError(t, err)
	payload := patterned(2*ChunkSize + 5)
	for i := 0; i < len(payload); i += 1000 {
		end := i + 1000
		if end > len(payload) {
			end = len(payload)
		}
		_, err := bw.Write(payload[i:end])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	segs := readAll(t, NewReader(&buf))
	require.Len(t, segs, 2)
	assert.JSONEq(t, `{"k":1}`, string(segs[0].data))
	assert.Equal(t, payload, segs[1].data)
}

func TestJSONWriterRejectsTerminatorSequence(t *testing.T) {
	w := NewWriter(io.Discard)
	jw, err := w.JSONWriter()
	require.NoError(t, err)
	_, err = jw.Write([]byte("{\"a\":1}\n"))
	require.NoError(t, err)
	_, err = jw.Write([]byte("#"))
	require.Error(t, err)
}

func TestWriteRawJSONRejectsInvalidText(t *testing.T) {
	w := NewWriter(io.Discard)
	require.Error(t, w.WriteRawJSON([]byte("{\n#\n")))
	require.Error(t, w.WriteRawJSON([]byte("not json")))
}

func TestWriterCloseIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, "#\n", buf.String())
	assert.ErrorIs(t, w.WriteJSON("late"), ErrWriterClosed)
}

func TestWriterCloseEndsOpenSegment(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	bw, err := w.BytesWriter()
	require.NoError(t, err)
	_, err = bw.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "@\n3\nabc\n#\n#\n", buf.String())
	_, err = bw.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestChunkBoundaryIndependence(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	splits := [][]int{
		{len(payload)},
		{1, len(payload) - 1},
		{10, 10, 10, 10, len(payload) - 40},
		{7, 13, len(payload) - 20},
	}
	for _, split := range splits {
		var wire bytes.Buffer
		wire.WriteString("@")
		off := 0
		for _, n := range split {
			wire.WriteString("\n")
			wire.WriteString(strconv.Itoa(n))
			wire.WriteString("\n")
			wire.Write(payload[off : off+n])
			off += n
		}
		wire.WriteString("\n#\n#\n")

		segs := readAll(t, NewReader(&wire))
		require.Len(t, segs, 1)
		assert.Equal(t, payload, segs[0].data, "split %v", split)
	}
}

func TestTruncationDetected(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteJSON(map[string]string{"a": "b"}))
	require.NoError(t, w.WriteBytes(bytes.NewReader(patterned(100))))
	require.NoError(t, w.Close())
	full := buf.Bytes()

	for cut := 0; cut < len(full); cut++ {
		m := NewReader(bytes.NewReader(full[:cut]))
		var err error
		for err == nil {
			var seg *Segment
			seg, err = m.Next()
			if err == nil {
				_, err = seg.ReadBytes()
			}
		}
		require.True(t, IsProtocolError(err), "cut %d: %v", cut, err)
	}
}

func TestMalformedChunkSizes(t *testing.T) {
	cases := map[string]string{
		"leading zero":   "@\n05\nhello\n#\n#\n",
		"non digit":      "@\n5x\nhello\n#\n#\n",
		"missing size":   "@\n\n5\nhello\n#\n#\n",
		"overlong size":  "@\n1234567890\nhello\n#\n#\n",
		"garbage suffix": "@\n5 x\nhello\n#\n#\n",
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			m := NewReader(strings.NewReader(wire))
			seg, err := m.Next()
			require.NoError(t, err)
			_, err = seg.ReadBytes()
			require.True(t, IsProtocolError(err), "got %v", err)
		})
	}
}

func TestStickyErrorAndCompletion(t *testing.T) {
	m := NewReader(strings.NewReader("@\n0\n#\n#\n"))
	var completed []error
	m.OnComplete(func(err error) { completed = append(completed, err) })

	seg, err := m.Next()
	require.NoError(t, err)
	_, first := seg.ReadBytes()
	require.True(t, IsProtocolError(first))

	_, again := m.Next()
	assert.Same(t, first, again)
	assert.Same(t, first, m.Close())
	assert.NoError(t, m.Close())
	assert.Same(t, first, m.Err())
	require.Len(t, completed, 1)
	assert.Same(t, first, completed[0])
}

func TestCompletionOnTerminalMarker(t *testing.T) {
	m := NewReader(strings.NewReader("{}\n#\n#\n"))
	done := make(chan error, 1)
	m.OnComplete(func(err error) { done <- err })
	require.NoError(t, m.Close())
	require.NoError(t, <-done)
	require.NoError(t, m.Close())
	assert.True(t, m.Done())
}

func TestNextDrainsUnreadSegment(t *testing.T) {
	wire := "@\n3\nabc\n2\nde\n#\n{\"x\":1}\n#\n#\n"
	m := NewReader(strings.NewReader(wire))
	first, err := m.Next()
	require.NoError(t, err)
	require.False(t, first.IsJSON())

	second, err := m.Next()
	require.NoError(t, err)
	var v map[string]int
	require.NoError(t, second.Decode(&v))
	assert.Equal(t, 1, v["x"])

	_, err = m.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWhitespaceBeforeNewlineTolerated(t *testing.T) {
	wire := "@ \r\n3 \t\nabc\n#\r\n[1]\n# \n#\t\n"
	segs := readAll(t, NewReader(strings.NewReader(wire)))
	require.Len(t, segs, 2)
	assert.Equal(t, "abc", string(segs[0].data))
	assert.Equal(t, "[1]", string(segs[1].data))
}

func TestBackToBackMessagesShareStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		w := NewWriter(&buf)
		require.NoError(t, w.WriteJSON(map[string]int{"i": i}))
		require.NoError(t, w.Close())
	}
	br := bufio.NewReader(&buf)
	for i := 0; i < 3; i++ {
		segs := readAll(t, NewReader(br))
		require.Len(t, segs, 1)
		assert.JSONEq(t, `{"i":`+strconv.Itoa(i)+`}`, string(segs[0].data))
	}
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSegmentMessageCopy(t *testing.T) {
	in := NewSegmentMessage(
		NewJSONSegment([]byte(`{"id":"el"}`)),
		NewBytesSegment(strings.NewReader("payload")),
	)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.CopyMessage(in))
	require.NoError(t, w.Close())
	assert.Equal(t, "{\"id\":\"el\"}\n#\n@\n7\npayload\n#\n#\n", buf.String())
}

func TestReadJSONOnBytesSegment(t *testing.T) {
	seg := NewBytesSegment(strings.NewReader("x"))
	_, err := seg.ReadJSON()
	assert.ErrorIs(t, err, ErrNotJSON)
}

func TestDecodeRequestHeaderRejectsUnknownProperty(t *testing.T) {
	_, err := DecodeRequestHeader([]byte(`{"targetId":"t","bogus":1}`))
	require.True(t, IsProtocolError(err))

	h, err := DecodeRequestHeader([]byte(`{"targetId":"t","operationId":"0.DOIP/Op.Hello","input":{"a":1},"requestId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, "t", h.TargetID)
	assert.Equal(t, "r1", h.RequestID)
	assert.True(t, h.HasCompactInput())
}

func TestAttributesHelpers(t *testing.T) {
	attrs := Attributes{}
	require.NoError(t, attrs.Set("message", "hi"))
	require.NoError(t, attrs.Set("includeElementData", true))
	attrs["flag"] = json.RawMessage(`"true"`)
	assert.Equal(t, "hi", attrs.String("message"))
	assert.True(t, attrs.Bool("includeElementData"))
	assert.True(t, attrs.Bool("flag"))
	assert.Equal(t, "", attrs.String("missing"))
}
