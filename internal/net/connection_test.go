package net

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/doip/pkg/protocol"
)

func readSegments(t *testing.T, m protocol.Message) []segment {
	t.Helper()
	var segs []segment
	for {
		seg, err := m.Next()
		if errors.Is(err, io.EOF) {
			return segs
		}
		require.NoError(t, err)
		data, err := seg.ReadBytes()
		require.NoError(t, err)
		segs = append(segs, segment{json: seg.IsJSON(), data: data})
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	c, p := pipeConn(t)
	go p.serve()

	payload := bytes.Repeat([]byte("0123456789"), 2000)
	input := protocol.NewSegmentMessage(
		protocol.NewJSONSegment([]byte(`{"type":"Document"}`)),
		protocol.NewBytesSegment(bytes.NewReader(payload)),
	)

	header := &protocol.RequestHeader{TargetID: "20.500/1", OperationID: protocol.OpCreate}
	resp, err := c.SendRequest(context.Background(), header, input)
	require.NoError(t, err)
	assert.NotEmpty(t, header.RequestID)
	assert.Equal(t, header.RequestID, resp.Header.RequestID)
	assert.Equal(t, protocol.StatusOK, resp.Status())
	assert.Equal(t, "20.500/1", resp.AttributeString("target"))

	segs := readSegments(t, resp.Output())
	require.Len(t, segs, 2)
	assert.True(t, segs[0].json)
	assert.JSONEq(t, `{"type":"Document"}`, string(segs[0].data))
	assert.False(t, segs[1].json)
	assert.Equal(t, payload, segs[1].data)
	require.NoError(t, resp.Close())
}

func TestCompactOutputIsPresentedAsMessage(t *testing.T) {
	c, p := pipeConn(t)

	done := make(chan error, 1)
	go func() {
		header, _, err := p.readRequest()
		if err != nil {
			done <- err
			return
		}
		done <- p.respond(protocol.ResponseHeader{
			Status:    protocol.StatusOK,
			RequestID: header.RequestID,
			Output:    []byte(`{"id":"x"}`),
		})
	}()

	resp, err := c.SendCompactRequest(context.Background(), &protocol.RequestHeader{OperationID: protocol.OpHello})
	require.NoError(t, err)
	segs := readSegments(t, resp.Output())
	require.Len(t, segs, 1)
	assert.JSONEq(t, `{"id":"x"}`, string(segs[0].data))
	require.NoError(t, resp.Close())
	require.NoError(t, <-done)
}

func TestOutOfOrderResponses(t *testing.T) {
	const k = 8
	c, p := pipeConn(t)

	type outcome struct {
		idx    int
		target string
		err    error
	}
	results := make(chan outcome, k)
	for i := 0; i < k; i++ {
		go func(i int) {
			header := &protocol.RequestHeader{TargetID: strconv.Itoa(i), OperationID: protocol.OpRetrieve}
			resp, err := c.SendCompactRequest(context.Background(), header)
			if err != nil {
				results <- outcome{idx: i, err: err}
				return
			}
			target := resp.AttributeString("target")
			results <- outcome{idx: i, target: target, err: resp.Close()}
		}(i)
	}

	requests := make([]protocol.RequestHeader, k)
	for i := range requests {
		header, _, err := p.readRequest()
		require.NoError(t, err)
		requests[i] = header
	}
	for i := k - 1; i >= 0; i-- {
		require.NoError(t, p.respond(protocol.ResponseHeader{
			Status:     protocol.StatusOK,
			RequestID:  requests[i].RequestID,
			Attributes: attrs("target", requests[i].TargetID),
		}))
	}

	for i := 0; i < k; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, strconv.Itoa(o.idx), o.target)
	}
}

func TestUnknownRequestIDFailsConnection(t *testing.T) {
	c, p := pipeConn(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendCompactRequest(context.Background(), &protocol.RequestHeader{OperationID: protocol.OpHello})
		errc <- err
	}()

	_, _, err := p.readRequest()
	require.NoError(t, err)
	// The client drops the connection as soon as it has read the header, so
	// writing the rest of the response may fail.
	_ = p.respond(protocol.ResponseHeader{Status: protocol.StatusOK, RequestID: "not-a-request"})

	err = <-errc
	require.Error(t, err)
	assert.True(t, protocol.IsProtocolError(err))
	assert.True(t, c.IsClosed())

	_, err = c.SendCompactRequest(context.Background(), &protocol.RequestHeader{})
	assert.True(t, protocol.IsProtocolError(err))
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	c, p := pipeConn(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendCompactRequest(context.Background(), &protocol.RequestHeader{OperationID: protocol.OpHello})
		errc <- err
	}()
	_, _, err := p.readRequest()
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = <-errc
	assert.ErrorIs(t, err, protocol.ErrClosed)
	assert.True(t, protocol.IsConnectionError(err))

	_, err = c.SendCompactRequest(context.Background(), &protocol.RequestHeader{})
	assert.ErrorIs(t, err, protocol.ErrClosed)
}

func TestPeerCloseFailsOutstandingRequests(t *testing.T) {
	c, p := pipeConn(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendCompactRequest(context.Background(), &protocol.RequestHeader{OperationID: protocol.OpHello})
		errc <- err
	}()
	_, _, err := p.readRequest()
	require.NoError(t, err)
	p.conn.Close()

	err = <-errc
	require.Error(t, err)
	assert.True(t, protocol.IsConnectionError(err))
	assert.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)
}

func TestTruncatedResponseIsProtocolError(t *testing.T) {
	c, p := pipeConn(t)

	errc := make(chan error, 1)
	go func() {
		header, _, err := p.readRequest()
		if err != nil {
			errc <- err
			return
		}
		p.w.WriteString(`{"status":"0.DOIP/Status.001","requestId":"` + header.RequestID + `"}` + "\n#\n@\n5\nab")
		p.w.Flush()
		errc <- p.conn.Close()
	}()

	resp, err := c.SendCompactRequest(context.Background(), &protocol.RequestHeader{OperationID: protocol.OpRetrieve})
	require.NoError(t, err)
	require.NoError(t, <-errc)

	seg, err := resp.Output().Next()
	require.NoError(t, err)
	_, err = seg.ReadBytes()
	assert.True(t, protocol.IsProtocolError(err))
	assert.Error(t, resp.Close())
	assert.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)
}

func TestCancelledRequestClosesConnection(t *testing.T) {
	c, p := pipeConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.SendCompactRequest(ctx, &protocol.RequestHeader{OperationID: protocol.OpHello})
		errc <- err
	}()
	_, _, err := p.readRequest()
	require.NoError(t, err)
	cancel()

	err = <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.IsClosed())
}

func TestResponseOnCloseRunsOnce(t *testing.T) {
	c, p := pipeConn(t)
	go p.serve()

	resp, err := c.SendCompactRequest(context.Background(), &protocol.RequestHeader{OperationID: protocol.OpHello})
	require.NoError(t, err)

	calls := 0
	resp.OnClose(func() { calls++ })
	require.NoError(t, resp.Close())
	require.NoError(t, resp.Close())
	assert.Equal(t, 1, calls)

	late := false
	resp.OnClose(func() { late = true })
	assert.True(t, late)

	// the connection is free for the next request once the body is closed
	resp, err = c.SendCompactRequest(context.Background(), &protocol.RequestHeader{TargetID: "again"})
	require.NoError(t, err)
	assert.Equal(t, "again", resp.AttributeString("target"))
	require.NoError(t, resp.Close())
}

func TestSendRequestStream(t *testing.T) {
	c, p := pipeConn(t)
	go p.serve()

	ex, err := c.SendRequestStream(context.Background(), &protocol.RequestHeader{TargetID: "t", OperationID: protocol.OpUpdate})
	require.NoError(t, err)
	assert.NotEmpty(t, ex.RequestID())

	w := ex.Writer()
	require.NoError(t, w.WriteJSON(map[string]string{"id": "element"}))
	bw, err := w.BytesWriter()
	require.NoError(t, err)
	_, err = io.WriteString(bw, "streamed element data")
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	require.NoError(t, ex.CloseRequest())
	require.NoError(t, ex.CloseRequest())

	resp, err := ex.Response(context.Background())
	require.NoError(t, err)
	segs := readSegments(t, resp.Output())
	require.Len(t, segs, 2)
	assert.Equal(t, "streamed element data", string(segs[1].data))
	require.NoError(t, resp.Close())
}

func TestDialerOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go newPeer(conn).serve()
		}
	}()

	opts := DefaultConnectionOptions(ln.Addr().String())
	opts.DialTimeout = time.Second
	d, err := NewDialer(opts)
	require.NoError(t, err)

	c, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, uint64(1), c.ID())

	resp, err := c.SendCompactRequest(context.Background(), &protocol.RequestHeader{TargetID: "tcp"})
	require.NoError(t, err)
	assert.Equal(t, "tcp", resp.AttributeString("target"))
	require.NoError(t, resp.Close())
}

func TestDialFailureIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d, err := NewDialer(&ConnectionOptions{Address: addr, DialTimeout: time.Second})
	require.NoError(t, err)
	_, err = d.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, protocol.IsConnectionError(err))
}
