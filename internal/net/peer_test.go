package net

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/doip/pkg/protocol"
)

// peer is the server end of a test connection.
type peer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

type segment struct {
	json bool
	data []byte
}

// readRequest reads one whole request message.
func (p *peer) readRequest() (protocol.RequestHeader, []segment, error) {
	msg := protocol.NewReader(p.r)
	first, err := msg.Next()
	if err != nil {
		return protocol.RequestHeader{}, nil, err
	}
	raw, err := first.ReadJSON()
	if err != nil {
		return protocol.RequestHeader{}, nil, err
	}
	header, err := protocol.DecodeRequestHeader(raw)
	if err != nil {
		return protocol.RequestHeader{}, nil, err
	}

	var segs []segment
	for {
		seg, err := msg.Next()
		if errors.Is(err, io.EOF) {
			return header, segs, nil
		}
		if err != nil {
			return header, nil, err
		}
		data, err := seg.ReadBytes()
		if err != nil {
			return header, nil, err
		}
		segs = append(segs, segment{json: seg.IsJSON(), data: data})
	}
}

// respond writes a response header followed by body segments.
func (p *peer) respond(header protocol.ResponseHeader, body ...segment) error {
	w := protocol.NewWriter(p.w)
	if err := w.WriteJSON(header); err != nil {
		return err
	}
	for _, seg := range body {
		var err error
		if seg.json {
			err = w.WriteRawJSON(seg.data)
		} else {
			err = w.WriteBytes(bytes.NewReader(seg.data))
		}
		if err != nil {
			return err
		}
	}
	return w.Close()
}

// serve answers every request with status OK, echoing its segments and its
// targetId as the "target" attribute, until the connection fails.
func (p *peer) serve() {
	defer p.conn.Close()
	for {
		if _, err := p.r.Peek(1); err != nil {
			return
		}
		header, segs, err := p.readRequest()
		if err != nil {
			return
		}
		resp := protocol.ResponseHeader{
			Status:     protocol.StatusOK,
			RequestID:  header.RequestID,
			Attributes: protocol.Attributes{},
		}
		resp.Attributes.Set("target", header.TargetID)
		if err := p.respond(resp, segs...); err != nil {
			return
		}
	}
}

// pipeConn returns a client Connection whose peer end is handed to the test.
func pipeConn(t testing.TB) (*Connection, *peer) {
	t.Helper()
	client, server := net.Pipe()
	d, err := NewDialer(&ConnectionOptions{Address: "pipe"})
	require.NoError(t, err)
	c := d.Wrap(client)
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})
	return c, newPeer(server)
}

// echoDialer dials pipe connections served by an echo peer and counts dials.
type echoDialer struct {
	dialer *Dialer
	dials  chan struct{}
}

func newEchoDialer(t testing.TB) *echoDialer {
	t.Helper()
	d, err := NewDialer(&ConnectionOptions{Address: "pipe"})
	require.NoError(t, err)
	return &echoDialer{dialer: d, dials: make(chan struct{}, 64)}
}

func (e *echoDialer) Dial(ctx context.Context) (*Connection, error) {
	client, server := net.Pipe()
	go newPeer(server).serve()
	e.dials <- struct{}{}
	return e.dialer.Wrap(client), nil
}

func attrs(kv ...string) protocol.Attributes {
	a := protocol.Attributes{}
	for i := 0; i+1 < len(kv); i += 2 {
		a.Set(kv[i], kv[i+1])
	}
	return a
}
