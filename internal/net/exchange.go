package net

import (
	"context"
	"sync"

	"github.com/skshohagmiah/doip/pkg/protocol"
)

// Exchange is a request whose input is written incrementally. The
// connection's write side stays locked until CloseRequest.
type Exchange struct {
	conn *Connection
	id   string
	ch   chan result
	w    *protocol.Writer

	closeOnce sync.Once
	closeErr  error

	respOnce sync.Once
	resp     *Response
	respErr  error
}

// SendRequestStream writes header and returns an Exchange for writing the
// remaining input segments. The caller must call CloseRequest, even on
// error, to release the connection's write side.
func (c *Connection) SendRequestStream(ctx context.Context, header *protocol.RequestHeader) (*Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ch, err := c.register(header)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	if err := c.closedErr(); err != nil {
		c.writeMu.Unlock()
		c.finish(err)
		return nil, err
	}
	w := protocol.NewWriter(c.writer)
	if err := w.WriteJSON(header); err != nil {
		c.writeMu.Unlock()
		c.finish(err)
		c.abort(err)
		return nil, err
	}
	return &Exchange{conn: c, id: id, ch: ch, w: w}, nil
}

// RequestID returns the id assigned to the request.
func (e *Exchange) RequestID() string { return e.id }

// Writer returns the writer for the request's input segments.
func (e *Exchange) Writer() *protocol.Writer { return e.w }

// CloseRequest ends the request message and unlocks the connection's write
// side. A failure to finish the message closes the connection.
func (e *Exchange) CloseRequest() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.w.Close()
		e.conn.writeMu.Unlock()
		if e.closeErr != nil {
			e.conn.abort(e.closeErr)
		}
	})
	return e.closeErr
}

// Response waits for the response to the request. It may be called before
// CloseRequest when the peer answers without reading the whole input.
func (e *Exchange) Response(ctx context.Context) (*Response, error) {
	e.respOnce.Do(func() {
		e.resp, e.respErr = e.conn.await(ctx, e.id, e.ch)
	})
	return e.resp, e.respErr
}

// Close ends the request if needed, then waits for and discards the response.
func (e *Exchange) Close() error {
	if err := e.CloseRequest(); err != nil {
		return err
	}
	resp, err := e.Response(context.Background())
	if err != nil {
		return err
	}
	return resp.Close()
}
