package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skshohagmiah/doip/internal/metrics"
	doipnet "github.com/skshohagmiah/doip/internal/net"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

// echo answers with every input segment and the targetId as an attribute.
var echo = ProcessorFunc(func(ctx context.Context, req *Request, resp *Response) error {
	if err := resp.SetAttribute("target", req.TargetID()); err != nil {
		return err
	}
	out, err := resp.Output()
	if err != nil {
		return err
	}
	return out.CopyMessage(req.Input())
})

func startServer(t *testing.T, p Processor, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg, p, WithMetrics(metrics.NewUnregistered()))
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func dial(t *testing.T, srv *Server) *doipnet.Connection {
	t.Helper()
	opts := doipnet.DefaultConnectionOptions(srv.Addr().String())
	opts.DialTimeout = time.Second
	opts.ReadTimeout = 5 * time.Second
	d, err := doipnet.NewDialer(opts)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// rawExchange writes raw bytes to the server and returns everything it
// sends back until it closes the connection.
func rawExchange(t *testing.T, srv *Server, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, request)
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

func decodeRawResponse(t *testing.T, raw string) protocol.ResponseHeader {
	t.Helper()
	require.True(t, strings.HasSuffix(raw, "\n#\n#\n"), "response %q", raw)
	msg := protocol.NewReader(bufio.NewReader(strings.NewReader(raw)))
	seg, err := msg.Next()
	require.NoError(t, err)
	data, err := seg.ReadJSON()
	require.NoError(t, err)
	header, err := protocol.DecodeResponseHeader(data)
	require.NoError(t, err)
	require.NoError(t, msg.Close())
	return header
}

func TestServerEchoesSegments(t *testing.T) {
	srv := startServer(t, echo)
	conn := dial(t, srv)

	payload := bytes.Repeat([]byte{0xAB}, 3*protocol.ChunkSize+7)
	input := protocol.NewSegmentMessage(
		protocol.NewJSONSegment([]byte(`{"hello":"world"}`)),
		protocol.NewBytesSegment(bytes.NewReader(payload)),
	)
	resp, err := conn.SendRequest(context.Background(), &protocol.RequestHeader{TargetID: "20.500/echo", OperationID: "echo"}, input)
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, protocol.StatusOK, resp.Status())
	assert.Equal(t, "20.500/echo", resp.AttributeString("target"))

	out := resp.Output()
	seg, err := out.Next()
	require.NoError(t, err)
	raw, err := seg.ReadJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(raw))

	seg, err = out.Next()
	require.NoError(t, err)
	data, err := seg.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = out.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerSequentialRequestsOnOneConnection(t *testing.T) {
	srv := startServer(t, echo)
	conn := dial(t, srv)

	for _, target := range []string{"a", "b", "c"} {
		resp, err := conn.SendCompactRequest(context.Background(), &protocol.RequestHeader{TargetID: target})
		require.NoError(t, err)
		assert.Equal(t, target, resp.AttributeString("target"))
		require.NoError(t, resp.Close())
	}
	assert.Eventually(t, func() bool { return srv.Stats().RequestsServed == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), srv.Stats().TotalConnections)
}

func TestServerCompactInputAndOutput(t *testing.T) {
	srv := startServer(t, ProcessorFunc(func(ctx context.Context, req *Request, resp *Response) error {
		seg, err := req.Input().Next()
		if err != nil {
			return err
		}
		var in map[string]int
		if err := seg.Decode(&in); err != nil {
			return err
		}
		return resp.WriteCompactOutput(map[string]int{"sum": in["a"] + in["b"]})
	}))
	conn := dial(t, srv)

	resp, err := conn.SendCompactRequest(context.Background(), &protocol.RequestHeader{
		OperationID: "sum",
		Input:       []byte(`{"a":2,"b":3}`),
	})
	require.NoError(t, err)
	defer resp.Close()
	assert.JSONEq(t, `{"sum":5}`, string(resp.Header.Output))
}

func TestServerRejectsUnknownRequestProperty(t *testing.T) {
	srv := startServer(t, echo)

	raw := rawExchange(t, srv, `{"requestId":"r1","operationId":"x","bogus":true}`+"\n#\n#\n")
	header := decodeRawResponse(t, raw)
	assert.Equal(t, protocol.StatusBadRequest, header.Status)
	assert.Contains(t, header.Attributes.String(protocol.MessageAttribute), "bogus")
}

func TestServerRejectsNonJSONInitialSegment(t *testing.T) {
	srv := startServer(t, echo)

	raw := rawExchange(t, srv, "@\n3\nabc\n#\n#\n")
	header := decodeRawResponse(t, raw)
	assert.Equal(t, protocol.StatusBadRequest, header.Status)
}

func TestServerRejectsCompactInputWithExtraSegments(t *testing.T) {
	srv := startServer(t, echo)

	raw := rawExchange(t, srv, `{"requestId":"r2","input":{"a":1}}`+"\n#\n"+`{"b":2}`+"\n#\n#\n")
	header := decodeRawResponse(t, raw)
	assert.Equal(t, protocol.StatusBadRequest, header.Status)
	assert.Equal(t, "r2", header.RequestID)
}

func TestServerMalformedChunkIsBadRequest(t *testing.T) {
	srv := startServer(t, echo)

	raw := rawExchange(t, srv, `{"requestId":"r3"}`+"\n#\n@\n05\nhello\n#\n#\n")
	assert.True(t, strings.HasSuffix(raw, "\n#\n#\n"))
	// the echoed header and any partial output precede the error response
	idx := strings.LastIndex(raw, `{"status"`)
	require.GreaterOrEqual(t, idx, 0)
	header := decodeRawResponse(t, raw[idx:])
	assert.Equal(t, protocol.StatusBadRequest, header.Status)
	assert.Equal(t, "r3", header.RequestID)
}

func TestServerProcessorErrorIsInternalError(t *testing.T) {
	srv := startServer(t, ProcessorFunc(func(ctx context.Context, req *Request, resp *Response) error {
		return errors.New("disk on fire")
	}))

	raw := rawExchange(t, srv, `{"requestId":"r4","operationId":"x"}`+"\n#\n#\n")
	header := decodeRawResponse(t, raw)
	assert.Equal(t, protocol.StatusError, header.Status)
	assert.Equal(t, "r4", header.RequestID)
	assert.Equal(t, "An unexpected server error occurred", header.Attributes.String(protocol.MessageAttribute))
	assert.Eventually(t, func() bool { return srv.Stats().RequestErrors == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerProcessorSetsErrorStatus(t *testing.T) {
	srv := startServer(t, ProcessorFunc(func(ctx context.Context, req *Request, resp *Response) error {
		resp.SetError(protocol.StatusNotFound, "no such object")
		return nil
	}))
	conn := dial(t, srv)

	resp, err := conn.SendCompactRequest(context.Background(), &protocol.RequestHeader{TargetID: "missing"})
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, protocol.StatusNotFound, resp.Status())
	assert.Equal(t, "no such object", resp.AttributeString(protocol.MessageAttribute))
}

func TestServerClosesIdleConnections(t *testing.T) {
	srv := startServer(t, echo, func(cfg *Config) { cfg.MaxIdleTime = 50 * time.Millisecond })

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	srv := startServer(t, echo)
	conn := dial(t, srv)

	resp, err := conn.SendCompactRequest(context.Background(), &protocol.RequestHeader{TargetID: "x"})
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	require.NoError(t, srv.Shutdown())
	require.NoError(t, srv.Shutdown())

	_, err = conn.SendCompactRequest(context.Background(), &protocol.RequestHeader{TargetID: "y"})
	assert.Error(t, err)
	assert.Equal(t, int64(0), srv.Stats().ActiveConnections)
}

type closingProcessor struct {
	shutdowns atomic.Int32
}

func (p *closingProcessor) Process(ctx context.Context, req *Request, resp *Response) error {
	return resp.WriteCompactOutput("ok")
}

func (p *closingProcessor) Shutdown() error {
	p.shutdowns.Add(1)
	return nil
}

func TestServerFromRegistryOwnsProcessor(t *testing.T) {
	proc := &closingProcessor{}
	var gotCfg map[string]any

	reg := NewRegistry()
	reg.Register("closing", func(cfg map[string]any, logger *zap.Logger) (Processor, error) {
		gotCfg = cfg
		return proc, nil
	})
	assert.Equal(t, []string{"closing"}, reg.Names())

	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.ProcessorName = "closing"
	cfg.ProcessorConfig = map[string]any{"dataDir": "/tmp/x"}

	srv, err := NewFromRegistry(cfg, reg)
	require.NoError(t, err)
	assert.Same(t, proc, srv.Processor())
	assert.Equal(t, "/tmp/x", gotCfg["dataDir"])

	require.NoError(t, srv.Listen())
	go srv.Serve()
	require.NoError(t, srv.Shutdown())
	assert.Equal(t, int32(1), proc.shutdowns.Load())

	_, err = NewFromRegistry(Config{ProcessorName: "missing"}, reg)
	assert.Error(t, err)
}

func TestServerDoesNotShutDownCallerProcessor(t *testing.T) {
	proc := &closingProcessor{}
	srv := startServer(t, proc)
	require.NoError(t, srv.Shutdown())
	assert.Equal(t, int32(0), proc.shutdowns.Load())
}

func TestNewRequiresProcessor(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}
