package zmodbus

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/crazyfrankie/zmodbus/mem"
	"github.com/crazyfrankie/zmodbus/protocol"
	"github.com/crazyfrankie/zmodbus/stats"
	"github.com/crazyfrankie/zmodbus/transport"
	"github.com/crazyfrankie/zmodbus/transport/memory"
)

const testService = "demo-modbus"

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

// startServer starts a server on a fresh memory transport and stops it when
// the test ends.
func startServer(t *testing.T, opts ...ServerOption) (*Server, *memory.Transport) {
	t.Helper()
	tr := memory.New()
	srv := NewServer(tr, opts...)
	require.NoError(t, srv.Start(context.Background(), testService))
	t.Cleanup(func() { srv.Stop() })
	return srv, tr
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialClient(t *testing.T, tr *memory.Transport, caller string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := tr.DialAs(ctx, caller, testService)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(txid uint16, req protocol.Request) {
	c.t.Helper()
	c.write(protocol.EncodeRequest(txid, req))
}

func (c *testClient) write(b []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

// recv reads the next response frame.
func (c *testClient) recv() (protocol.Header, protocol.Response) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := protocol.ReadFrame(c.conn, mem.DefaultBufferPool())
	require.NoError(c.t, err)
	defer f.Release()

	resp, err := protocol.ParseResponse(f.PDU())
	require.NoError(c.t, err)
	return f.Header, resp
}

// requireClosed asserts the server closed the connection.
func (c *testClient) requireClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Read(make([]byte, 1))
	require.True(c.t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe), "got %v", err)
}

// rawFrame builds an ADU with an arbitrary protocol id and PDU.
func rawFrame(txid, protocolID uint16, unit byte, pdu ...byte) []byte {
	buf := make([]byte, protocol.HeaderLen+len(pdu))
	h := (*protocol.Header)(buf[:protocol.HeaderLen])
	h.SetTransactionID(txid)
	h.SetProtocolID(protocolID)
	h.SetLength(uint16(1 + len(pdu)))
	h.SetUnitID(unit)
	copy(buf[protocol.HeaderLen:], pdu)
	return buf
}

func holding(start, q uint16) *protocol.ReadHoldingRegistersRequest {
	return &protocol.ReadHoldingRegistersRequest{ReadRange: protocol.ReadRange{UnitID: 1, Start: start, Quantity: q}}
}

func coils(start, q uint16) *protocol.ReadCoilsRequest {
	return &protocol.ReadCoilsRequest{ReadRange: protocol.ReadRange{UnitID: 1, Start: start, Quantity: q}}
}

func discrete(start, q uint16) *protocol.ReadDiscreteInputsRequest {
	return &protocol.ReadDiscreteInputsRequest{ReadRange: protocol.ReadRange{UnitID: 1, Start: start, Quantity: q}}
}

func inputs(start, q uint16) *protocol.ReadInputRegistersRequest {
	return &protocol.ReadInputRegistersRequest{ReadRange: protocol.ReadRange{UnitID: 1, Start: start, Quantity: q}}
}

// countingPool checks that every buffer taken is given back.
type countingPool struct {
	mem.BufferPool
	gets, puts atomic.Int64
}

func newCountingPool() *countingPool {
	return &countingPool{BufferPool: mem.DefaultBufferPool()}
}

func (p *countingPool) Get(size int) *[]byte {
	p.gets.Add(1)
	return p.BufferPool.Get(size)
}

func (p *countingPool) Put(buf *[]byte) {
	p.puts.Add(1)
	p.BufferPool.Put(buf)
}

// recordingTransport logs the teardown calls made on it and its listeners.
type recordingTransport struct {
	*memory.Transport

	mu     sync.Mutex
	events []string
}

func (r *recordingTransport) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingTransport) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingTransport) Listen(ctx context.Context, service string, opts transport.Options) (transport.Listener, error) {
	l, err := r.Transport.Listen(ctx, service, opts)
	if err != nil {
		return nil, err
	}
	return &recordingListener{Listener: l, rec: r}, nil
}

func (r *recordingTransport) Close() error {
	r.record("transport.close")
	return r.Transport.Close()
}

type recordingListener struct {
	transport.Listener
	rec *recordingTransport
}

func (l *recordingListener) Close() error {
	l.rec.record("listener.close")
	return l.Listener.Close()
}

func (l *recordingListener) Release() error {
	l.rec.record("listener.release")
	return l.Listener.Release()
}

// recordingStats keeps every stats event in arrival order.
type recordingStats struct {
	mu     sync.Mutex
	conns  []stats.ConnStats
	events []stats.RequestStats
	tags   []stats.RequestTagInfo
}

func (r *recordingStats) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

func (r *recordingStats) HandleConn(_ context.Context, s stats.ConnStats) {
	r.mu.Lock()
	r.conns = append(r.conns, s)
	r.mu.Unlock()
}

func (r *recordingStats) TagRequest(ctx context.Context, info *stats.RequestTagInfo) context.Context {
	r.mu.Lock()
	r.tags = append(r.tags, *info)
	r.mu.Unlock()
	return ctx
}

func (r *recordingStats) HandleRequest(_ context.Context, s stats.RequestStats) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recordingStats) ends() []*stats.End {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*stats.End
	for _, e := range r.events {
		if end, ok := e.(*stats.End); ok {
			out = append(out, end)
		}
	}
	return out
}

// stuckTransport never finishes a bind on its own: either Ready waits for
// Close or Listen waits for the bind context to end.
type stuckTransport struct {
	*memory.Transport
	blockReady bool
	entered    chan struct{}
	gate       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
}

func newStuckTransport(blockReady bool) *stuckTransport {
	return &stuckTransport{
		Transport:  memory.New(),
		blockReady: blockReady,
		entered:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
}

func (s *stuckTransport) Ready() error {
	if s.blockReady {
		close(s.entered)
		<-s.gate
	}
	return s.Transport.Ready()
}

func (s *stuckTransport) Listen(ctx context.Context, service string, opts transport.Options) (transport.Listener, error) {
	l, err := s.Transport.Listen(ctx, service, opts)
	if !s.blockReady {
		close(s.entered)
		<-ctx.Done()
	}
	return l, err
}

func (s *stuckTransport) Close() error {
	s.closeOnce.Do(func() { close(s.gate) })
	s.closed.Store(true)
	return s.Transport.Close()
}
