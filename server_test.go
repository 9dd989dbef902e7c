package zmodbus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyfrankie/zmodbus/protocol"
	"github.com/crazyfrankie/zmodbus/stats"
	"github.com/crazyfrankie/zmodbus/transport"
	"github.com/crazyfrankie/zmodbus/transport/memory"
)

func TestDemoScenario(t *testing.T) {
	observeLogs(t)
	_, tr := startServer(t, WithHandlers(DemoHandlers(rand.New(rand.NewSource(1)))))
	c := dialClient(t, tr, "plc-client")

	c.send(1, holding(0, 4))
	h, resp := c.recv()
	assert.Equal(t, uint16(1), h.TransactionID())
	assert.Equal(t, byte(1), h.UnitID())
	regs, ok := resp.(*protocol.ReadHoldingRegistersResponse)
	require.True(t, ok, "got %T", resp)
	require.Len(t, regs.Data, 8)
	for _, v := range protocol.UnpackRegisters(regs.Data) {
		assert.Less(t, v, uint16(100))
	}

	// discrete inputs are logged and never answered
	c.send(2, discrete(0, 1))

	c.send(3, coils(0, 9))
	h, resp = c.recv()
	assert.Equal(t, uint16(3), h.TransactionID())
	cs, ok := resp.(*protocol.ReadCoilsResponse)
	require.True(t, ok, "got %T", resp)
	require.Len(t, cs.Data, 2)
	assert.Zero(t, cs.Data[1]&0xFE)
}

func TestReceiptCarriesCaller(t *testing.T) {
	logs := observeLogs(t)
	_, tr := startServer(t, WithHandlers(DemoHandlers(nil)))
	c := dialClient(t, tr, "plc-client")

	c.send(7, inputs(10, 2))
	c.send(8, holding(0, 1))
	h, _ := c.recv()
	require.Equal(t, uint16(8), h.TransactionID())

	entries := logs.FilterMessage("received request").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "ReadInputRegisters", fields["function"])
	assert.Equal(t, "plc-client", fields["caller"])
	assert.Equal(t, testService, fields["service"])
	assert.EqualValues(t, 10, fields["start"])
	assert.EqualValues(t, 2, fields["quantity"])
}

func TestUnmappedKindIsDroppedByDefault(t *testing.T) {
	logs := observeLogs(t)
	_, tr := startServer(t, WithHandlers(HandlerTable{
		ReadCoils: DemoHandlers(nil).ReadCoils,
	}))
	c := dialClient(t, tr, "")

	c.send(1, holding(0, 4))
	c.send(2, coils(0, 1))
	h, _ := c.recv()
	assert.Equal(t, uint16(2), h.TransactionID())

	entries := logs.FilterMessage("received request").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "ReadHoldingRegisters", entries[0].ContextMap()["function"])
	assert.Contains(t, entries[0].ContextMap(), "remote")
}

func TestMalformedRequestsAreSilentByDefault(t *testing.T) {
	observeLogs(t)
	_, tr := startServer(t, WithHandlers(DemoHandlers(nil)))
	c := dialClient(t, tr, "")

	c.send(1, coils(0, 0))
	c.send(2, holding(65535, 2))
	c.write(rawFrame(3, 0, 1, 0x05, 0, 0, 0, 1))
	c.write(rawFrame(4, 0, 1, 0x03, 0, 0))
	c.send(5, holding(0, 1))

	h, _ := c.recv()
	assert.Equal(t, uint16(5), h.TransactionID())
}

func TestReplyExceptionPolicy(t *testing.T) {
	observeLogs(t)
	table := DemoHandlers(nil)
	table.ReadInputRegisters = func(context.Context, *protocol.ReadInputRegistersRequest) (*protocol.ReadInputRegistersResponse, error) {
		return nil, errors.New("sensor offline")
	}
	table.ReadDiscreteInputs = nil
	_, tr := startServer(t, WithHandlers(table), WithExceptionPolicy(ReplyException))
	c := dialClient(t, tr, "")

	cases := []struct {
		name  string
		frame []byte
		fc    protocol.FunctionCode
		code  protocol.ExceptionCode
	}{
		{"unmapped kind", protocol.EncodeRequest(1, discrete(0, 1)), protocol.FuncReadDiscreteInputs, protocol.IllegalFunction},
		{"unknown function", rawFrame(2, 0, 1, 0x05, 0, 0, 0, 1), 0x05, protocol.IllegalFunction},
		{"zero quantity", protocol.EncodeRequest(3, coils(0, 0)), protocol.FuncReadCoils, protocol.IllegalDataValue},
		{"too many registers", protocol.EncodeRequest(4, holding(0, 126)), protocol.FuncReadHoldingRegisters, protocol.IllegalDataValue},
		{"past address space", protocol.EncodeRequest(5, holding(65535, 2)), protocol.FuncReadHoldingRegisters, protocol.IllegalDataAddress},
		{"handler error", protocol.EncodeRequest(6, inputs(0, 1)), protocol.FuncReadInputRegisters, protocol.ServerDeviceFailure},
	}
	for _, tc := range cases {
		c.write(tc.frame)
		h, resp := c.recv()
		hdr := protocol.Header(tc.frame[:protocol.HeaderLen])
		assert.Equal(t, hdr.TransactionID(), h.TransactionID(), tc.name)

		ex, ok := resp.(*protocol.ExceptionResponse)
		require.True(t, ok, "%s: got %T", tc.name, resp)
		assert.Equal(t, tc.fc, ex.Func, tc.name)
		assert.Equal(t, tc.code, ex.Code, tc.name)
	}

	// truncated PDUs stay silent under either policy
	c.write(rawFrame(9, 0, 1, 0x03, 0, 0))
	c.send(10, holding(0, 1))
	h, _ := c.recv()
	assert.Equal(t, uint16(10), h.TransactionID())
}

func TestHandlerPanicKeepsConnection(t *testing.T) {
	observeLogs(t)
	table := DemoHandlers(nil)
	table.ReadHoldingRegisters = func(context.Context, *protocol.ReadHoldingRegistersRequest) (*protocol.ReadHoldingRegistersResponse, error) {
		panic("boom")
	}
	_, tr := startServer(t, WithHandlers(table))
	c := dialClient(t, tr, "")

	c.send(1, holding(0, 1))
	c.send(2, coils(0, 3))
	h, _ := c.recv()
	assert.Equal(t, uint16(2), h.TransactionID())
}

func TestQuantityMismatchIsNotSent(t *testing.T) {
	observeLogs(t)
	table := HandlerTable{
		ReadHoldingRegisters: func(_ context.Context, req *protocol.ReadHoldingRegistersRequest) (*protocol.ReadHoldingRegistersResponse, error) {
			return protocol.NewReadHoldingRegistersResponse(make([]uint16, req.Quantity-1)), nil
		},
	}
	_, tr := startServer(t, WithHandlers(table), WithExceptionPolicy(ReplyException))
	c := dialClient(t, tr, "")

	c.send(1, holding(0, 4))
	_, resp := c.recv()
	ex, ok := resp.(*protocol.ExceptionResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, protocol.ServerDeviceFailure, ex.Code)
}

func TestResponsesFollowRequestOrder(t *testing.T) {
	observeLogs(t)
	table := DemoHandlers(nil)
	slow := table.ReadHoldingRegisters
	table.ReadHoldingRegisters = func(ctx context.Context, req *protocol.ReadHoldingRegistersRequest) (*protocol.ReadHoldingRegistersResponse, error) {
		time.Sleep(time.Duration(req.Start) * time.Millisecond)
		return slow(ctx, req)
	}
	_, tr := startServer(t, WithHandlers(table))
	c := dialClient(t, tr, "")

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			start := uint16(n - i)
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			c.conn.Write(protocol.EncodeRequest(uint16(i), holding(start, 2)))
		}
	}()

	for i := 0; i < n; i++ {
		h, resp := c.recv()
		require.Equal(t, uint16(i), h.TransactionID())
		require.Len(t, resp.Payload(), 4)
	}
}

func TestConcurrentConnections(t *testing.T) {
	observeLogs(t)
	_, tr := startServer(t, WithHandlers(DemoHandlers(nil)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c := dialClient(t, tr, "")
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			for tx := uint16(0); tx < 10; tx++ {
				c.send(tx, holding(0, 3))
				h, resp := c.recv()
				assert.Equal(t, tx, h.TransactionID())
				assert.Len(t, resp.Payload(), 6)
			}
		}(c)
	}
	wg.Wait()
}

func TestInvalidLengthClosesConnection(t *testing.T) {
	observeLogs(t)
	_, tr := startServer(t, WithHandlers(DemoHandlers(nil)))
	c := dialClient(t, tr, "")

	c.write(rawFrame(1, 0, 1)[:protocol.HeaderLen])
	c.requireClosed()
}

func TestForeignProtocolFrameIsSkipped(t *testing.T) {
	observeLogs(t)
	_, tr := startServer(t, WithHandlers(DemoHandlers(nil)))
	c := dialClient(t, tr, "")

	c.write(rawFrame(1, 7, 1, 0x03, 0, 0, 0, 1))
	c.send(2, holding(0, 1))
	h, _ := c.recv()
	assert.Equal(t, uint16(2), h.TransactionID())
}

func TestIdleConnectionIsClosed(t *testing.T) {
	observeLogs(t)
	_, tr := startServer(t, WithHandlers(DemoHandlers(nil)), WithReadTimeout(50*time.Millisecond))
	c := dialClient(t, tr, "")

	c.requireClosed()
}

func TestLifecycle(t *testing.T) {
	observeLogs(t)
	tr := memory.New()
	srv := NewServer(tr, WithHandlers(DemoHandlers(nil)))
	assert.Equal(t, Created, srv.State())
	assert.Empty(t, srv.Bindings())

	require.NoError(t, srv.Start(context.Background(), testService, transport.WithIdentity("plc-7")))
	assert.Equal(t, Running, srv.State())
	assert.ErrorIs(t, srv.Start(context.Background(), testService), ErrServerStarted)

	bindings := srv.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, testService, bindings[0].Service)
	assert.Equal(t, "plc-7", bindings[0].Identity)
	assert.Equal(t, memory.Name, bindings[0].Transport)

	require.NoError(t, srv.Stop())
	assert.Equal(t, Stopped, srv.State())
	assert.Empty(t, srv.Bindings())
	assert.Empty(t, tr.Services())
	assert.Error(t, tr.Ready())

	assert.NoError(t, srv.Stop())
	assert.ErrorIs(t, srv.Start(context.Background(), testService), ErrServerStarted)
	assert.Equal(t, Stopped, srv.State())
}

func TestStopBeforeStart(t *testing.T) {
	tr := memory.New()
	srv := NewServer(tr)

	require.NoError(t, srv.Stop())
	assert.Equal(t, Stopped, srv.State())
	assert.ErrorIs(t, tr.Ready(), memory.ErrClosed)
	assert.ErrorIs(t, srv.Start(context.Background(), testService), ErrServerStarted)
}

func TestStartWithUnreadyTransport(t *testing.T) {
	observeLogs(t)
	tr := memory.New()
	tr.SetReady(errors.New("not authenticated"))
	srv := NewServer(tr)

	err := srv.Start(context.Background(), testService)
	assert.ErrorIs(t, err, ErrTransportContextInvalid)
	assert.NotErrorIs(t, err, ErrBindFailed)
	assert.Equal(t, Stopped, srv.State())
	assert.NoError(t, srv.Stop())
}

func TestStartWithTakenService(t *testing.T) {
	observeLogs(t)
	tr := memory.New()
	_, err := tr.Listen(context.Background(), testService, transport.Options{})
	require.NoError(t, err)

	srv := NewServer(tr)
	err = srv.Start(context.Background(), testService)
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.ErrorIs(t, err, memory.ErrServiceBound)
	assert.Equal(t, Stopped, srv.State())
	assert.ErrorIs(t, tr.Ready(), memory.ErrClosed)
}

func TestStartWithEmptyService(t *testing.T) {
	observeLogs(t)
	srv := NewServer(memory.New())

	err := srv.Start(context.Background(), "")
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.Equal(t, Stopped, srv.State())
}

func TestStopDuringStart(t *testing.T) {
	observeLogs(t)
	for _, tc := range []struct {
		name       string
		blockReady bool
	}{
		{"waiting for readiness", true},
		{"waiting for listen", false},
	} {
		tr := newStuckTransport(tc.blockReady)
		srv := NewServer(tr, WithHandlers(DemoHandlers(nil)))

		started := make(chan error, 1)
		go func() { started <- srv.Start(context.Background(), testService) }()

		select {
		case <-tr.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: bind never reached the transport", tc.name)
		}
		assert.Equal(t, Starting, srv.State(), tc.name)

		stopped := make(chan error, 1)
		go func() { stopped <- srv.Stop() }()

		select {
		case err := <-started:
			assert.ErrorIs(t, err, context.Canceled, tc.name)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: start did not return after stop", tc.name)
		}
		select {
		case err := <-stopped:
			assert.NoError(t, err, tc.name)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: stop did not return", tc.name)
		}

		assert.Equal(t, Stopped, srv.State(), tc.name)
		assert.True(t, tr.closed.Load(), tc.name)
		assert.Empty(t, srv.Bindings(), tc.name)
		assert.Eventually(t, func() bool { return len(tr.Services()) == 0 }, time.Second, 5*time.Millisecond, tc.name)
	}
}

func TestStopOrder(t *testing.T) {
	observeLogs(t)
	tr := &recordingTransport{Transport: memory.New()}
	srv := NewServer(tr, WithHandlers(DemoHandlers(nil)))
	require.NoError(t, srv.Start(context.Background(), testService))

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
	assert.Equal(t, []string{"listener.close", "listener.release", "transport.close"}, tr.Events())
}

func TestStopWaitsForInFlightRequest(t *testing.T) {
	observeLogs(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	table := HandlerTable{
		ReadHoldingRegisters: func(_ context.Context, req *protocol.ReadHoldingRegistersRequest) (*protocol.ReadHoldingRegistersResponse, error) {
			close(entered)
			<-release
			return protocol.NewReadHoldingRegistersResponse(make([]uint16, req.Quantity)), nil
		},
	}
	srv, tr := startServer(t, WithHandlers(table))
	c := dialClient(t, tr, "")

	c.send(1, holding(0, 2))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop() }()

	require.Eventually(t, func() bool { return srv.State() == Stopping }, time.Second, 5*time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	h, resp := c.recv()
	assert.Equal(t, uint16(1), h.TransactionID())
	assert.Len(t, resp.Payload(), 4)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, Stopped, srv.State())
	c.requireClosed()
}

func TestServeReturnsOnCancel(t *testing.T) {
	observeLogs(t)
	tr := memory.New()
	srv := NewServer(tr, WithHandlers(DemoHandlers(nil)))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, testService) }()

	require.Eventually(t, func() bool { return srv.State() == Running }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.Equal(t, Stopped, srv.State())
}

func TestBuffersAreReturned(t *testing.T) {
	observeLogs(t)
	pool := newCountingPool()
	srv, tr := startServer(t,
		WithHandlers(DemoHandlers(nil)),
		WithBufferPool(pool),
		WithExceptionPolicy(ReplyException),
	)
	c := dialClient(t, tr, "")

	c.send(1, holding(0, 10))
	c.recv()
	c.send(2, coils(0, 0))
	c.recv()
	c.send(3, discrete(0, 1))
	c.write(rawFrame(4, 9, 1, 0x03, 0, 0, 0, 1))
	c.send(5, coils(0, 17))
	c.recv()

	require.NoError(t, srv.Stop())
	assert.Positive(t, pool.gets.Load())
	assert.Equal(t, pool.gets.Load(), pool.puts.Load())
}

func TestStatsHandlerSeesOutcomes(t *testing.T) {
	observeLogs(t)
	rec := &recordingStats{}
	srv, tr := startServer(t,
		WithHandlers(DemoHandlers(nil)),
		WithExceptionPolicy(ReplyException),
		WithStatsHandler(rec),
	)
	c := dialClient(t, tr, "")

	c.send(1, holding(0, 2))
	c.recv()
	c.send(2, discrete(0, 1))
	c.send(3, coils(0, 0))
	c.recv()

	require.NoError(t, srv.Stop())

	ends := rec.ends()
	require.Len(t, ends, 3)
	assert.Equal(t, stats.Responded, ends[0].Outcome)
	assert.Equal(t, stats.NoResponse, ends[1].Outcome)
	assert.Equal(t, stats.Exception, ends[2].Outcome)
	assert.ErrorIs(t, ends[2].Error, protocol.ErrInvalidQuantity)

	require.Len(t, rec.tags, 3)
	assert.Equal(t, protocol.FuncReadDiscreteInputs, rec.tags[1].Function)
	assert.Equal(t, uint16(3), rec.tags[2].TransactionID)

	require.Len(t, rec.conns, 2)
	assert.IsType(t, &stats.ConnBegin{}, rec.conns[0])
	end, ok := rec.conns[1].(*stats.ConnEnd)
	require.True(t, ok)
	assert.Equal(t, 3, end.Requests)
}

func TestMiddlewareOrder(t *testing.T) {
	observeLogs(t)
	var (
		mu    sync.Mutex
		order []string
	)
	mark := func(name string) Middleware {
		return func(ctx context.Context, req protocol.Request, next Invoker) (protocol.Response, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return next(ctx, req)
		}
	}
	_, tr := startServer(t,
		WithHandlers(DemoHandlers(nil)),
		WithMiddleware(mark("outer")),
		WithChainMiddleware(mark("first"), mark("second")),
	)
	c := dialClient(t, tr, "")

	c.send(1, holding(0, 1))
	c.recv()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer", "first", "second"}, order)
}

func TestMiddlewareCanAnswer(t *testing.T) {
	observeLogs(t)
	deny := func(ctx context.Context, req protocol.Request, next Invoker) (protocol.Response, error) {
		if req.Range().UnitID != 1 {
			return &protocol.ExceptionResponse{Func: req.Function(), Code: protocol.IllegalDataAddress}, nil
		}
		return next(ctx, req)
	}
	_, tr := startServer(t, WithHandlers(DemoHandlers(nil)), WithMiddleware(deny))
	c := dialClient(t, tr, "")

	req := holding(0, 1)
	req.UnitID = 2
	c.send(1, req)
	_, resp := c.recv()
	ex, ok := resp.(*protocol.ExceptionResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, protocol.IllegalDataAddress, ex.Code)
}

func TestMiddlewareSeesUnmappedKinds(t *testing.T) {
	observeLogs(t)
	var (
		mu   sync.Mutex
		seen []protocol.FunctionCode
	)
	filter := func(ctx context.Context, req protocol.Request, next Invoker) (protocol.Response, error) {
		mu.Lock()
		seen = append(seen, req.Function())
		mu.Unlock()
		if req.Range().UnitID != 1 {
			return &protocol.ExceptionResponse{Func: req.Function(), Code: protocol.IllegalDataAddress}, nil
		}
		return next(ctx, req)
	}
	_, tr := startServer(t,
		WithHandlers(HandlerTable{ReadCoils: DemoHandlers(nil).ReadCoils}),
		WithExceptionPolicy(ReplyException),
		WithMiddleware(filter),
	)
	c := dialClient(t, tr, "")

	foreign := inputs(0, 1)
	foreign.UnitID = 9
	c.send(1, foreign)
	_, resp := c.recv()
	ex, ok := resp.(*protocol.ExceptionResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, protocol.IllegalDataAddress, ex.Code)

	c.send(2, inputs(0, 1))
	_, resp = c.recv()
	ex, ok = resp.(*protocol.ExceptionResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, protocol.IllegalFunction, ex.Code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.FunctionCode{protocol.FuncReadInputRegisters, protocol.FuncReadInputRegisters}, seen)
}

func TestWithMiddlewareTwicePanics(t *testing.T) {
	mw := func(ctx context.Context, req protocol.Request, next Invoker) (protocol.Response, error) {
		return next(ctx, req)
	}
	assert.Panics(t, func() {
		NewServer(memory.New(), WithMiddleware(mw), WithMiddleware(mw))
	})
}
