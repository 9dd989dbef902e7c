package zmodbus

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/protocol"
)

func sessionContext() context.Context {
	return peer.NewContext(context.Background(), peer.Session{
		CallerID: "hmi-3",
		Service:  testService,
		ID:       "42",
	})
}

func TestDispatchUnmapped(t *testing.T) {
	logs := observeLogs(t)

	resp, err := Dispatch(sessionContext(), &HandlerTable{}, holding(3, 2))
	assert.NoError(t, err)
	assert.Nil(t, resp)

	entries := logs.FilterMessage("received request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "hmi-3", fields["caller"])
	assert.Equal(t, "42", fields["session_id"])
	assert.EqualValues(t, 3, fields["start"])
}

func TestDispatchHandlerError(t *testing.T) {
	observeLogs(t)
	cause := errors.New("bus timeout")
	table := &HandlerTable{
		ReadInputRegisters: func(context.Context, *protocol.ReadInputRegistersRequest) (*protocol.ReadInputRegistersResponse, error) {
			return nil, cause
		},
	}

	resp, err := Dispatch(sessionContext(), table, inputs(0, 1))
	assert.Nil(t, resp)
	require.ErrorIs(t, err, cause)

	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, protocol.FuncReadInputRegisters, he.Function)
	assert.Equal(t, "hmi-3", he.Session.CallerID)
	assert.Contains(t, he.Error(), "ReadInputRegisters")
}

func TestDispatchRecoversPanic(t *testing.T) {
	logs := observeLogs(t)
	table := &HandlerTable{
		ReadCoils: func(context.Context, *protocol.ReadCoilsRequest) (*protocol.ReadCoilsResponse, error) {
			var m map[string]int
			m["x"]++
			return nil, nil
		},
	}

	resp, err := Dispatch(context.Background(), table, coils(0, 1))
	assert.Nil(t, resp)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, protocol.FuncReadCoils, he.Function)
	assert.True(t, he.Session.Anonymous())
	assert.Equal(t, 1, logs.FilterMessage("handler panic").Len())
}

func TestDispatchNilResponse(t *testing.T) {
	observeLogs(t)
	table := &HandlerTable{
		ReadDiscreteInputs: func(context.Context, *protocol.ReadDiscreteInputsRequest) (*protocol.ReadDiscreteInputsResponse, error) {
			return nil, nil
		},
	}

	resp, err := Dispatch(context.Background(), table, discrete(0, 8))
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestDispatchQuantityMismatch(t *testing.T) {
	table := &HandlerTable{
		ReadCoils: func(context.Context, *protocol.ReadCoilsRequest) (*protocol.ReadCoilsResponse, error) {
			return protocol.NewReadCoilsResponse(make([]bool, 16)), nil
		},
	}

	_, err := Dispatch(context.Background(), table, coils(0, 9))
	assert.NoError(t, err)

	_, err = Dispatch(context.Background(), table, coils(0, 17))
	assert.ErrorIs(t, err, ErrQuantityMismatch)
}

func TestDispatchClearsTrailingBits(t *testing.T) {
	table := &HandlerTable{
		ReadDiscreteInputs: func(context.Context, *protocol.ReadDiscreteInputsRequest) (*protocol.ReadDiscreteInputsResponse, error) {
			return &protocol.ReadDiscreteInputsResponse{Data: []byte{0xFF, 0xFF}}, nil
		},
	}

	resp, err := Dispatch(context.Background(), table, discrete(0, 10))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x03}, resp.Payload())
}

func TestHandlerTableHandles(t *testing.T) {
	table := DemoHandlers(nil)
	for _, fc := range []protocol.FunctionCode{
		protocol.FuncReadCoils,
		protocol.FuncReadDiscreteInputs,
		protocol.FuncReadHoldingRegisters,
		protocol.FuncReadInputRegisters,
	} {
		assert.True(t, table.Handles(fc), fc.String())
	}
	assert.False(t, table.Handles(0x05))

	table.ReadCoils = nil
	assert.False(t, table.Handles(protocol.FuncReadCoils))
}

func TestDemoHandlers(t *testing.T) {
	observeLogs(t)
	ctx := sessionContext()
	a := DemoHandlers(rand.New(rand.NewSource(7)))
	b := DemoHandlers(rand.New(rand.NewSource(7)))

	ra, err := a.ReadHoldingRegisters(ctx, holding(0, 125))
	require.NoError(t, err)
	rb, err := b.ReadHoldingRegisters(ctx, holding(0, 125))
	require.NoError(t, err)
	assert.Equal(t, ra.Data, rb.Data)
	for _, v := range protocol.UnpackRegisters(ra.Data) {
		assert.Less(t, v, uint16(100))
	}

	rc, err := a.ReadCoils(ctx, coils(0, 2000))
	require.NoError(t, err)
	assert.Len(t, rc.Data, 250)

	di, err := a.ReadDiscreteInputs(ctx, discrete(0, 1))
	assert.NoError(t, err)
	assert.Nil(t, di)

	ir, err := a.ReadInputRegisters(ctx, inputs(0, 1))
	assert.NoError(t, err)
	assert.Nil(t, ir)
}

func TestChainMiddlewares(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(ctx context.Context, req protocol.Request, next Invoker) (protocol.Response, error) {
			order = append(order, name+">")
			resp, err := next(ctx, req)
			order = append(order, "<"+name)
			return resp, err
		}
	}
	final := func(context.Context, protocol.Request) (protocol.Response, error) {
		order = append(order, "handler")
		return nil, nil
	}

	_, err := chainMiddlewares([]Middleware{mw("a"), mw("b")}, final)(context.Background(), coils(0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, order)

	order = nil
	_, err = chainMiddlewares(nil, final)(context.Background(), coils(0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"handler"}, order)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "silent_drop", SilentDrop.String())
	assert.Equal(t, "reply_exception", ReplyException.String())
}
