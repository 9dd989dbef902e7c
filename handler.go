package zmodbus

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/protocol"
)

type (
	ReadCoilsHandler func(ctx context.Context, req *protocol.ReadCoilsRequest) (*protocol.ReadCoilsResponse, error)

	ReadDiscreteInputsHandler func(ctx context.Context, req *protocol.ReadDiscreteInputsRequest) (*protocol.ReadDiscreteInputsResponse, error)

	ReadHoldingRegistersHandler func(ctx context.Context, req *protocol.ReadHoldingRegistersRequest) (*protocol.ReadHoldingRegistersResponse, error)

	ReadInputRegistersHandler func(ctx context.Context, req *protocol.ReadInputRegistersRequest) (*protocol.ReadInputRegistersResponse, error)
)

// HandlerTable maps each read kind to the handler answering it. A nil field
// leaves the kind unmapped: requests of that kind are logged and dropped.
// A handler returning a nil response and a nil error answers nothing.
type HandlerTable struct {
	ReadCoils            ReadCoilsHandler
	ReadDiscreteInputs   ReadDiscreteInputsHandler
	ReadHoldingRegisters ReadHoldingRegistersHandler
	ReadInputRegisters   ReadInputRegistersHandler
}

// Handles reports whether fc has a handler.
func (t *HandlerTable) Handles(fc protocol.FunctionCode) bool {
	switch fc {
	case protocol.FuncReadCoils:
		return t.ReadCoils != nil
	case protocol.FuncReadDiscreteInputs:
		return t.ReadDiscreteInputs != nil
	case protocol.FuncReadHoldingRegisters:
		return t.ReadHoldingRegisters != nil
	case protocol.FuncReadInputRegisters:
		return t.ReadInputRegisters != nil
	}
	return false
}

// HandlerError is a handler failure. The request gets no normal response.
type HandlerError struct {
	Function protocol.FunctionCode
	Session  peer.Session
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("zmodbus: %s handler failed: %v", e.Function, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Dispatch routes req to its handler. A nil response with a nil error means
// nothing is to be sent. Handler errors and panics come back as *HandlerError.
func Dispatch(ctx context.Context, t *HandlerTable, req protocol.Request) (resp protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			zap.L().Error("handler panic", zap.Stringer("function", req.Function()), zap.Any("panic", r), zap.ByteString("stack", buf))

			resp = nil
			err = newHandlerError(ctx, req, fmt.Errorf("panic: %v", r))
		}
	}()

	if !t.Handles(req.Function()) {
		LogReceipt(ctx, req)
		return nil, nil
	}

	switch req := req.(type) {
	case *protocol.ReadCoilsRequest:
		r, err := t.ReadCoils(ctx, req)
		if err != nil || r == nil {
			return nil, wrapHandlerError(ctx, req, err)
		}
		return checkResponse(ctx, req, r)
	case *protocol.ReadDiscreteInputsRequest:
		r, err := t.ReadDiscreteInputs(ctx, req)
		if err != nil || r == nil {
			return nil, wrapHandlerError(ctx, req, err)
		}
		return checkResponse(ctx, req, r)
	case *protocol.ReadHoldingRegistersRequest:
		r, err := t.ReadHoldingRegisters(ctx, req)
		if err != nil || r == nil {
			return nil, wrapHandlerError(ctx, req, err)
		}
		return checkResponse(ctx, req, r)
	case *protocol.ReadInputRegistersRequest:
		r, err := t.ReadInputRegisters(ctx, req)
		if err != nil || r == nil {
			return nil, wrapHandlerError(ctx, req, err)
		}
		return checkResponse(ctx, req, r)
	}

	LogReceipt(ctx, req)
	return nil, nil
}

// checkResponse enforces that resp answers exactly the requested quantity and
// zeroes the unused high bits of bit payloads.
func checkResponse(ctx context.Context, req protocol.Request, resp protocol.Response) (protocol.Response, error) {
	q := req.Range().Quantity
	payload := resp.Payload()
	if want := protocol.PayloadLen(req.Function(), q); len(payload) != want {
		return nil, newHandlerError(ctx, req, fmt.Errorf("%w: want %d bytes, got %d", ErrQuantityMismatch, want, len(payload)))
	}

	switch req.Function() {
	case protocol.FuncReadCoils, protocol.FuncReadDiscreteInputs:
		protocol.ClearTrailingBits(payload, int(q))
	}
	return resp, nil
}

func wrapHandlerError(ctx context.Context, req protocol.Request, err error) error {
	if err == nil {
		return nil
	}
	return newHandlerError(ctx, req, err)
}

func newHandlerError(ctx context.Context, req protocol.Request, err error) *HandlerError {
	s, _ := peer.FromContext(ctx)
	return &HandlerError{Function: req.Function(), Session: s, Err: err}
}

// LogReceipt logs that req arrived, with the caller identity when the
// transport knows it.
func LogReceipt(ctx context.Context, req protocol.Request) {
	r := req.Range()
	fields := []zap.Field{
		zap.Stringer("function", req.Function()),
		zap.Uint8("unit", r.UnitID),
		zap.Uint16("start", r.Start),
		zap.Uint16("quantity", r.Quantity),
	}

	s, ok := peer.FromContext(ctx)
	if ok && !s.Anonymous() {
		fields = append(fields,
			zap.String("session_id", s.ID),
			zap.String("caller", s.CallerID),
			zap.String("service", s.Service),
		)
		zap.L().Info("received request", fields...)
		return
	}

	remote := "unknown"
	if ok && s.Addr != nil {
		remote = s.Addr.String()
	}
	zap.L().Info("received request", append(fields, zap.String("remote", remote))...)
}

// DemoHandlers answers holding registers with random values in [0,100) and
// coils with random states. Discrete inputs and input registers are logged
// and left unanswered. A nil rng is seeded from the clock.
func DemoHandlers(rng *rand.Rand) HandlerTable {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var mu sync.Mutex

	return HandlerTable{
		ReadHoldingRegisters: func(ctx context.Context, req *protocol.ReadHoldingRegistersRequest) (*protocol.ReadHoldingRegistersResponse, error) {
			LogReceipt(ctx, req)

			values := make([]uint16, req.Quantity)
			mu.Lock()
			for i := range values {
				values[i] = uint16(rng.Intn(100))
			}
			mu.Unlock()

			return protocol.NewReadHoldingRegistersResponse(values), nil
		},
		ReadCoils: func(ctx context.Context, req *protocol.ReadCoilsRequest) (*protocol.ReadCoilsResponse, error) {
			LogReceipt(ctx, req)

			states := make([]bool, req.Quantity)
			mu.Lock()
			for i := range states {
				states[i] = rng.Intn(2) == 1
			}
			mu.Unlock()

			return protocol.NewReadCoilsResponse(states), nil
		},
		ReadDiscreteInputs: func(ctx context.Context, req *protocol.ReadDiscreteInputsRequest) (*protocol.ReadDiscreteInputsResponse, error) {
			LogReceipt(ctx, req)
			return nil, nil
		},
		ReadInputRegisters: func(ctx context.Context, req *protocol.ReadInputRegistersRequest) (*protocol.ReadInputRegistersResponse, error) {
			LogReceipt(ctx, req)
			return nil, nil
		},
	}
}
