package zmodbus

import (
	"context"

	"github.com/crazyfrankie/zmodbus/protocol"
)

// Invoker completes a decoded request. The innermost Invoker dispatches to the
// server's HandlerTable.
type Invoker func(ctx context.Context, req protocol.Request) (protocol.Response, error)

// Middleware provides a hook to intercept every decoded request on the server,
// including kinds the HandlerTable does not map. It is the responsibility of
// the middleware to call next to reach the handler; returning without calling
// it short-circuits the request.
type Middleware func(ctx context.Context, req protocol.Request, next Invoker) (protocol.Response, error)

// chainMiddlewares composes mws so that the first one is outermost.
func chainMiddlewares(mws []Middleware, final Invoker) Invoker {
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], final
		final = func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
			return mw(ctx, req, next)
		}
	}
	return final
}
