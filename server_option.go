package zmodbus

import (
	"time"

	"github.com/crazyfrankie/zmodbus/mem"
	"github.com/crazyfrankie/zmodbus/stats"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ExceptionPolicy decides what a server does with requests it cannot answer
// normally: unmapped kinds, invalid quantities or addresses, failed handlers.
type ExceptionPolicy int

const (
	// SilentDrop logs the request and sends nothing.
	SilentDrop ExceptionPolicy = iota
	// ReplyException answers with a Modbus exception response.
	ReplyException
)

func (p ExceptionPolicy) String() string {
	if p == ReplyException {
		return "reply_exception"
	}
	return "silent_drop"
}

type serverOption struct {
	handlers         HandlerTable
	srvMiddleware    Middleware
	chainMiddlewares []Middleware
	readTimeout      time.Duration
	writeTimeout     time.Duration
	exceptionPolicy  ExceptionPolicy
	bufferPool       mem.BufferPool
	statsHandlers    stats.Handlers
}

func defaultServerOption() serverOption {
	return serverOption{
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		exceptionPolicy: SilentDrop,
		bufferPool:      mem.DefaultBufferPool(),
	}
}

type ServerOption func(*serverOption)

// WithHandlers sets the handler table. It is copied when the server starts.
func WithHandlers(t HandlerTable) ServerOption {
	return func(opt *serverOption) {
		opt.handlers = t
	}
}

// WithMiddleware sets the outermost middleware.
func WithMiddleware(mw Middleware) ServerOption {
	return func(opt *serverOption) {
		if opt.srvMiddleware != nil {
			panic("The server middleware was already set and may not be reset.")
		}
		opt.srvMiddleware = mw
	}
}

// WithChainMiddleware appends middlewares, run in the given order after the
// one set by WithMiddleware.
func WithChainMiddleware(mws ...Middleware) ServerOption {
	return func(opt *serverOption) {
		opt.chainMiddlewares = append(opt.chainMiddlewares, mws...)
	}
}

// WithReadTimeout sets how long a connection may stay idle between frames.
// Zero disables the deadline.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.readTimeout = d
	}
}

// WithWriteTimeout sets the timeout for writing responses
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.writeTimeout = d
	}
}

// WithExceptionPolicy selects how unanswerable requests are handled.
func WithExceptionPolicy(p ExceptionPolicy) ServerOption {
	return func(opt *serverOption) {
		opt.exceptionPolicy = p
	}
}

// WithBufferPool replaces the pool frames and responses are allocated from.
func WithBufferPool(p mem.BufferPool) ServerOption {
	return func(opt *serverOption) {
		if p != nil {
			opt.bufferPool = p
		}
	}
}

// WithStatsHandler adds a stats handler. Handlers are called in the order
// they were added.
func WithStatsHandler(h stats.Handler) ServerOption {
	return func(opt *serverOption) {
		if h != nil {
			opt.statsHandlers = append(opt.statsHandlers, h)
		}
	}
}
