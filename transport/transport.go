package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrBindFailed is matched by every error a Future rejects with after the
	// transport was asked to listen.
	ErrBindFailed = errors.New("transport: bind failed")
	// ErrTransportContextInvalid means the transport is not authenticated or
	// otherwise unusable. Nothing was bound.
	ErrTransportContextInvalid = errors.New("transport: context not ready")
	ErrEmptyService            = errors.New("transport: empty service name")
)

// Transport is a network on which servers bind to named services instead of
// host:port pairs. The transport context (credentials, sessions, clients) is
// established by its constructor; the server only consumes it.
type Transport interface {
	// Name identifies the transport in logs and bindings.
	Name() string
	// Ready reports whether the context is authenticated and usable.
	Ready() error
	// Listen binds service and returns its listener.
	Listen(ctx context.Context, service string, opts Options) (Listener, error)
	// Close releases the transport context. No Listener may be open.
	Close() error
}

// ServiceChecker is implemented by transports that can tell beforehand whether
// the authenticated identity may bind a service.
type ServiceChecker interface {
	ServiceAvailable(service string) (bool, error)
}

// Listener is a bound service endpoint.
type Listener interface {
	net.Listener
	// Release withdraws whatever registration made the service reachable.
	// It is called once, after Close.
	Release() error
}

// Binding is a successfully bound service. It is owned by whoever resolved
// the Future, normally the server lifecycle.
type Binding struct {
	Service   string
	Identity  string
	Transport string
	// Addr is the local bound address, kept for shutdown bookkeeping.
	Addr     net.Addr
	BoundAt  time.Time
	Listener Listener

	closed   atomic.Bool
	released atomic.Bool
}

// Close stops accepting new connections. Later calls are no-ops.
func (b *Binding) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.Listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Release closes the listener if needed and withdraws the registration.
// Later calls are no-ops.
func (b *Binding) Release() error {
	if err := b.Close(); err != nil {
		return err
	}
	if !b.released.CompareAndSwap(false, true) {
		return nil
	}
	return b.Listener.Release()
}

// BindingInfo is a copyable snapshot of a Binding.
type BindingInfo struct {
	Service   string    `json:"service"`
	Identity  string    `json:"identity,omitempty"`
	Transport string    `json:"transport"`
	Addr      string    `json:"addr"`
	BoundAt   time.Time `json:"bound_at"`
}

func (b *Binding) Info() BindingInfo {
	info := BindingInfo{
		Service:   b.Service,
		Identity:  b.Identity,
		Transport: b.Transport,
		BoundAt:   b.BoundAt,
	}
	if b.Addr != nil {
		info.Addr = b.Addr.String()
	}
	return info
}

// Released reports whether Release has run.
func (b *Binding) Released() bool {
	return b.released.Load()
}

// BindError is the rejection of a Future.
type BindError struct {
	Service string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: bind %q failed: %v", e.Service, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBindFailed) hold for every BindError.
func (e *BindError) Is(target error) bool { return target == ErrBindFailed }

// Bind asks t to bind service. Only the empty-name check runs on the caller's
// goroutine; readiness, availability and the listen call all happen in the
// background and their outcome is delivered through the Future. On failure
// nothing stays registered: a listener obtained after ctx was cancelled is
// closed and released before the Future rejects.
func Bind(ctx context.Context, t Transport, service string, opts ...BindOption) *Future {
	f := newFuture()

	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}

	if service == "" {
		f.complete(nil, &BindError{Service: service, Err: ErrEmptyService})
		return f
	}

	go func() {
		if err := checkContext(t, service); err != nil {
			f.complete(nil, err)
			return
		}
		if err := ctx.Err(); err != nil {
			f.complete(nil, &BindError{Service: service, Err: err})
			return
		}

		lis, err := t.Listen(ctx, service, o)
		if err != nil {
			f.complete(nil, &BindError{Service: service, Err: err})
			return
		}

		if err := ctx.Err(); err != nil {
			if rerr := multierr.Append(lis.Close(), lis.Release()); rerr != nil {
				zap.L().Warn("failed to withdraw cancelled binding",
					zap.String("service", service),
					zap.String("transport", t.Name()),
					zap.Error(rerr),
				)
				err = multierr.Append(err, rerr)
			}
			f.complete(nil, &BindError{Service: service, Err: err})
			return
		}

		f.complete(&Binding{
			Service:   service,
			Identity:  o.Identity,
			Transport: t.Name(),
			Addr:      lis.Addr(),
			BoundAt:   time.Now(),
			Listener:  lis,
		}, nil)
	}()

	return f
}

// checkContext rejects with ErrTransportContextInvalid when t cannot bind
// service at all.
func checkContext(t Transport, service string) error {
	if err := t.Ready(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportContextInvalid, t.Name(), err)
	}
	sc, ok := t.(ServiceChecker)
	if !ok {
		return nil
	}
	ok, err := sc.ServiceAvailable(service)
	if err == nil && !ok {
		err = fmt.Errorf("service %q not available", service)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportContextInvalid, t.Name(), err)
	}
	return nil
}
