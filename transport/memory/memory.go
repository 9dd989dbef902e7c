// Package memory is an in-process transport. Services are bound by name and
// dialed over net.Pipe, which makes it the transport of choice for tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/transport"
)

const Name = "memory"

var (
	ErrServiceBound = errors.New("memory: service already bound")
	ErrNoService    = errors.New("memory: no such service")
	ErrClosed       = errors.New("memory: transport closed")
	ErrTooManyConns = errors.New("memory: connection limit reached")
)

// Addr names one side of an in-process connection.
type Addr struct {
	Service string
	Caller  string
}

func (Addr) Network() string { return Name }

func (a Addr) String() string {
	if a.Caller != "" {
		return a.Caller + "@" + a.Service
	}
	return a.Service
}

// ServiceInfo describes a bound service.
type ServiceInfo struct {
	Name      string
	Identity  string
	Metadata  map[string]string
	StartTime time.Time
}

// Transport keeps bound services in memory.
type Transport struct {
	mu       sync.RWMutex
	services map[string]*listener
	closed   bool
	notReady error
	sessions atomic.Uint64
}

func New() *Transport {
	return &Transport{services: make(map[string]*listener)}
}

func (t *Transport) Name() string { return Name }

// SetReady makes Ready report err, which simulates an unauthenticated context.
func (t *Transport) SetReady(err error) {
	t.mu.Lock()
	t.notReady = err
	t.mu.Unlock()
}

func (t *Transport) Ready() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return t.notReady
}

func (t *Transport) Listen(ctx context.Context, service string, opts transport.Options) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if _, ok := t.services[service]; ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceBound, service)
	}

	l := &listener{
		t: t,
		info: ServiceInfo{
			Name:      service,
			Identity:  opts.Identity,
			Metadata:  opts.Metadata,
			StartTime: time.Now(),
		},
		maxConns: opts.MaxConnections,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
	}
	t.services[service] = l

	return l, nil
}

// Close shuts the transport. Bound services stay registered until released,
// but no new binds or dials succeed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Services lists the currently registered services.
func (t *Transport) Services() []ServiceInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := make([]ServiceInfo, 0, len(t.services))
	for _, l := range t.services {
		res = append(res, l.info)
	}
	return res
}

// Dial connects to service as an anonymous caller.
func (t *Transport) Dial(ctx context.Context, service string) (net.Conn, error) {
	return t.DialAs(ctx, "", service)
}

// DialAs connects to service presenting caller as the dialing identity.
func (t *Transport) DialAs(ctx context.Context, caller, service string) (net.Conn, error) {
	t.mu.RLock()
	l, ok := t.services[service]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoService, service)
	}

	if !l.acquire() {
		return nil, ErrTooManyConns
	}

	client, server := net.Pipe()
	callerAddr := Addr{Service: service, Caller: caller}
	serviceAddr := Addr{Service: service}

	sc := &conn{
		Conn:   server,
		local:  serviceAddr,
		remote: callerAddr,
		session: peer.Session{
			CallerID: caller,
			Service:  service,
			ID:       strconv.FormatUint(t.sessions.Add(1), 10),
		},
		release: l.releaseSlot,
	}
	cc := &conn{Conn: client, local: callerAddr, remote: serviceAddr}

	select {
	case l.conns <- sc:
		return cc, nil
	case <-l.done:
		l.releaseSlot()
		client.Close()
		server.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoService, service)
	case <-ctx.Done():
		l.releaseSlot()
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

type listener struct {
	t        *Transport
	info     ServiceInfo
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
	maxConns int
	active   atomic.Int64
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *listener) Addr() net.Addr {
	return Addr{Service: l.info.Name}
}

// Release removes the service from the transport.
func (l *listener) Release() error {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()

	if cur, ok := l.t.services[l.info.Name]; !ok || cur != l {
		return fmt.Errorf("%w: %s", ErrNoService, l.info.Name)
	}
	delete(l.t.services, l.info.Name)
	return nil
}

func (l *listener) acquire() bool {
	if l.maxConns <= 0 {
		return true
	}
	if l.active.Add(1) > int64(l.maxConns) {
		l.active.Add(-1)
		return false
	}
	return true
}

func (l *listener) releaseSlot() {
	if l.maxConns > 0 {
		l.active.Add(-1)
	}
}

type conn struct {
	net.Conn
	local, remote net.Addr
	session       peer.Session
	release       func()
	closeOnce     sync.Once
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }

// Session implements peer.Provider.
func (c *conn) Session() peer.Session { return c.session }

func (c *conn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.release != nil {
			c.release()
		}
	})
	return err
}
