// Package ziti binds services on an OpenZiti overlay network. Callers are
// authenticated by the overlay, so accepted sessions carry their identity.
package ziti

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/openziti/sdk-golang/ziti"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/transport"
)

const Name = "ziti"

var (
	ErrNotAuthenticated = errors.New("ziti: context not authenticated")
	ErrClosed           = errors.New("ziti: transport closed")
)

// Transport adapts a ziti.Context. The context must be authenticated, either
// by the caller before New or through Authenticate, before anything binds.
type Transport struct {
	zctx          ziti.Context
	authenticated atomic.Bool
	closed        atomic.Bool
}

// New adapts zctx. authenticated tells whether the caller already logged it in.
func New(zctx ziti.Context, authenticated bool) *Transport {
	t := &Transport{zctx: zctx}
	t.authenticated.Store(authenticated)
	return t
}

// NewFromFile loads an enrolled identity file and authenticates it.
func NewFromFile(path string) (*Transport, error) {
	zctx, err := ziti.NewContextFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", path, err)
	}
	t := New(zctx, false)
	if err := t.Authenticate(); err != nil {
		zctx.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) Name() string { return Name }

// Authenticate logs the identity in with the controller.
func (t *Transport) Authenticate() error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.zctx.Authenticate(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	t.authenticated.Store(true)
	return nil
}

// Ready reports whether the context has been authenticated. It never
// contacts the controller.
func (t *Transport) Ready() error {
	switch {
	case t.closed.Load():
		return ErrClosed
	case !t.authenticated.Load():
		return ErrNotAuthenticated
	}
	return nil
}

// IdentityName returns the name of the loaded identity.
func (t *Transport) IdentityName() (string, error) {
	id, err := t.zctx.GetCurrentIdentity()
	if err != nil {
		return "", err
	}
	if id == nil || id.Name == nil {
		return "", errors.New("ziti: identity has no name")
	}
	return *id.Name, nil
}

// ServiceAvailable reports whether the identity may see service. Bind checks
// it before listening.
func (t *Transport) ServiceAvailable(service string) (bool, error) {
	services, err := t.zctx.GetServices()
	if err != nil {
		return false, err
	}
	for _, svc := range services {
		if svc.Name != nil && *svc.Name == service {
			return true, nil
		}
	}
	return false, nil
}

func (t *Transport) Listen(ctx context.Context, service string, opts transport.Options) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lo := ziti.DefaultListenOptions()
	lo.Identity = opts.Identity
	lo.Cost = opts.Cost
	if opts.MaxConnections > 0 {
		lo.MaxConnections = opts.MaxConnections
	}
	switch opts.Precedence {
	case "required":
		lo.Precedence = ziti.PrecedenceRequired
	case "failed":
		lo.Precedence = ziti.PrecedenceFailed
	}

	lis, err := t.zctx.ListenWithOptions(service, lo)
	if err != nil {
		return nil, err
	}

	return &listener{Listener: lis, service: service}, nil
}

func (t *Transport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.zctx.Close()
	}
	return nil
}

type listener struct {
	net.Listener
	service string
}

func (l *listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c, session: sessionOf(c, l.service)}, nil
}

// Release is a no-op: closing a ziti listener removes its terminator.
func (l *listener) Release() error {
	return nil
}

type sourceIdentifier interface {
	SourceIdentifier() string
}

type identified interface {
	Id() uint32
}

func sessionOf(c net.Conn, service string) peer.Session {
	s := peer.Session{Service: service}
	if si, ok := c.(sourceIdentifier); ok {
		s.CallerID = si.SourceIdentifier()
	}
	if id, ok := c.(identified); ok {
		s.ID = strconv.FormatUint(uint64(id.Id()), 10)
	}
	return s
}

type conn struct {
	net.Conn
	session peer.Session
}

func (c *conn) Session() peer.Session { return c.session }
