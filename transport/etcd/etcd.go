// Package etcd binds services as TCP listeners whose advertised address is
// published under an etcd lease, so dialers find servers by service name.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/naming/endpoints"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/transport"
)

const (
	Name = "etcd"

	defaultTTL        = 60
	defaultPrefix     = "/zmodbus/services"
	defaultListenAddr = "0.0.0.0:0"
	opTimeout         = 2 * time.Second
)

var ErrNoEndpoints = errors.New("etcd: no endpoints registered")

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// ListenAddr is the local TCP address services are bound on.
	ListenAddr string
	// AdvertiseAddr is published instead of the listener address when set.
	AdvertiseAddr string
	// TTL of the registration lease, in seconds.
	TTL    int64
	Prefix string
}

// Transport registers TCP-bound services in etcd.
type Transport struct {
	client *clientv3.Client
	cfg    Config
	owned  bool
}

// New connects to etcd with cfg.
func New(cfg Config) (*Transport, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd failed: %w", err)
	}

	t := NewWithClient(cli, cfg)
	t.owned = true
	return t, nil
}

// NewWithClient uses an existing client. Close leaves it open.
func NewWithClient(cli *clientv3.Client, cfg Config) *Transport {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	return &Transport{client: cli, cfg: cfg}
}

func (t *Transport) Name() string { return Name }

// Ready checks that at least one etcd member answers.
func (t *Transport) Ready() error {
	var errs error
	for _, ep := range t.client.Endpoints() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		_, err := t.client.Status(ctx, ep)
		cancel()
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		return errors.New("etcd: no endpoints configured")
	}
	return errs
}

func (t *Transport) target(service string) string {
	return t.cfg.Prefix + "/" + service
}

func (t *Transport) Listen(ctx context.Context, service string, opts transport.Options) (transport.Listener, error) {
	lis, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	advertise := t.cfg.AdvertiseAddr
	if advertise == "" {
		advertise = lis.Addr().String()
	}

	md := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		md[k] = v
	}
	if opts.Identity != "" {
		md["identity"] = opts.Identity
	}

	em, err := endpoints.NewManager(t.client, t.target(service))
	if err != nil {
		lis.Close()
		return nil, err
	}

	l := &listener{
		Listener: lis,
		client:   t.client,
		em:       em,
		service:  service,
		key:      t.target(service) + "/" + advertise,
		val:      endpoints.Endpoint{Addr: advertise, Metadata: md},
		ttl:      t.cfg.TTL,
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	if err := l.register(ctx); err != nil {
		l.cancel()
		lis.Close()
		return nil, err
	}

	go l.keepAlive()

	return l, nil
}

// Close closes the etcd client if the transport created it.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	return t.client.Close()
}

type listener struct {
	net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	client *clientv3.Client
	em     endpoints.Manager

	mu      sync.Mutex
	leaseID clientv3.LeaseID

	service string
	key     string
	val     endpoints.Endpoint
	ttl     int64
}

func (l *listener) register(ctx context.Context) error {
	leaseResp, err := l.client.Grant(ctx, l.ttl)
	if err != nil {
		return fmt.Errorf("create lease failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := l.em.AddEndpoint(ctx, l.key, l.val, clientv3.WithLease(leaseResp.ID)); err != nil {
		l.client.Revoke(context.Background(), leaseResp.ID)
		return err
	}

	l.mu.Lock()
	l.leaseID = leaseResp.ID
	l.mu.Unlock()

	return nil
}

func (l *listener) lease() clientv3.LeaseID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaseID
}

// keepAlive renews the lease until Release. A lost lease is re-registered once
// per loss; if that fails the service stays bound but unpublished.
func (l *listener) keepAlive() {
	for {
		keepAliveCh, err := l.client.KeepAlive(l.ctx, l.lease())
		if err != nil {
			zap.L().Error("create keep alive failed", zap.String("service", l.service), zap.Error(err))
			return
		}

		for range keepAliveCh {
		}

		if l.ctx.Err() != nil {
			return
		}

		zap.L().Warn("lease has expired or been revoked, re-register for service", zap.String("service", l.service))
		if err := l.register(l.ctx); err != nil {
			zap.L().Error("re-register service failed", zap.String("service", l.service), zap.Error(err))
			return
		}
	}
}

// Accept wraps connections so sessions carry the service name.
func (l *listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c, service: l.service}, nil
}

// Release deletes the endpoint and revokes its lease.
func (l *listener) Release() error {
	l.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var errs error
	if err := l.em.DeleteEndpoint(ctx, l.key); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete endpoint failed: %w", err))
	}
	if _, err := l.client.Revoke(ctx, l.lease()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("revoke a lease failed: %w", err))
	}
	return errs
}

type conn struct {
	net.Conn
	service string
}

func (c *conn) Session() peer.Session {
	return peer.Session{Service: c.service}
}
