package etcd

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.etcd.io/etcd/client/v3/naming/endpoints"
)

// Resolver looks up the addresses published for a service.
type Resolver struct {
	t *Transport

	mu sync.Mutex
	r  *rand.Rand
}

func (t *Transport) Resolver() *Resolver {
	return &Resolver{t: t, r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Resolve returns the sorted advertised addresses of service.
func (r *Resolver) Resolve(ctx context.Context, service string) ([]string, error) {
	em, err := endpoints.NewManager(r.t.client, r.t.target(service))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	eps, err := em.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, service)
	}

	addrs := make([]string, 0, len(eps))
	for _, ep := range eps {
		addrs = append(addrs, ep.Addr)
	}
	sort.Strings(addrs)

	return addrs, nil
}

// Pick returns one random address of service.
func (r *Resolver) Pick(ctx context.Context, service string) (string, error) {
	addrs, err := r.Resolve(ctx, service)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return addrs[r.r.Intn(len(addrs))], nil
}
