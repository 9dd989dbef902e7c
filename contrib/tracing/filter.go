package tracing

import (
	"context"

	"github.com/crazyfrankie/zmodbus/protocol"
	"github.com/crazyfrankie/zmodbus/stats"
)

// Filter is a predicate used to determine whether a given request should be
// traced. A Filter must be concurrent safe.
type Filter func(ctx context.Context, info *stats.RequestTagInfo) bool

// AcceptAll returns a Filter that accepts all requests.
func AcceptAll() Filter {
	return func(context.Context, *stats.RequestTagInfo) bool {
		return true
	}
}

// RejectAll returns a Filter that rejects all requests.
func RejectAll() Filter {
	return func(context.Context, *stats.RequestTagInfo) bool {
		return false
	}
}

// FunctionFilter returns a Filter that accepts only the given function codes.
func FunctionFilter(fcs ...protocol.FunctionCode) Filter {
	set := make(map[protocol.FunctionCode]struct{}, len(fcs))
	for _, fc := range fcs {
		set[fc] = struct{}{}
	}
	return func(_ context.Context, info *stats.RequestTagInfo) bool {
		_, ok := set[info.Function]
		return ok
	}
}

// UnitFilter returns a Filter that accepts only requests addressed to units.
func UnitFilter(units ...byte) Filter {
	return func(_ context.Context, info *stats.RequestTagInfo) bool {
		for _, u := range units {
			if info.UnitID == u {
				return true
			}
		}
		return false
	}
}

// Any returns a Filter that accepts requests that are accepted by any of the given filters.
func Any(filters ...Filter) Filter {
	return func(ctx context.Context, info *stats.RequestTagInfo) bool {
		for _, filter := range filters {
			if filter(ctx, info) {
				return true
			}
		}
		return false
	}
}

// All returns a Filter that accepts requests that are accepted by all of the given filters.
func All(filters ...Filter) Filter {
	return func(ctx context.Context, info *stats.RequestTagInfo) bool {
		for _, filter := range filters {
			if !filter(ctx, info) {
				return false
			}
		}
		return true
	}
}

// Not returns a Filter that accepts requests that are rejected by the given filter.
func Not(filter Filter) Filter {
	return func(ctx context.Context, info *stats.RequestTagInfo) bool {
		return !filter(ctx, info)
	}
}
