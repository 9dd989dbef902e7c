package transport

// Options carries the per-bind settings a transport may honor.
type Options struct {
	// Identity is an optional alias for an addressable terminator: dialers can
	// reach this specific server among several bound to the same service.
	Identity string
	// Cost and Precedence steer overlay routing between terminators.
	Cost       uint16
	Precedence string
	// MaxConnections caps concurrently accepted connections when supported.
	MaxConnections int
	// Metadata is published alongside registry-based bindings.
	Metadata map[string]string
}

type BindOption func(*Options)

// WithIdentity binds using an identity alias.
func WithIdentity(identity string) BindOption {
	return func(o *Options) {
		o.Identity = identity
	}
}

// WithCost sets the terminator cost.
func WithCost(cost uint16) BindOption {
	return func(o *Options) {
		o.Cost = cost
	}
}

// WithPrecedence sets the terminator precedence: "default", "required" or "failed".
func WithPrecedence(p string) BindOption {
	return func(o *Options) {
		o.Precedence = p
	}
}

// WithMaxConnections limits the number of connections the transport accepts.
func WithMaxConnections(n int) BindOption {
	return func(o *Options) {
		if n > 0 {
			o.MaxConnections = n
		}
	}
}

// WithMetadata adds registry metadata, merged over earlier calls.
func WithMetadata(md map[string]string) BindOption {
	return func(o *Options) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			o.Metadata[k] = v
		}
	}
}
