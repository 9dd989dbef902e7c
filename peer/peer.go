package peer

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Session contains the transport-level information of one accepted
// connection. It is read-only for the server and used for observability.
type Session struct {
	// CallerID is the identity of the dialing party. It is empty when the
	// transport does not authenticate callers.
	CallerID string
	// Service is the name of the service the caller dialed.
	Service string
	// ID is the transport-assigned session identifier, if any.
	ID string
	// Addr is the peer address.
	Addr net.Addr
	// LocalAddr is the local address.
	LocalAddr net.Addr
}

// Provider is implemented by connections that carry session metadata,
// e.g. overlay connections that know the caller identity.
type Provider interface {
	Session() Session
}

// FromConn returns the session of conn. Plain connections yield a session
// holding only the addresses.
func FromConn(conn net.Conn) Session {
	if p, ok := conn.(Provider); ok {
		s := p.Session()
		if s.Addr == nil {
			s.Addr = conn.RemoteAddr()
		}
		if s.LocalAddr == nil {
			s.LocalAddr = conn.LocalAddr()
		}
		return s
	}
	return Session{Addr: conn.RemoteAddr(), LocalAddr: conn.LocalAddr()}
}

// Anonymous reports whether the transport supplied no caller identity.
func (s Session) Anonymous() bool {
	return s.CallerID == ""
}

// String ensures the Session type implements the Stringer interface in order to
// allow to print a context with a sessionKey value effectively.
func (s Session) String() string {
	sb := &strings.Builder{}
	sb.WriteString("Session{")
	if s.ID != "" {
		fmt.Fprintf(sb, "ID: '%s', ", s.ID)
	}
	if !s.Anonymous() {
		fmt.Fprintf(sb, "Caller: '%s', ", s.CallerID)
	}
	if s.Service != "" {
		fmt.Fprintf(sb, "Service: '%s', ", s.Service)
	}
	if s.Addr != nil {
		fmt.Fprintf(sb, "Addr: '%s'", s.Addr.String())
	} else {
		fmt.Fprintf(sb, "Addr: <nil>")
	}
	sb.WriteString("}")

	return sb.String()
}

type sessionKey struct{}

// NewContext creates a new context with session information attached.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session information in ctx if it exists.
func FromContext(ctx context.Context) (s Session, ok bool) {
	s, ok = ctx.Value(sessionKey{}).(Session)
	return
}
