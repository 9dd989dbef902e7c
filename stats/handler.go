package stats

import (
	"context"
	"time"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/protocol"
)

// Handler defines the interface for request stats collection.
// Implementations must be safe for concurrent use; every connection calls
// into the same Handler from its own goroutine.
type Handler interface {
	// TagRequest can attach some information to the given context.
	// The context used for the rest lifetime of the request will be derived from
	// the returned context.
	TagRequest(ctx context.Context, info *RequestTagInfo) context.Context
	// HandleRequest processes the request stats.
	HandleRequest(ctx context.Context, stats RequestStats)
	// TagConn can attach some information to the given context.
	// The returned context will be used for stats handling.
	TagConn(ctx context.Context, info *ConnTagInfo) context.Context
	// HandleConn processes the Conn stats.
	HandleConn(ctx context.Context, stats ConnStats)
}

// ConnTagInfo defines the relevant information needed by connection context tagger.
type ConnTagInfo struct {
	// Session is the transport session of the connection.
	Session peer.Session
	// Service is the bound service that accepted the connection.
	Service string
}

// RequestTagInfo defines the relevant information needed by request context tagger.
type RequestTagInfo struct {
	// Function is the raw function code of the request.
	Function protocol.FunctionCode
	// UnitID is the addressed unit.
	UnitID byte
	// TransactionID is the MBAP transaction id.
	TransactionID uint16
}

// RequestStats contains stats information about requests.
type RequestStats interface {
	isRequestStats()
}

// Outcome says what the server did with a request.
type Outcome int

const (
	// Responded means a normal response was written.
	Responded Outcome = iota
	// NoResponse means the request was consumed without answer.
	NoResponse
	// Exception means an exception response was written.
	Exception
	// Failed means the response could not be encoded or written.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Responded:
		return "responded"
	case NoResponse:
		return "no_response"
	case Exception:
		return "exception"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Begin contains stats when a request begins.
type Begin struct {
	// BeginTime is the time when the request was decoded.
	BeginTime time.Time
}

func (*Begin) isRequestStats() {}

// InPayload contains the information for an incoming frame.
type InPayload struct {
	// WireLength is the length of the frame on the wire, header included.
	WireLength int
	// RecvTime is the time when the frame is received.
	RecvTime time.Time
}

func (*InPayload) isRequestStats() {}

// OutPayload contains the information for an outgoing frame.
type OutPayload struct {
	// WireLength is the length of the frame on the wire, header included.
	WireLength int
	// SentTime is the time when the frame is sent.
	SentTime time.Time
}

func (*OutPayload) isRequestStats() {}

// End contains stats when a request ends.
type End struct {
	// BeginTime is the time when the request began.
	BeginTime time.Time
	// EndTime is the time when the request ends.
	EndTime time.Time
	// Outcome is what the server did with the request.
	Outcome Outcome
	// Error is the decode, handler or write error the request ended with.
	Error error
}

func (*End) isRequestStats() {}

// ConnStats contains stats information about connections.
type ConnStats interface {
	isConnStats()
}

// ConnBegin contains the stats of a connection when it is established.
type ConnBegin struct {
	BeginTime time.Time
}

func (*ConnBegin) isConnStats() {}

// ConnEnd contains the stats of a connection when it ends.
type ConnEnd struct {
	EndTime time.Time
	// Requests is the number of frames read on the connection.
	Requests int
}

func (*ConnEnd) isConnStats() {}

// Handlers fans every call out to each handler in order.
type Handlers []Handler

func (hs Handlers) TagRequest(ctx context.Context, info *RequestTagInfo) context.Context {
	for _, h := range hs {
		ctx = h.TagRequest(ctx, info)
	}
	return ctx
}

func (hs Handlers) HandleRequest(ctx context.Context, s RequestStats) {
	for _, h := range hs {
		h.HandleRequest(ctx, s)
	}
}

func (hs Handlers) TagConn(ctx context.Context, info *ConnTagInfo) context.Context {
	for _, h := range hs {
		ctx = h.TagConn(ctx, info)
	}
	return ctx
}

func (hs Handlers) HandleConn(ctx context.Context, s ConnStats) {
	for _, h := range hs {
		h.HandleConn(ctx, s)
	}
}
