package zmodbus

import (
	"errors"

	"github.com/crazyfrankie/zmodbus/transport"
)

var (
	// ErrServerStarted is returned by Start on a server that is not fresh.
	ErrServerStarted = errors.New("zmodbus: server already started")
	// ErrServerStopped is returned by Start when Stop won the race.
	ErrServerStopped = errors.New("zmodbus: server stopped while starting")
	// ErrQuantityMismatch means a handler answered a different number of
	// points than requested.
	ErrQuantityMismatch = errors.New("zmodbus: response quantity does not match request")

	ErrBindFailed              = transport.ErrBindFailed
	ErrTransportContextInvalid = transport.ErrTransportContextInvalid
)
