package protocol

import "errors"

var (
	// ErrInvalidLength means the MBAP length field is outside 2..254. Framing
	// is lost and the connection cannot be resynchronised.
	ErrInvalidLength = errors.New("protocol: invalid mbap length")
	// ErrInvalidProtocol means the frame was consumed but is not Modbus.
	ErrInvalidProtocol = errors.New("protocol: invalid protocol id")

	ErrMalformedFrame  = errors.New("protocol: malformed frame")
	ErrInvalidQuantity = errors.New("protocol: invalid quantity")
	ErrInvalidAddress  = errors.New("protocol: address range out of bounds")
	ErrIllegalFunction = errors.New("protocol: unsupported function code")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrUnknownResponse = errors.New("protocol: unknown response type")
)

// ExceptionFor maps a decode error to the exception code a server would
// answer with. ok is false for errors that have no sensible reply.
func ExceptionFor(err error) (code ExceptionCode, ok bool) {
	switch {
	case errors.Is(err, ErrIllegalFunction):
		return IllegalFunction, true
	case errors.Is(err, ErrInvalidQuantity):
		return IllegalDataValue, true
	case errors.Is(err, ErrInvalidAddress):
		return IllegalDataAddress, true
	}
	return 0, false
}
