package protocol

import "encoding/binary"

// Response is a reply PDU. Read responses carry a byte-packed payload,
// ExceptionResponse carries a single exception code.
type Response interface {
	// Function returns the function code written on the wire.
	Function() FunctionCode
	// Payload returns the bytes that follow the function code.
	Payload() []byte
}

// ReadCoilsResponse holds coil states packed one bit per point.
type ReadCoilsResponse struct{ Data []byte }

// ReadDiscreteInputsResponse holds input states packed one bit per point.
type ReadDiscreteInputsResponse struct{ Data []byte }

// ReadHoldingRegistersResponse holds one big-endian word per register.
type ReadHoldingRegistersResponse struct{ Data []byte }

// ReadInputRegistersResponse holds one big-endian word per register.
type ReadInputRegistersResponse struct{ Data []byte }

func (*ReadCoilsResponse) Function() FunctionCode            { return FuncReadCoils }
func (*ReadDiscreteInputsResponse) Function() FunctionCode   { return FuncReadDiscreteInputs }
func (*ReadHoldingRegistersResponse) Function() FunctionCode { return FuncReadHoldingRegisters }
func (*ReadInputRegistersResponse) Function() FunctionCode   { return FuncReadInputRegisters }

func (r *ReadCoilsResponse) Payload() []byte            { return r.Data }
func (r *ReadDiscreteInputsResponse) Payload() []byte   { return r.Data }
func (r *ReadHoldingRegistersResponse) Payload() []byte { return r.Data }
func (r *ReadInputRegistersResponse) Payload() []byte   { return r.Data }

// ExceptionResponse reports that a request could not be served.
type ExceptionResponse struct {
	Func FunctionCode
	Code ExceptionCode
}

func (e *ExceptionResponse) Function() FunctionCode { return e.Func | exceptionBit }

func (e *ExceptionResponse) Payload() []byte { return []byte{byte(e.Code)} }

func NewReadCoilsResponse(coils []bool) *ReadCoilsResponse {
	return &ReadCoilsResponse{Data: PackBits(coils)}
}

func NewReadDiscreteInputsResponse(inputs []bool) *ReadDiscreteInputsResponse {
	return &ReadDiscreteInputsResponse{Data: PackBits(inputs)}
}

func NewReadHoldingRegistersResponse(registers []uint16) *ReadHoldingRegistersResponse {
	return &ReadHoldingRegistersResponse{Data: PackRegisters(registers)}
}

func NewReadInputRegistersResponse(registers []uint16) *ReadInputRegistersResponse {
	return &ReadInputRegistersResponse{Data: PackRegisters(registers)}
}

// PayloadLen returns the payload size a read of quantity points must produce.
func PayloadLen(fc FunctionCode, quantity uint16) int {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return (int(quantity) + 7) / 8
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return 2 * int(quantity)
	}
	return 0
}

// PackBits packs point i into byte i/8 at bit i%8.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, on := range bits {
		if on {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// UnpackBits returns the first n points of a packed payload.
func UnpackBits(data []byte, n int) []bool {
	if n > len(data)*8 {
		n = len(data) * 8
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out
}

// ClearTrailingBits zeroes every bit at index >= n in a packed payload.
func ClearTrailingBits(data []byte, n int) {
	for i := n; i < len(data)*8; i++ {
		data[i/8] &^= 1 << (uint(i) % 8)
	}
}

// PackRegisters writes each value as a big-endian word, in order.
func PackRegisters(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// UnpackRegisters is the inverse of PackRegisters.
func UnpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}

// ParseResponse decodes a response PDU, the client half of EncodeResponse.
func ParseResponse(pdu []byte) (Response, error) {
	if len(pdu) < 2 {
		return nil, ErrMalformedFrame
	}

	fc := FunctionCode(pdu[0])
	if fc&exceptionBit != 0 {
		if len(pdu) != 2 {
			return nil, ErrMalformedFrame
		}
		return &ExceptionResponse{Func: fc &^ exceptionBit, Code: ExceptionCode(pdu[1])}, nil
	}

	n := int(pdu[1])
	if len(pdu) != 2+n {
		return nil, ErrMalformedFrame
	}
	data := append([]byte(nil), pdu[2:]...)

	switch fc {
	case FuncReadCoils:
		return &ReadCoilsResponse{Data: data}, nil
	case FuncReadDiscreteInputs:
		return &ReadDiscreteInputsResponse{Data: data}, nil
	case FuncReadHoldingRegisters:
		return &ReadHoldingRegistersResponse{Data: data}, nil
	case FuncReadInputRegisters:
		return &ReadInputRegistersResponse{Data: data}, nil
	}
	return nil, ErrIllegalFunction
}
