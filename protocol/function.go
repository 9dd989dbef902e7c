package protocol

import "fmt"

// FunctionCode selects the operation a PDU performs.
type FunctionCode byte

const (
	FuncReadCoils            FunctionCode = 0x01
	FuncReadDiscreteInputs   FunctionCode = 0x02
	FuncReadHoldingRegisters FunctionCode = 0x03
	FuncReadInputRegisters   FunctionCode = 0x04

	exceptionBit FunctionCode = 0x80
)

const (
	readRequestPDULen   = 5
	maxBitsPerRead      = 2000
	maxRegistersPerRead = 125
	addressSpace        = 1 << 16
)

// String implements fmt.Stringer.
func (f FunctionCode) String() string {
	switch f {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	}
	if f&exceptionBit != 0 {
		return fmt.Sprintf("Exception(%s)", f&^exceptionBit)
	}
	return fmt.Sprintf("Function(0x%02x)", byte(f))
}

// MaxQuantity returns the largest quantity a single request of this function
// may ask for, or 0 if the function is not a supported read.
func (f FunctionCode) MaxQuantity() uint16 {
	switch f {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return maxBitsPerRead
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return maxRegistersPerRead
	}
	return 0
}

// ExceptionCode is the single data byte of an exception response.
type ExceptionCode byte

const (
	IllegalFunction     ExceptionCode = 0x01
	IllegalDataAddress  ExceptionCode = 0x02
	IllegalDataValue    ExceptionCode = 0x03
	ServerDeviceFailure ExceptionCode = 0x04
)

func (c ExceptionCode) String() string {
	switch c {
	case IllegalFunction:
		return "IllegalFunction"
	case IllegalDataAddress:
		return "IllegalDataAddress"
	case IllegalDataValue:
		return "IllegalDataValue"
	case ServerDeviceFailure:
		return "ServerDeviceFailure"
	}
	return fmt.Sprintf("Exception(0x%02x)", byte(c))
}
