package protocol

import "encoding/binary"

// Request is a decoded read request. The set of implementations is closed:
// *ReadCoilsRequest, *ReadDiscreteInputsRequest, *ReadHoldingRegistersRequest
// and *ReadInputRegistersRequest.
type Request interface {
	// Function returns the function code of the request.
	Function() FunctionCode
	// Range returns the addressed unit and point range.
	Range() ReadRange
	isRequest()
}

// ReadRange is the body shared by every read request.
type ReadRange struct {
	UnitID   byte
	Start    uint16
	Quantity uint16
}

func (r ReadRange) Range() ReadRange { return r }

func (ReadRange) isRequest() {}

type ReadCoilsRequest struct{ ReadRange }

type ReadDiscreteInputsRequest struct{ ReadRange }

type ReadHoldingRegistersRequest struct{ ReadRange }

type ReadInputRegistersRequest struct{ ReadRange }

func (*ReadCoilsRequest) Function() FunctionCode            { return FuncReadCoils }
func (*ReadDiscreteInputsRequest) Function() FunctionCode   { return FuncReadDiscreteInputs }
func (*ReadHoldingRegistersRequest) Function() FunctionCode { return FuncReadHoldingRegisters }
func (*ReadInputRegistersRequest) Function() FunctionCode   { return FuncReadInputRegisters }

// DecodeRequest decodes a request PDU. It never allocates response storage and
// validates quantity before anything else is derived from it.
func DecodeRequest(unitID byte, pdu []byte) (Request, error) {
	if len(pdu) == 0 {
		return nil, ErrMalformedFrame
	}

	fc := FunctionCode(pdu[0])
	max := fc.MaxQuantity()
	if max == 0 {
		return nil, ErrIllegalFunction
	}
	if len(pdu) != readRequestPDULen {
		return nil, ErrMalformedFrame
	}

	rr := ReadRange{
		UnitID:   unitID,
		Start:    binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}
	if rr.Quantity == 0 || rr.Quantity > max {
		return nil, ErrInvalidQuantity
	}
	if int(rr.Start)+int(rr.Quantity) > addressSpace {
		return nil, ErrInvalidAddress
	}

	switch fc {
	case FuncReadCoils:
		return &ReadCoilsRequest{rr}, nil
	case FuncReadDiscreteInputs:
		return &ReadDiscreteInputsRequest{rr}, nil
	case FuncReadHoldingRegisters:
		return &ReadHoldingRegistersRequest{rr}, nil
	default:
		return &ReadInputRegistersRequest{rr}, nil
	}
}

// EncodeRequest builds a complete request ADU. It is the client half of
// DecodeRequest and is used by tooling and tests.
func EncodeRequest(transactionID uint16, req Request) []byte {
	rr := req.Range()

	buf := make([]byte, HeaderLen+readRequestPDULen)
	h := (*Header)(buf[:HeaderLen])
	h.SetTransactionID(transactionID)
	h.SetLength(1 + readRequestPDULen)
	h.SetUnitID(rr.UnitID)

	pdu := buf[HeaderLen:]
	pdu[0] = byte(req.Function())
	binary.BigEndian.PutUint16(pdu[1:3], rr.Start)
	binary.BigEndian.PutUint16(pdu[3:5], rr.Quantity)
	return buf
}
