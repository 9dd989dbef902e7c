package protocol

import (
	"io"

	"github.com/crazyfrankie/zmodbus/mem"
)

// maxPayloadLen is what fits in a read response PDU after fc and byte count.
const maxPayloadLen = maxPDULen - 2

// Frame is one ADU read off the wire. Its PDU lives in a pooled buffer owned
// by the Frame until Release.
type Frame struct {
	Header Header
	pdu    mem.Buffer
}

// ReadFrame reads exactly one ADU from r. io.EOF is returned untouched when
// the peer closed between frames.
func ReadFrame(r io.Reader, pool mem.BufferPool) (*Frame, error) {
	f := &Frame{}
	if _, err := io.ReadFull(r, f.Header[:]); err != nil {
		return nil, err
	}

	l := f.Header.Length()
	if l < minLength || l > maxLength {
		return nil, ErrInvalidLength
	}

	buf := pool.Get(int(l) - 1)
	if _, err := io.ReadFull(r, *buf); err != nil {
		pool.Put(buf)
		return nil, err
	}
	f.pdu = mem.NewBuffer(buf, pool)

	if f.Header.ProtocolID() != 0 {
		f.Release()
		return nil, ErrInvalidProtocol
	}
	return f, nil
}

// PDU returns the protocol data unit. It must not be used after Release.
func (f *Frame) PDU() []byte {
	return f.pdu.ReadOnlyData()
}

// Function returns the raw function code of the frame.
func (f *Frame) Function() FunctionCode {
	return FunctionCode(f.PDU()[0])
}

// Request decodes the frame's PDU.
func (f *Frame) Request() (Request, error) {
	return DecodeRequest(f.Header.UnitID(), f.PDU())
}

// Release hands the PDU buffer back to its pool. Later calls are no-ops.
func (f *Frame) Release() {
	if f.pdu != nil {
		f.pdu.Free()
		f.pdu = nil
	}
}

// EncodeResponse renders resp as a complete ADU echoing the transaction and
// unit id of req. The returned Buffer belongs to the caller.
func EncodeResponse(req Header, resp Response, pool mem.BufferPool) (mem.Buffer, error) {
	var body []byte
	switch r := resp.(type) {
	case *ExceptionResponse:
		body = r.Payload()
	case *ReadCoilsResponse, *ReadDiscreteInputsResponse,
		*ReadHoldingRegistersResponse, *ReadInputRegistersResponse:
		payload := r.Payload()
		if len(payload) > maxPayloadLen {
			return nil, ErrPayloadTooLarge
		}
		body = append(make([]byte, 0, 1+len(payload)), byte(len(payload)))
		body = append(body, payload...)
	default:
		return nil, ErrUnknownResponse
	}

	n := HeaderLen + 1 + len(body)
	buf := pool.Get(n)
	out := *buf

	h := (*Header)(out[:HeaderLen])
	h.SetTransactionID(req.TransactionID())
	h.SetProtocolID(0)
	h.SetLength(uint16(2 + len(body)))
	h.SetUnitID(req.UnitID())

	out[HeaderLen] = byte(resp.Function())
	copy(out[HeaderLen+1:], body)

	return mem.NewBuffer(buf, pool), nil
}
