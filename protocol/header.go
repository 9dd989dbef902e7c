package protocol

import "encoding/binary"

const (
	// HeaderLen is the size of the MBAP header preceding every PDU.
	HeaderLen = 7

	// maxPDULen is the maximum PDU length, in bytes.
	maxPDULen = 253

	// minLength and maxLength bound the MBAP length field (unit id + PDU).
	minLength = 2
	maxLength = maxPDULen + 1

	// MaxADULen is the largest frame that can appear on the wire.
	MaxADULen = HeaderLen - 1 + maxLength
)

// Header is the Modbus Application Protocol header and has fixed size.
// Format:
//
//	| transaction id (2) | protocol id (2) | length (2) | unit id (1) |
type Header [HeaderLen]byte

// TransactionID returns the id the client uses to pair responses with requests.
func (h *Header) TransactionID() uint16 {
	return binary.BigEndian.Uint16(h[0:2])
}

// SetTransactionID sets the transaction id
func (h *Header) SetTransactionID(id uint16) {
	binary.BigEndian.PutUint16(h[0:2], id)
}

// ProtocolID returns the protocol id, always 0 for Modbus.
func (h *Header) ProtocolID() uint16 {
	return binary.BigEndian.Uint16(h[2:4])
}

// SetProtocolID sets the protocol id
func (h *Header) SetProtocolID(id uint16) {
	binary.BigEndian.PutUint16(h[2:4], id)
}

// Length returns the number of bytes following the length field,
// i.e. the unit id plus the PDU.
func (h *Header) Length() uint16 {
	return binary.BigEndian.Uint16(h[4:6])
}

// SetLength sets the length field
func (h *Header) SetLength(l uint16) {
	binary.BigEndian.PutUint16(h[4:6], l)
}

// UnitID returns the addressed unit.
func (h *Header) UnitID() byte {
	return h[6]
}

// SetUnitID sets the unit id
func (h *Header) SetUnitID(id byte) {
	h[6] = id
}
