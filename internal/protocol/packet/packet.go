package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc8"
)

const (
	// HeaderLen is major + length + crc.
	HeaderLen = 3
	// MaxDataLen is the largest data segment a length byte can declare.
	MaxDataLen = 255
	// MaxPayloadLen is MaxDataLen minus the minor key.
	MaxPayloadLen = MaxDataLen - 1
	// DefaultMaxPayload is the payload size used when none is negotiated.
	DefaultMaxPayload = 32
)

var (
	ErrPayloadTooLarge = errors.New("packet: payload too large")
	ErrInvalidLimits   = errors.New("packet: invalid limits")
	ErrZeroLength      = errors.New("packet: zero length byte")
	ErrLengthTooLarge  = errors.New("packet: declared length exceeds limit")
	ErrChecksum        = errors.New("packet: checksum mismatch")
)

// crcTable is CRC-8 with poly 0x07, init 0x00, no reflection, no final xor.
var crcTable = crc8.MakeTable(crc8.CRC8)

// Packet is one decoded wire unit.
type Packet struct {
	Major   MajorKey
	Minor   uint8
	Payload []byte
}

// Len returns the encoded size of p.
func (p Packet) Len() int {
	return HeaderLen + 1 + len(p.Payload)
}

func (p Packet) String() string {
	return fmt.Sprintf("packet{major=%s minor=%d payload=%d}", p.Major, p.Minor, len(p.Payload))
}

// Limits carries the payload size negotiated at connection setup.
type Limits struct {
	MaxPayload int
}

func DefaultLimits() Limits {
	return Limits{MaxPayload: DefaultMaxPayload}
}

func (l Limits) Validate() error {
	if l.MaxPayload < 1 || l.MaxPayload > MaxPayloadLen {
		return fmt.Errorf("%w: max_payload=%d (want 1..%d)", ErrInvalidLimits, l.MaxPayload, MaxPayloadLen)
	}
	return nil
}

func (l Limits) maxPayload() int {
	if l.MaxPayload < 1 || l.MaxPayload > MaxPayloadLen {
		return MaxPayloadLen
	}
	return l.MaxPayload
}

// Checksum returns the CRC-8 over [major, length, data...].
func Checksum(major MajorKey, length uint8, data []byte) uint8 {
	crc := crc8.Init(crcTable)
	crc = crc8.Update(crc, []byte{byte(major), length}, crcTable)
	crc = crc8.Update(crc, data, crcTable)
	return crc8.Complete(crc, crcTable)
}

// Encode frames p. Payloads above the limit are rejected, never split.
func Encode(p Packet, limits Limits) ([]byte, error) {
	if len(p.Payload) > limits.maxPayload() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Payload), limits.maxPayload())
	}
	length := uint8(1 + len(p.Payload))
	buf := make([]byte, HeaderLen+int(length))
	buf[0] = byte(p.Major)
	buf[1] = length
	buf[3] = p.Minor
	copy(buf[4:], p.Payload)
	buf[2] = Checksum(p.Major, length, buf[3:])
	return buf, nil
}

// Write encodes p and writes it in one call.
func Write(w io.Writer, p Packet, limits Limits) error {
	buf, err := Encode(p, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
