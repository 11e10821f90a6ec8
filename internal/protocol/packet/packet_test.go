package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/uclink/internal/testutil/testlog"
)

func TestChecksumCheckValue(t *testing.T) {
	testlog.Start(t)
	// CRC-8 (poly 0x07) check value over "123456789".
	got := Checksum(MajorKey('1'), '2', []byte("3456789"))
	if got != 0xF4 {
		t.Fatalf("check value got=0x%02x want=0xf4", got)
	}
}

func TestEncodeLayout(t *testing.T) {
	testlog.Start(t)
	buf, err := Encode(Packet{Major: MajorTypeIO, Minor: 3, Payload: []byte{0xde, 0xad, 0xbe, 0xef, 0x01}}, Limits{MaxPayload: 16})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x06, 0x06, 0xa2, 0x03, 0xde, 0xad, 0xbe, 0xef, 0x01}
	if !bytes.Equal(buf, want) {
		t.Fatalf("layout mismatch: got=% x want=% x", buf, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayload: MaxPayloadLen}
	payloads := [][]byte{
		nil,
		{0x00},
		[]byte("firmware"),
		bytes.Repeat([]byte{0xa5}, MaxPayloadLen),
	}
	for _, major := range []MajorKey{MajorError, MajorAck, MajorConfigUpdate, MajorTypeProgrammer, 0xff} {
		for minor := 0; minor < 256; minor += 51 {
			for _, payload := range payloads {
				in := Packet{Major: major, Minor: uint8(minor), Payload: payload}
				buf, err := Encode(in, limits)
				if err != nil {
					t.Fatalf("encode %v: %v", in, err)
				}
				res := TryDecode(buf, limits)
				if res.Status != Complete {
					t.Fatalf("decode %v: status=%v err=%v", in, res.Status, res.Err)
				}
				if res.N != len(buf) {
					t.Fatalf("consumed=%d want=%d", res.N, len(buf))
				}
				out := res.Packet
				if out.Major != in.Major || out.Minor != in.Minor || !bytes.Equal(out.Payload, in.Payload) {
					t.Fatalf("round trip mismatch: got=%v want=%v", out, in)
				}
			}
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	_, err := Encode(Packet{Major: MajorTypeIO, Payload: make([]byte, 4)}, Limits{MaxPayload: 3})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestTryDecodeIncomplete(t *testing.T) {
	testlog.Start(t)
	buf, err := Encode(Packet{Major: MajorTypeDataTransmit, Minor: 2, Payload: []byte{1, 2, 3}}, DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for n := 0; n < len(buf); n++ {
		if res := TryDecode(buf[:n], DefaultLimits()); res.Status != Incomplete {
			t.Fatalf("prefix len=%d status=%v want incomplete", n, res.Status)
		}
	}
}

func TestTryDecodeConsumesOnlyOnePacket(t *testing.T) {
	testlog.Start(t)
	a, _ := Encode(Packet{Major: MajorTypeIO, Minor: 1, Payload: []byte{9}}, DefaultLimits())
	b, _ := Encode(Packet{Major: MajorAck, Minor: 6}, DefaultLimits())
	res := TryDecode(append(append([]byte{}, a...), b...), DefaultLimits())
	if res.Status != Complete || res.N != len(a) {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTryDecodeInvalidLengths(t *testing.T) {
	testlog.Start(t)
	res := TryDecode([]byte{0x04, 0x00, 0x00}, DefaultLimits())
	if res.Status != Invalid || !errors.Is(res.Err, ErrZeroLength) {
		t.Fatalf("zero length: %+v", res)
	}
	res = TryDecode([]byte{0x04, 0xAB, 0x00}, Limits{MaxPayload: 16})
	if res.Status != Invalid || !errors.Is(res.Err, ErrLengthTooLarge) {
		t.Fatalf("oversized length: %+v", res)
	}
}

func TestTryDecodeSingleBitFlipIsInvalid(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayload: 16}
	frame, err := Encode(Packet{Major: MajorTypeIO, Minor: 3, Payload: []byte{0xde, 0xad, 0xbe, 0xef, 0x01}}, limits)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := range frame {
		if i == 2 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte{}, frame...)
			mutated[i] ^= 1 << bit
			// Trailing zeros keep an enlarged length from reading as incomplete.
			mutated = append(mutated, make([]byte, 32)...)
			if res := TryDecode(mutated, limits); res.Status != Invalid {
				t.Fatalf("flip byte=%d bit=%d: status=%v", i, bit, res.Status)
			}
		}
	}
}

func TestChunk(t *testing.T) {
	testlog.Start(t)
	chunks := Chunk([]byte{1, 2, 3, 4, 5}, 3)
	if len(chunks) != 2 || !bytes.Equal(chunks[0], []byte{1, 2, 3}) || !bytes.Equal(chunks[1], []byte{4, 5}) {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if empty := Chunk(nil, 3); len(empty) != 1 || len(empty[0]) != 0 {
		t.Fatalf("empty payload should yield one empty chunk: %v", empty)
	}
}

func TestLimitsValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("default limits: %v", err)
	}
	for _, bad := range []int{0, -1, MaxPayloadLen + 1} {
		if err := (Limits{MaxPayload: bad}).Validate(); !errors.Is(err, ErrInvalidLimits) {
			t.Fatalf("max_payload=%d expected ErrInvalidLimits, got %v", bad, err)
		}
	}
}

func TestMajorKeyClassification(t *testing.T) {
	testlog.Start(t)
	if !MajorAck.Control() || !MajorReset.Control() || !MajorError.Control() {
		t.Fatalf("expected control keys")
	}
	if MajorConfigUpdate.Control() || !MajorConfigUpdate.Reserved() {
		t.Fatalf("config_update is reserved but routed")
	}
	if MajorTypeIO.Reserved() {
		t.Fatalf("io is application defined")
	}
	if MajorKey(42).String() != "major(42)" || MajorTypeProgrammer.String() != "programmer" {
		t.Fatalf("unexpected names")
	}
}
