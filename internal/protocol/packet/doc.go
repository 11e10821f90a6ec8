// Package packet owns the wire codec.
//
// Wire layout:
//
//	byte 0: major key
//	byte 1: length (1 + len(payload))
//	byte 2: crc (CRC-8 over major, length, minor, payload)
//	byte 3: minor key
//	byte 4..: payload
//
// The codec is stateless. Chunking to the negotiated payload size happens
// in the sender, never implicitly here.
package packet
