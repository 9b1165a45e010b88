// Package ws implements the WebSocket transport variant: RFC 6455
// framing over an already-connected stream.Stream, HTTP upgrade, control
// frame handling, and fragmentation — registered under the ws/wss schemes.
package ws

import (
	"encoding/binary"
	"math/rand"

	"github.com/scalenet/spcore/errs"
)

type opcode byte

const (
	opContinuation opcode = 0x0
	opText         opcode = 0x1
	opBinary       opcode = 0x2
	opClose        opcode = 0x8
	opPing         opcode = 0x9
	opPong         opcode = 0xA
)

func (op opcode) isControl() bool { return op&0x8 != 0 }

// Close codes used by this package, per RFC 6455 §7.4.
const (
	closeNormal    = 1000
	closeProtocol  = 1002
	closeTooBig    = 1009
	closeInternal  = 1011
)

// frameHeader is the decoded form of an RFC 6455 frame header.
type frameHeader struct {
	fin     bool
	opcode  opcode
	masked  bool
	mask    [4]byte
	payload uint64
}

// encodeHeader appends the wire form of h (header only, no payload) to dst.
func encodeHeader(dst []byte, h frameHeader) []byte {
	var b0 byte
	if h.fin {
		b0 |= 0x80
	}
	b0 |= byte(h.opcode) & 0x0F
	dst = append(dst, b0)

	var b1 byte
	if h.masked {
		b1 |= 0x80
	}
	switch {
	case h.payload <= 125:
		dst = append(dst, b1|byte(h.payload))
	case h.payload <= 0xFFFF:
		dst = append(dst, b1|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(h.payload))
		dst = append(dst, ext[:]...)
	default:
		dst = append(dst, b1|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], h.payload)
		dst = append(dst, ext[:]...)
	}
	if h.masked {
		dst = append(dst, h.mask[:]...)
	}
	return dst
}

// headerLen reports, once the first two bytes are known, how many extended
// length bytes (0, 2 or 8) and mask bytes (0 or 4) follow them, used by the
// reader state machine to know how many more bytes to accumulate.
func headerLen(b0, b1 byte) (extLen int, masked bool, maskLen int) {
	masked = b1&0x80 != 0
	switch b1 & 0x7F {
	case 126:
		extLen = 2
	case 127:
		extLen = 8
	}
	if masked {
		maskLen = 4
	}
	return
}

func decodeHeader(buf []byte) (frameHeader, error) {
	if len(buf) < 2 {
		return frameHeader{}, errs.New(errs.ProtocolError, "ws: short header")
	}
	b0, b1 := buf[0], buf[1]
	h := frameHeader{
		fin:    b0&0x80 != 0,
		opcode: opcode(b0 & 0x0F),
		masked: b1&0x80 != 0,
	}

	lenCode := b1 & 0x7F
	i := 2
	switch lenCode {
	case 126:
		if len(buf) < i+2 {
			return frameHeader{}, errs.New(errs.ProtocolError, "ws: short ext16")
		}
		h.payload = uint64(binary.BigEndian.Uint16(buf[i:]))
		i += 2
	case 127:
		if len(buf) < i+8 {
			return frameHeader{}, errs.New(errs.ProtocolError, "ws: short ext64")
		}
		h.payload = binary.BigEndian.Uint64(buf[i:])
		i += 8
	default:
		h.payload = uint64(lenCode)
	}

	if h.masked {
		if len(buf) < i+4 {
			return frameHeader{}, errs.New(errs.ProtocolError, "ws: short mask")
		}
		copy(h.mask[:], buf[i:i+4])
	}

	return h, nil
}

func newMaskKey() [4]byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], rand.Uint32())
	return k
}

func applyMask(mask [4]byte, b []byte) {
	for i := range b {
		b[i] ^= mask[i%4]
	}
}
