package minicord

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"math/bits"

	"github.com/minicord/minicord/internal/errd"
)

// opcode represents a WebSocket opcode.
// See https://tools.ietf.org/html/rfc6455#section-11.8
type opcode int

const (
	opContinuation opcode = 0x0
	opText         opcode = 0x1
	opBinary       opcode = 0x2
	// 0x3 - 0x7 are reserved for further non-control frames.
	opClose opcode = 0x8
	opPing  opcode = 0x9
	opPong  opcode = 0xA
	// 0xB - 0xF are reserved for further control frames.
)

func (o opcode) controlOp() bool {
	switch o {
	case opClose, opPing, opPong:
		return true
	}
	return false
}

// maxControlPayload is the maximum length of a control frame payload.
// See https://tools.ietf.org/html/rfc6455#section-5.5
const maxControlPayload = 125

// header represents a WebSocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type header struct {
	fin    bool
	opcode opcode

	payloadLength int64

	masked  bool
	maskKey uint32
}

// errNoData is returned when the peer vanished without sending
// a close frame first.
var errNoData = errors.New("no data available, transport exhausted")

// errFragmented is returned for continuation or non-FIN frames.
// Fragmented messages are deliberately unsupported.
var errFragmented = errors.New("fragmented messages are not supported")

// errControlTooBig is returned for control frames whose payload exceeds
// maxControlPayload.
var errControlTooBig = errors.New("control frame payload exceeds 125 bytes")

// readFrameHeader reads a frame header from r.
// The reserved bits are ignored since no extension is ever negotiated.
func readFrameHeader(r *bufio.Reader) (_ header, err error) {
	defer errd.Wrap(&err, "failed to read frame header")

	b, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return header{}, errNoData
		}
		return header{}, err
	}

	var h header
	h.fin = b&(1<<7) != 0
	h.opcode = opcode(b & 0xF)

	b, err = r.ReadByte()
	if err != nil {
		return header{}, err
	}

	h.masked = b&(1<<7) != 0

	switch length := b &^ (1 << 7); length {
	case 126:
		var pl uint16
		err = binary.Read(r, binary.BigEndian, &pl)
		h.payloadLength = int64(pl)
	case 127:
		err = binary.Read(r, binary.BigEndian, &h.payloadLength)
		if err == nil && h.payloadLength < 0 {
			err = errors.New("header has negative payload length")
		}
	default:
		h.payloadLength = int64(length)
	}
	if err != nil {
		return header{}, err
	}

	if h.masked {
		err = binary.Read(r, binary.LittleEndian, &h.maskKey)
		if err != nil {
			return header{}, err
		}
	}

	return h, nil
}

// writeFrameHeader writes the bytes of the header to w.
// See https://tools.ietf.org/html/rfc6455#section-5.2
func writeFrameHeader(h header, w *bufio.Writer) (err error) {
	defer errd.Wrap(&err, "failed to write frame header")

	if h.payloadLength < 0 {
		return errors.New("payload length exceeds the representable range")
	}

	b := byte(h.opcode)
	if h.fin {
		b |= 1 << 7
	}
	err = w.WriteByte(b)
	if err != nil {
		return err
	}

	lengthByte := byte(0)
	if h.masked {
		lengthByte |= 1 << 7
	}
	switch {
	case h.payloadLength > 65535:
		lengthByte |= 127
	case h.payloadLength > 125:
		lengthByte |= 126
	default:
		lengthByte |= byte(h.payloadLength)
	}
	err = w.WriteByte(lengthByte)
	if err != nil {
		return err
	}

	switch {
	case h.payloadLength > 65535:
		err = binary.Write(w, binary.BigEndian, h.payloadLength)
	case h.payloadLength > 125:
		err = binary.Write(w, binary.BigEndian, uint16(h.payloadLength))
	}
	if err != nil {
		return err
	}

	if h.masked {
		err = binary.Write(w, binary.LittleEndian, h.maskKey)
		if err != nil {
			return err
		}
	}

	return nil
}

// mask applies the WebSocket masking algorithm to p with the given key,
// expected in little endian.
// See https://tools.ietf.org/html/rfc6455#section-5.3
//
// The returned value is the correctly rotated key so masking can continue
// mid payload.
func mask(key uint32, p []byte) uint32 {
	if len(p) >= 8 {
		key64 := uint64(key)<<32 | uint64(key)
		for len(p) >= 8 {
			v := binary.LittleEndian.Uint64(p)
			binary.LittleEndian.PutUint64(p, v^key64)
			p = p[8:]
		}
	}

	for len(p) >= 4 {
		v := binary.LittleEndian.Uint32(p)
		binary.LittleEndian.PutUint32(p, v^key)
		p = p[4:]
	}

	for i := range p {
		p[i] ^= byte(key)
		key = bits.RotateLeft32(key, -8)
	}

	return key
}
