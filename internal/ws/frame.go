package ws

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode is a WebSocket frame opcode.
type Opcode byte

const (
	OpText   Opcode = 0x1
	OpBinary Opcode = 0x2
	OpClose  Opcode = 0x8
	OpPing   Opcode = 0x9
	OpPong   Opcode = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	// Upper bound on a single frame payload. The peers this client
	// talks to send JSON messages far below this.
	maxPayloadSize = 32 << 20
)

// ErrProtocol reports a frame the codec does not support: fragmented
// messages (fin=0) or oversized payloads. The session terminates.
var ErrProtocol = errors.New("ws: protocol violation")

// ErrClosed reports an orderly close: either a close frame or a stream
// that ended between frames.
var ErrClosed = errors.New("ws: connection closed")

// Frame is one decoded WebSocket frame.
type Frame struct {
	Opcode  Opcode
	Payload []byte
	Fin     bool
}

// EncodeFrame builds a single client-masked frame with a random 4-byte
// mask, selecting the 7/16/64-bit length encoding as needed.
func EncodeFrame(payload []byte, opcode Opcode) []byte {
	header := make([]byte, 2, 14)
	header[0] = finBit | byte(opcode)

	length := len(payload)
	switch {
	case length < 126:
		header[1] = maskBit | byte(length)
	case length < 65536:
		header[1] = maskBit | 126
		header = binary.BigEndian.AppendUint16(header, uint16(length))
	default:
		header[1] = maskBit | 127
		header = binary.BigEndian.AppendUint64(header, uint64(length))
	}

	var mask [4]byte
	rand.Read(mask[:])
	header = append(header, mask[:]...)

	masked := make([]byte, length)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	return append(header, masked...)
}

// readFrame blocks until a full frame header plus payload has been
// read. Inbound masked frames are unmasked before delivery.
func readFrame(r io.Reader) (*Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrClosed
		}
		return nil, err
	}

	fin := header[0]&finBit != 0
	opcode := Opcode(header[0] & 0x0F)
	masked := header[1]&maskBit != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxPayloadSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocol, length)
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return &Frame{Opcode: opcode, Payload: payload, Fin: fin}, nil
}
