package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Capacity is the maximum payload carried by a single frame.
	Capacity = 4080

	// Size is the number of bytes every frame occupies on the wire: the
	// payload area followed by the 8-byte length and 8-byte id trailer.
	Size = Capacity + 16

	lengthOffset = Capacity
	idOffset     = Capacity + 8
)

// byteOrder is the byte order of the trailer fields. Both ends of a link must
// be built with the same value.
var byteOrder = binary.LittleEndian

var (
	// ErrPayloadTooLarge is returned when encoding a payload longer than
	// Capacity.
	ErrPayloadTooLarge = errors.New("frame payload too large")

	// ErrLengthOutOfRange is returned when a decoded length field exceeds
	// Capacity, which means the stream is corrupt or out of sync.
	ErrLengthOutOfRange = errors.New("frame length out of range")

	errShortBuffer = errors.New("frame buffer too short")
)

// Frame is a decoded frame. Payload aliases the buffer it was decoded from.
type Frame struct {
	ID      uint64
	Payload []byte
}

// Encode returns a new Size-byte frame carrying payload for connection id.
func Encode(id uint64, payload []byte) ([]byte, error) {
	b := make([]byte, Size)
	if err := EncodeTo(b, id, payload); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeTo writes a frame into dst, which must be at least Size bytes long.
// Padding past the payload is zeroed so reused buffers never leak old data.
func EncodeTo(dst []byte, id uint64, payload []byte) error {
	if len(payload) > Capacity {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), Capacity)
	}
	if len(dst) < Size {
		return errShortBuffer
	}

	n := copy(dst[:Capacity], payload)
	clear(dst[n:Capacity])
	byteOrder.PutUint64(dst[lengthOffset:idOffset], uint64(len(payload)))
	byteOrder.PutUint64(dst[idOffset:Size], id)
	return nil
}

// DecodeLength returns the payload length recorded in frame b.
func DecodeLength(b []byte) uint64 {
	return byteOrder.Uint64(b[lengthOffset:idOffset])
}

// DecodeID returns the connection id recorded in frame b.
func DecodeID(b []byte) uint64 {
	return byteOrder.Uint64(b[idOffset:Size])
}

// Decode validates the length field of b and returns its id and payload.
func Decode(b []byte) (Frame, error) {
	if len(b) < Size {
		return Frame{}, errShortBuffer
	}
	n := DecodeLength(b)
	if n > Capacity {
		return Frame{}, fmt.Errorf("%w: %d", ErrLengthOutOfRange, n)
	}
	return Frame{ID: DecodeID(b), Payload: b[:n:n]}, nil
}
