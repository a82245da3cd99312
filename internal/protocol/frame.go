package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length prefix size in bytes.
const HeaderSize = 4

var (
	// ErrNegativeLength is returned when a frame header carries a negative length.
	ErrNegativeLength = errors.New("frame length is negative")

	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum size.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")
)

// EncodeFrame returns the length-prefixed wire form of payload.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(int32(len(payload))))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes payload as a single frame. Header and body go out in one Write call
// so a frame is never split between concurrent writers sharing a net.Conn.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(EncodeFrame(payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. maxSize <= 0 disables the size check.
// io.EOF is returned unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := int32(binary.LittleEndian.Uint32(header[:]))
	if length < 0 {
		return nil, ErrNegativeLength
	}
	if maxSize > 0 && int(length) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}
