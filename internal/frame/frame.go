// Package frame implements the wire envelope used by the chat server:
// a 6-byte big-endian header (int16 command, int32 payload length)
// followed by the payload bytes.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the number of bytes preceding every payload.
	HeaderSize = 6

	// DefaultMaxSize caps payloads when the caller does not configure a limit.
	DefaultMaxSize = 1 << 20
)

var (
	// ErrTruncatedFrame is returned when the stream ends inside a frame.
	ErrTruncatedFrame = errors.New("frame: truncated frame")

	// ErrInvalidLength is returned for negative lengths or lengths above the
	// decoder's maximum frame size.
	ErrInvalidLength = errors.New("frame: invalid length")
)

// Frame is one application message.
type Frame struct {
	Command int16
	Payload []byte
}

// Len returns the payload length carried in the header.
func (f Frame) Len() int {
	return len(f.Payload)
}

// Encode returns the header followed by payload.
func Encode(command int16, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, command, int32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Write encodes f onto w.
func Write(w io.Writer, f Frame) error {
	if len(f.Payload) > math.MaxInt32 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(f.Payload))
	}
	var hdr [HeaderSize]byte
	putHeader(hdr[:], f.Command, int32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

func putHeader(b []byte, command int16, length int32) {
	binary.BigEndian.PutUint16(b[0:2], uint16(command))
	binary.BigEndian.PutUint32(b[2:6], uint32(length))
}

// Decoder reads frames from a byte stream. After the first error it keeps
// returning that error; a broken stream is never realigned.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
	err     error
}

// NewDecoder returns a Decoder reading from r. maxSize <= 0 selects DefaultMaxSize.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Decoder{r: bufio.NewReader(r), maxSize: maxSize}
}

// MaxSize reports the largest payload the decoder accepts.
func (d *Decoder) MaxSize() int {
	return d.maxSize
}

// Decode reads exactly one frame. It returns io.EOF when the stream ends
// cleanly on a frame boundary.
func (d *Decoder) Decode() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	f, err := d.decode()
	if err != nil {
		d.err = err
	}
	return f, err
}

func (d *Decoder) decode() (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return Frame{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Frame{}, fmt.Errorf("%w: short header", ErrTruncatedFrame)
		default:
			return Frame{}, err
		}
	}

	command := int16(binary.BigEndian.Uint16(hdr[0:2]))
	length := int32(binary.BigEndian.Uint32(hdr[2:6]))
	if length < 0 || int64(length) > int64(d.maxSize) {
		return Frame{}, fmt.Errorf("%w: %d (max %d)", ErrInvalidLength, length, d.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: want %d payload bytes", ErrTruncatedFrame, length)
		}
		return Frame{}, err
	}
	return Frame{Command: command, Payload: payload}, nil
}

// IsProtocolError reports whether err is a framing violation by the peer,
// as opposed to an I/O failure or a clean close.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrTruncatedFrame) || errors.Is(err, ErrInvalidLength)
}
