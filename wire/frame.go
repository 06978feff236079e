// Package wire implements the length-prefixed JSON frame codec shared by the
// host agent client and the guest control server. A frame is a 4-byte
// big-endian length followed by that many bytes of JSON payload; the
// framing is stream-oriented, so a single connection carries many
// request/response pairs in sequence.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the default ceiling on a declared frame length.
// Larger declared lengths are rejected before any allocation happens.
const DefaultMaxFrameSize = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned by ReadFrame when the declared length
// exceeds the configured ceiling.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Codec reads and writes length-prefixed JSON frames over an io.ReadWriter,
// enforcing MaxFrameSize on read.
type Codec struct {
	rw           io.ReadWriter
	MaxFrameSize int
}

// NewCodec returns a Codec with the default frame size ceiling.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw, MaxFrameSize: DefaultMaxFrameSize}
}

// ReadFrame reads one length-prefixed frame and returns its raw payload
// bytes. A declared length greater than MaxFrameSize is rejected without
// allocating a buffer for it. A short read (stream ends mid-frame) is
// reported as an error; io.EOF is only returned when the stream ends
// cleanly between frames.
func (c *Codec) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	max := c.MaxFrameSize
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	if int(n) > max {
		return nil, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, n, max)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame payload (%d bytes): %w", n, err)
	}
	return buf, nil
}

// WriteFrame writes payload as one length-prefixed frame.
func (c *Codec) WriteFrame(payload []byte) error {
	if len(payload) > 0xffffffff {
		return fmt.Errorf("wire: payload too large to frame: %d bytes", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := c.rw.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadJSON reads one frame and unmarshals it into v.
func (c *Codec) ReadJSON(v any) error {
	payload, err := c.ReadFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return nil
}

// WriteJSON marshals v and writes it as one frame.
func (c *Codec) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	return c.WriteFrame(payload)
}
