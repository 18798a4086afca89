// Package transport carries JSON-RPC frames over stdio and TCP. Stdio
// uses newline-delimited JSON on stdout with logs kept on stderr; TCP
// uses a 4-byte big-endian length prefix. Both enforce the frame size
// cap before a byte of payload reaches the validator.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/datagen24/dshield-mcp-sub001/internal/validate"
)

// ErrFrameTooLarge marks a frame whose declared or observed size exceeds
// the cap. The connection cannot be resynchronized after it.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Framer reads and writes one wire frame at a time. WriteFrame is safe
// for concurrent use; ReadFrame is not.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
}

// NewlineFramer speaks newline-delimited JSON. One frame per line.
type NewlineFramer struct {
	scanner *bufio.Scanner
	w       io.Writer
	mu      sync.Mutex
}

// NewNewlineFramer wraps a reader/writer pair in newline framing.
func NewNewlineFramer(r io.Reader, w io.Writer) *NewlineFramer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), validate.MaxFrameBytes+1)
	return &NewlineFramer{scanner: scanner, w: w}
}

func (f *NewlineFramer) ReadFrame() ([]byte, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, ErrFrameTooLarge
			}
			return nil, err
		}
		return nil, io.EOF
	}
	line := f.scanner.Bytes()
	frame := make([]byte, len(line))
	copy(frame, line)
	return frame, nil
}

func (f *NewlineFramer) WriteFrame(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(payload); err != nil {
		return err
	}
	_, err := f.w.Write([]byte{'\n'})
	return err
}

// LengthPrefixFramer speaks 4-byte big-endian length-prefixed frames.
type LengthPrefixFramer struct {
	r  io.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewLengthPrefixFramer wraps a reader/writer pair in length-prefix
// framing.
func NewLengthPrefixFramer(r io.Reader, w io.Writer) *LengthPrefixFramer {
	return &LengthPrefixFramer{r: r, w: w}
}

func (f *LengthPrefixFramer) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if size > validate.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (f *LengthPrefixFramer) WriteFrame(payload []byte) error {
	if len(payload) > validate.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(header[:]); err != nil {
		return err
	}
	_, err := f.w.Write(payload)
	return err
}
