// Package capture provides AudioCapture sources for a listening session: frames relayed
// from a device over the bus, and frames read from a WAV file.
package capture

import (
	"encoding/binary"
	"errors"
	"log/slog"
)

var (
	// ErrBusy is returned when a source already has an open stream.
	ErrBusy = errors.New("capture: source already has an open stream")
	// ErrExhausted is returned once a file source has delivered all of its audio.
	ErrExhausted = errors.New("capture: audio source exhausted")
)

// chunker regroups PCM into buffers of a fixed byte size.
type chunker struct {
	size    int
	pending []byte
}

func newChunker(bufferSize, channels int) *chunker {
	if bufferSize <= 0 {
		bufferSize = 2048
	}
	if channels <= 0 {
		channels = 1
	}
	return &chunker{size: bufferSize * channels * 2}
}

func (c *chunker) push(pcm []byte, emit func([]byte)) {
	c.pending = append(c.pending, pcm...)
	for len(c.pending) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.pending[:c.size])
		c.pending = c.pending[c.size:]
		emit(chunk)
	}
}

func (c *chunker) flush(emit func([]byte)) {
	if len(c.pending) == 0 {
		return
	}
	chunk := c.pending
	c.pending = nil
	emit(chunk)
}

// toPCM16 renders samples of the given bit depth as 16-bit little-endian PCM.
func toPCM16(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		switch {
		case bitDepth == 8:
			v = (v - 128) << 8
		case bitDepth > 16:
			v >>= bitDepth - 16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
