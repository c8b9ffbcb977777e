// Package chunker turns access units into header + payload datagrams.
package chunker

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/wire"
)

const (
	// DefaultChunkSize keeps datagrams under a typical 1500-byte MTU
	DefaultChunkSize = 1400
	// MinChunkSize is the smallest size that can carry a tagged payload
	MinChunkSize = wire.HeaderSize + 1
)

// Chunker splits access units into datagrams. Frame ids come from a
// per-Chunker counter that wraps at 2^32.
type Chunker struct {
	chunkSize int
	format    wire.Format
	nextID    uint32
}

// New creates a Chunker. chunkSize is the maximum datagram length.
func New(chunkSize int, format wire.Format) (*Chunker, error) {
	if chunkSize < MinChunkSize || chunkSize > wire.MaxDatagram {
		return nil, fmt.Errorf("chunk size %d out of range [%d, %d]", chunkSize, MinChunkSize, wire.MaxDatagram)
	}
	return &Chunker{chunkSize: chunkSize, format: format}, nil
}

// ChunkSize returns the maximum datagram length
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// Split returns the header datagram followed by the payload datagrams for au,
// and the frame id used. An empty unit produces no datagrams and consumes no id.
func (c *Chunker) Split(au []byte) ([][]byte, uint32) {
	if len(au) == 0 {
		return nil, 0
	}

	id := c.nextID
	c.nextID++

	out := make([][]byte, 0, 2+len(au)/c.chunkSize)
	out = append(out, wire.EncodeHeader(wire.Header{TotalSize: uint32(len(au)), FrameID: id}))

	if c.format == wire.FormatTagged {
		step := c.chunkSize - wire.TagSize
		for off := 0; off < len(au); off += step {
			end := min(off+step, len(au))
			out = append(out, wire.EncodeTagged(id, uint32(off), au[off:end]))
		}
		return out, id
	}

	for _, size := range legacySizes(len(au), c.chunkSize) {
		out = append(out, au[:size:size])
		au = au[size:]
	}
	return out, id
}

// legacySizes returns payload lengths for a unit of n bytes. No length is
// ever wire.HeaderSize, since the receiver would read that datagram as a header.
func legacySizes(n, chunkSize int) []int {
	sizes := make([]int, 0, n/chunkSize+2)
	for n > 0 {
		size := min(n, chunkSize)
		sizes = append(sizes, size)
		n -= size
	}

	last := len(sizes) - 1
	if sizes[last] != wire.HeaderSize {
		return sizes
	}
	if last > 0 && sizes[last-1]-1 != wire.HeaderSize {
		// Previous chunk gives up one byte
		sizes[last-1]--
		sizes[last]++
		return sizes
	}
	sizes[last] = wire.HeaderSize - 1
	return append(sizes, 1)
}
