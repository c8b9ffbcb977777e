// Package wire defines the datagram layout shared by sender and receiver.
//
// A frame is announced by an 8-byte header datagram (total size and frame id,
// both big-endian u32) followed by payload datagrams. Legacy payloads are raw
// bytes bound to the most recent header; tagged payloads carry their own
// frame id and byte offset. Any datagram of exactly HeaderSize bytes is a header.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the length of a header datagram
	HeaderSize = 8
	// TagSize is the length of the prefix on a tagged payload datagram
	TagSize = 8
	// MaxDatagram is the largest UDP payload over IPv4
	MaxDatagram = 65507
)

var (
	ErrShortDatagram = errors.New("wire: datagram too short")
	ErrMalformed     = errors.New("wire: malformed datagram")
)

// Format selects how payload datagrams are laid out
type Format int

const (
	FormatLegacy Format = iota // raw bytes, bound to the latest header
	FormatTagged               // frame_id + offset prefix
)

// ParseFormat parses "legacy" or "tagged"
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "legacy":
		return FormatLegacy, nil
	case "tagged":
		return FormatTagged, nil
	default:
		return FormatLegacy, fmt.Errorf("unknown wire format %q", s)
	}
}

func (f Format) String() string {
	if f == FormatTagged {
		return "tagged"
	}
	return "legacy"
}

// Header announces a frame
type Header struct {
	TotalSize uint32
	FrameID   uint32
}

// IsHeader reports whether a datagram is a header. Classification is by length only.
func IsHeader(datagram []byte) bool {
	return len(datagram) == HeaderSize
}

// EncodeHeader returns the 8-byte header datagram
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(b[0:4], h.TotalSize)
	binary.BigEndian.PutUint32(b[4:8], h.FrameID)
	return b
}

// DecodeHeader parses a header datagram
func DecodeHeader(datagram []byte) (Header, error) {
	if len(datagram) != HeaderSize {
		return Header{}, fmt.Errorf("decode header (%d bytes): %w", len(datagram), ErrMalformed)
	}
	return Header{
		TotalSize: binary.BigEndian.Uint32(datagram[0:4]),
		FrameID:   binary.BigEndian.Uint32(datagram[4:8]),
	}, nil
}

// Chunk is a decoded tagged payload
type Chunk struct {
	FrameID uint32
	Offset  uint32
	Data    []byte // aliases the datagram
}

// EncodeTagged builds a tagged payload datagram. data must not be empty.
func EncodeTagged(frameID, offset uint32, data []byte) []byte {
	b := make([]byte, TagSize+len(data))
	binary.BigEndian.PutUint32(b[0:4], frameID)
	binary.BigEndian.PutUint32(b[4:8], offset)
	copy(b[TagSize:], data)
	return b
}

// DecodeTagged parses a tagged payload datagram
func DecodeTagged(datagram []byte) (Chunk, error) {
	if len(datagram) < TagSize {
		return Chunk{}, fmt.Errorf("decode tagged (%d bytes): %w", len(datagram), ErrShortDatagram)
	}
	if len(datagram) == TagSize {
		return Chunk{}, fmt.Errorf("decode tagged: empty payload: %w", ErrMalformed)
	}
	return Chunk{
		FrameID: binary.BigEndian.Uint32(datagram[0:4]),
		Offset:  binary.BigEndian.Uint32(datagram[4:8]),
		Data:    datagram[TagSize:],
	}, nil
}
