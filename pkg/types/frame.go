package types

import (
	"net"
	"time"
)

// AccessUnit is one complete, decodable unit of H.264 bitstream
type AccessUnit struct {
	Data      []byte    // Annex-B bytes, start codes included
	FrameID   uint32    // Frame identifier carried in the wire header
	Timestamp time.Time // Time the unit was framed or completed
	IsIDR     bool      // True if the unit contains an IDR slice
}

// Size returns the number of bitstream bytes in the unit
func (au *AccessUnit) Size() int {
	return len(au.Data)
}

// NALUnit represents a single H.264 NAL unit
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits)
	Data []byte // Complete NAL unit including start code
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)

// IsVCL reports whether the NAL type carries slice data
func IsVCL(nalType uint8) bool {
	return nalType >= NALTypeSlice && nalType <= NALTypeIDR
}

// RawFrame is a decoded planar YUV 4:2:0 picture
type RawFrame struct {
	Width   int
	Height  int
	Y       []byte
	Cb      []byte
	Cr      []byte
	YStride int
	CStride int
}

// Datagram is a single UDP payload with its origin
type Datagram struct {
	Data       []byte
	Addr       net.Addr
	ReceivedAt time.Time
}
