package h264

import (
	"bytes"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// Processor tracks SPS/PPS across access units so IDR units can be made
// self-contained for receivers that join mid-stream.
type Processor struct {
	spsCache   []byte // Cached SPS NAL unit (with start code)
	ppsCache   []byte // Cached PPS NAL unit (with start code)
	hasHeaders bool   // True if SPS/PPS are cached
	spsInfo    SPSInfo
}

// NewProcessor creates a new H.264 processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Process scans an access unit, caches parameter sets and flags IDR units.
// Only SPS/PPS are copied; slice data is never duplicated.
func (p *Processor) Process(au *types.AccessUnit) {
	for _, nal := range SplitNALUnits(au.Data) {
		switch nal.Type {
		case types.NALTypeSPS:
			if !bytes.Equal(p.spsCache, nal.Data) {
				p.spsCache = append([]byte(nil), nal.Data...)
				if info, err := ParseSPS(nal.Data); err == nil {
					p.spsInfo = info
				}
			}
		case types.NALTypePPS:
			p.ppsCache = append([]byte(nil), nal.Data...)
			if len(p.spsCache) > 0 {
				p.hasHeaders = true
			}
		case types.NALTypeIDR:
			au.IsIDR = true
		}
	}
}

// PrependHeaders returns data with the cached SPS/PPS in front when data is
// an IDR unit that does not already carry an SPS. Other data is returned as is.
func (p *Processor) PrependHeaders(data []byte) []byte {
	if !p.hasHeaders {
		return data
	}

	hasIDR, hasSPS := false, false
	for _, nal := range SplitNALUnits(data) {
		switch nal.Type {
		case types.NALTypeIDR:
			hasIDR = true
		case types.NALTypeSPS:
			hasSPS = true
		}
	}
	if !hasIDR || hasSPS {
		return data
	}

	result := make([]byte, 0, len(p.spsCache)+len(p.ppsCache)+len(data))
	result = append(result, p.spsCache...)
	result = append(result, p.ppsCache...)
	result = append(result, data...)
	return result
}

// HasHeaders returns true if SPS/PPS headers are cached
func (p *Processor) HasHeaders() bool {
	return p.hasHeaders
}

// SPS returns the cached SPS NAL unit
func (p *Processor) SPS() []byte {
	return p.spsCache
}

// PPS returns the cached PPS NAL unit
func (p *Processor) PPS() []byte {
	return p.ppsCache
}

// SPSInfo returns the parameters of the last parsed SPS
func (p *Processor) SPSInfo() (SPSInfo, bool) {
	return p.spsInfo, p.spsInfo.Width > 0
}

// SplitNALUnits returns the NAL units of an Annex-B buffer. Data slices alias
// the input and include their start code.
func SplitNALUnits(data []byte) []types.NALUnit {
	var units []types.NALUnit
	pos, n := findStartCode(data, 0)
	for pos >= 0 {
		next, nextLen := findStartCode(data, pos+n)
		end := next
		if end < 0 {
			end = len(data)
		}
		if pos+n < end {
			units = append(units, types.NALUnit{
				Type: data[pos+n] & 0x1F,
				Data: data[pos:end],
			})
		}
		pos, n = next, nextLen
	}
	return units
}

// IsIDRFrame reports whether data contains an IDR slice
func IsIDRFrame(data []byte) bool {
	for _, nal := range SplitNALUnits(data) {
		if nal.Type == types.NALTypeIDR {
			return true
		}
	}
	return false
}
