package h264

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// DefaultTrimThreshold bounds the accumulation buffer (bytes)
const DefaultTrimThreshold = 1_000_000

// Framer splits a raw Annex-B byte stream into units delimited by start codes.
// Input may arrive in arbitrary pieces; scanning runs over the accumulated
// buffer so start codes straddling two writes are still found.
type Framer struct {
	buf           []byte
	off           int // start of unconsumed data in buf
	scan          int // resume offset (relative to off) for the next start code search
	trimThreshold int

	trims        uint64
	droppedBytes uint64
}

// FramerConfig holds Framer settings
type FramerConfig struct {
	TrimThreshold int // Bytes; <= 0 selects DefaultTrimThreshold
}

// NewFramer creates a Framer
func NewFramer(cfg FramerConfig) *Framer {
	threshold := cfg.TrimThreshold
	if threshold <= 0 {
		threshold = DefaultTrimThreshold
	}
	return &Framer{trimThreshold: threshold}
}

// Write appends bitstream bytes. Call Next until it returns false afterwards.
func (f *Framer) Write(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the next complete unit: the bytes from one start code up to,
// not including, the following one. The returned slice is owned by the caller.
// When no complete unit is available and the buffer has grown past the trim
// threshold, old data is discarded so the buffer ends strictly below it.
func (f *Framer) Next() ([]byte, bool) {
	data := f.buf[f.off:]

	s0, n0 := findStartCode(data, 0)
	if s0 < 0 {
		f.enforceBudget()
		return nil, false
	}
	if s0 > 0 {
		// Garbage before the first start code can never be decoded
		f.droppedBytes += uint64(s0)
		f.off += s0
		f.scan = 0
		data = data[s0:]
	}

	from := n0
	if f.scan > from {
		from = f.scan
	}
	s1, _ := findStartCode(data, from)
	if s1 < 0 {
		f.scan = len(data) - 3
		if f.scan < n0 {
			f.scan = n0
		}
		f.enforceBudget()
		return nil, false
	}

	unit := make([]byte, s1)
	copy(unit, data[:s1])
	f.off += s1
	f.scan = 0
	f.compact()
	return unit, true
}

// Flush returns whatever follows the last start code as a final unit
func (f *Framer) Flush() ([]byte, bool) {
	data := f.buf[f.off:]
	s0, _ := findStartCode(data, 0)
	f.buf = f.buf[:0]
	f.off = 0
	f.scan = 0
	if s0 < 0 {
		f.droppedBytes += uint64(len(data))
		return nil, false
	}
	unit := make([]byte, len(data)-s0)
	copy(unit, data[s0:])
	return unit, true
}

// Buffered returns the number of bytes waiting for a closing start code
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

// Trims returns how many times the trim policy discarded data
func (f *Framer) Trims() uint64 {
	return f.trims
}

// DroppedBytes returns the total bytes discarded by trimming or as leading garbage
func (f *Framer) DroppedBytes() uint64 {
	return f.droppedBytes
}

func (f *Framer) enforceBudget() {
	for f.Buffered() >= f.trimThreshold {
		data := f.buf[f.off:]
		cut := lastStartCode(data)
		if cut <= 0 {
			cut = len(data) / 2
		}
		f.off += cut
		f.droppedBytes += uint64(cut)
		f.trims++
		f.scan = 0
		logger.Warn("Framer", "Buffer exceeded %d bytes without a complete unit, trimmed %d bytes (now %d)",
			f.trimThreshold, cut, f.Buffered())
	}
	f.compact()
}

// compact moves unconsumed bytes to the front once the consumed prefix dominates
func (f *Framer) compact() {
	if f.off == 0 {
		return
	}
	if f.off == len(f.buf) {
		f.buf = f.buf[:0]
		f.off = 0
		return
	}
	if f.off > len(f.buf)/2 {
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
}

// findStartCode finds the first start code at or after offset.
// Returns its position and length (3 or 4), or -1 when absent.
func findStartCode(data []byte, offset int) (int, int) {
	for i := offset; i+2 < len(data); i++ {
		if data[i] != 0x00 || data[i+1] != 0x00 {
			continue
		}
		if data[i+2] == 0x01 {
			return i, 3
		}
		if data[i+2] == 0x00 && i+3 < len(data) && data[i+3] == 0x01 {
			return i, 4
		}
	}
	return -1, 0
}

func lastStartCode(data []byte) int {
	last := -1
	for pos, n := findStartCode(data, 0); pos >= 0; pos, n = findStartCode(data, pos+n) {
		last = pos
	}
	return last
}

// NALType extracts the NAL unit type that follows the leading start code
func NALType(unit []byte) uint8 {
	pos, n := findStartCode(unit, 0)
	if pos != 0 || len(unit) <= n {
		return 0
	}
	return unit[n] & 0x1F
}

// Aggregator groups consecutive NAL units into access units that end with a
// slice NAL, so parameter sets and SEI travel with the picture they precede.
// Pictures coded as several slices come out as one unit per slice.
type Aggregator struct {
	pending []byte
	isIDR   bool
	maxSize int
}

// NewAggregator creates an Aggregator; a unit without any slice is flushed
// once it reaches maxSize bytes.
func NewAggregator(maxSize int) *Aggregator {
	if maxSize <= 0 {
		maxSize = DefaultTrimThreshold
	}
	return &Aggregator{maxSize: maxSize}
}

// Push adds one NAL unit and returns a completed access unit when the NAL
// closes one.
func (a *Aggregator) Push(nal []byte) (types.AccessUnit, bool) {
	nalType := NALType(nal)
	a.pending = append(a.pending, nal...)
	if nalType == types.NALTypeIDR {
		a.isIDR = true
	}
	if !types.IsVCL(nalType) && len(a.pending) < a.maxSize {
		return types.AccessUnit{}, false
	}

	au := types.AccessUnit{Data: a.pending, IsIDR: a.isIDR}
	a.pending = nil
	a.isIDR = false
	return au, true
}

// Flush returns the NAL units collected since the last completed unit
func (a *Aggregator) Flush() (types.AccessUnit, bool) {
	if len(a.pending) == 0 {
		return types.AccessUnit{}, false
	}
	au := types.AccessUnit{Data: a.pending, IsIDR: a.isIDR}
	a.pending = nil
	a.isIDR = false
	return au, true
}
