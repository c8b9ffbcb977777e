package h264

import (
	"errors"
	"fmt"
)

// ErrSPSTruncated is returned when an SPS ends before the fields we need
var ErrSPSTruncated = errors.New("h264: sps truncated")

// SPSInfo holds the sequence parameters needed to size decoded output
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.64001F"
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// Profiles that carry chroma_format_idc and scaling matrices in the SPS
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an SPS NAL unit. The unit may start with a start code.
func ParseSPS(nal []byte) (SPSInfo, error) {
	if pos, n := findStartCode(nal, 0); pos == 0 {
		nal = nal[n:]
	}
	if len(nal) < 4 {
		return SPSInfo{}, ErrSPSTruncated
	}
	if nal[0]&0x1F != 7 {
		return SPSInfo{}, fmt.Errorf("h264: nal type %d is not an sps", nal[0]&0x1F)
	}

	r := &bitReader{data: unescapeRBSP(nal[1:])}

	profile := r.bits(8)
	constraints := r.bits(8)
	level := r.bits(8)
	r.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfiles[profile] {
		chromaFormat = r.ue()
		if chromaFormat == 3 {
			separatePlanes = r.bits(1) == 1
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.bits(1) // qpprime_y_zero_transform_bypass_flag
		if r.bits(1) == 1 {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.bits(1) == 0 {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				r.skipScalingList(size)
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.bits(1)
		r.se()
		r.se()
		cycle := r.ue()
		for i := uint(0); i < cycle && r.err == nil; i++ {
			r.se()
		}
	}

	r.ue()    // max_num_ref_frames
	r.bits(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := r.ue() + 1
	heightUnits := r.ue() + 1
	frameMbsOnly := r.bits(1)
	if frameMbsOnly == 0 {
		r.bits(1) // mb_adaptive_frame_field_flag
	}
	r.bits(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if r.bits(1) == 1 {
		cropL, cropR, cropT, cropB = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return SPSInfo{}, r.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	cropUnitX := subW
	cropUnitY := subH * (2 - frameMbsOnly)

	width := int(widthMbs*16) - int(cropUnitX*(cropL+cropR))
	height := int(heightUnits*16*(2-frameMbsOnly)) - int(cropUnitY*(cropT+cropB))
	if width <= 0 || height <= 0 {
		return SPSInfo{}, fmt.Errorf("h264: invalid sps dimensions %dx%d", width, height)
	}

	return SPSInfo{
		Width:           width,
		Height:          height,
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
	}, nil
}

// bitReader reads RBSP bits MSB first. The first out-of-data read sets err and
// every later read returns zero.
type bitReader struct {
	data []byte
	pos  int // bit position
	err  error
}

func (r *bitReader) bit() uint {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data)*8 {
		r.err = ErrSPSTruncated
		return 0
	}
	b := (r.data[r.pos/8] >> (7 - uint(r.pos%8))) & 1
	r.pos++
	return uint(b)
}

func (r *bitReader) bits(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		v = v<<1 | r.bit()
	}
	return v
}

// ue reads an unsigned exp-Golomb code
func (r *bitReader) ue() uint {
	zeros := 0
	for r.bit() == 0 {
		if r.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			r.err = fmt.Errorf("h264: exp-golomb code too long")
			return 0
		}
	}
	return (1 << zeros) - 1 + r.bits(zeros)
}

// se reads a signed exp-Golomb code
func (r *bitReader) se() int {
	v := r.ue()
	if v%2 == 1 {
		return int(v+1) / 2
	}
	return -int(v / 2)
}

func (r *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && r.err == nil; j++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// unescapeRBSP drops emulation prevention bytes (00 00 03 -> 00 00)
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
