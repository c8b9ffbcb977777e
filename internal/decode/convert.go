package decode

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// ycbcr wraps the planes of a decoded frame without copying
func ycbcr(f *types.RawFrame) *image.YCbCr {
	return &image.YCbCr{
		Y:              f.Y,
		Cb:             f.Cb,
		Cr:             f.Cr,
		YStride:        f.YStride,
		CStride:        f.CStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}

// toRGBA converts f into dst, reallocating dst only when the size changed.
// Returns the image written to.
func toRGBA(f *types.RawFrame, dst *image.RGBA) *image.RGBA {
	bounds := image.Rect(0, 0, f.Width, f.Height)
	if dst == nil || dst.Bounds() != bounds {
		dst = image.NewRGBA(bounds)
	}
	draw.Draw(dst, bounds, ycbcr(f), image.Point{}, draw.Src)
	return dst
}
