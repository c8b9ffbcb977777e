package display

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	return img
}

func TestNoiseEstimator(t *testing.T) {
	tests := []struct {
		name string
		img  *image.RGBA
		want float64
	}{
		{"flat", solid(64, 48, color.RGBA{120, 80, 40, 255}), 0},
		// Every interior response is |-2040|
		{"checkerboard", checkerboard(32, 16), 2040 * math.Sqrt(math.Pi/2) / 6},
		{"too small", checkerboard(2, 2), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reported float64
			var shown *image.RGBA
			n := NewNoiseEstimator(SinkFunc(func(img *image.RGBA) { shown = img }),
				func(s float64) { reported = s })
			n.Show(tt.img)

			if math.Abs(n.Sigma()-tt.want) > 1e-9 || math.Abs(reported-tt.want) > 1e-9 {
				t.Fatalf("sigma = %f (reported %f), want %f", n.Sigma(), reported, tt.want)
			}
			if shown != tt.img {
				t.Fatal("picture not forwarded")
			}
		})
	}
}

func TestNoiseEstimatorReusesLumaBuffer(t *testing.T) {
	n := NewNoiseEstimator(nil, nil)
	n.Show(checkerboard(32, 16))
	first := &n.gray[0]
	n.Show(checkerboard(16, 16))
	if &n.gray[0] != first {
		t.Fatal("luma buffer reallocated for a smaller picture")
	}
}
