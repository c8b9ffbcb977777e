package display

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

// NoiseEstimator measures the Gaussian noise level of each picture with
// Immerkær's fast estimator: the luma plane is convolved with the
// Laplacian-difference kernel
//
//	 1 -2  1
//	-2  4 -2
//	 1 -2  1
//
// and sigma = sum|response| * sqrt(pi/2) / (6 (W-2) (H-2)) over interior
// pixels. Place it before any sink that draws on the picture.
type NoiseEstimator struct {
	next    Sink
	onSigma func(float64)
	log     *logger.Limiter

	mu    sync.Mutex
	sigma float64
	gray  []uint8
}

// NewNoiseEstimator wraps next. onSigma, if set, receives every estimate.
func NewNoiseEstimator(next Sink, onSigma func(float64)) *NoiseEstimator {
	return &NoiseEstimator{
		next:    next,
		onSigma: onSigma,
		log:     logger.Every(time.Second),
	}
}

// Show implements Sink
func (n *NoiseEstimator) Show(img *image.RGBA) {
	sigma := n.estimate(img)
	n.log.Debug("Noise", "sigma %.3f", sigma)
	if n.onSigma != nil {
		n.onSigma(sigma)
	}
	if n.next != nil {
		n.next.Show(img)
	}
}

// Sigma returns the latest estimate
func (n *NoiseEstimator) Sigma() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sigma
}

func (n *NoiseEstimator) estimate(img *image.RGBA) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		n.sigma = 0
		return 0
	}

	if cap(n.gray) < w*h {
		n.gray = make([]uint8, w*h)
	}
	gray := n.gray[:w*h]
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for x := 0; x < w; x++ {
			r, g, bl := uint32(row[4*x]), uint32(row[4*x+1]), uint32(row[4*x+2])
			// BT.601 weights, same rounding as color.GrayModel
			gray[y*w+x] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
		}
	}

	var sum uint64
	for y := 1; y < h-1; y++ {
		up, mid, down := gray[(y-1)*w:y*w], gray[y*w:(y+1)*w], gray[(y+1)*w:(y+2)*w]
		for x := 1; x < w-1; x++ {
			v := int(up[x-1]) - 2*int(up[x]) + int(up[x+1]) -
				2*int(mid[x-1]) + 4*int(mid[x]) - 2*int(mid[x+1]) +
				int(down[x-1]) - 2*int(down[x]) + int(down[x+1])
			if v < 0 {
				v = -v
			}
			sum += uint64(v)
		}
	}

	n.sigma = float64(sum) * math.Sqrt(math.Pi/2) / (6 * float64(w-2) * float64(h-2))
	return n.sigma
}
