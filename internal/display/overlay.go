// Package display renders decoded pictures: an FPS overlay and an MJPEG
// fan-out to browsers.
package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Sink receives every decoded picture in order. img is reused by the
// caller after Show returns.
type Sink interface {
	Show(img *image.RGBA)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(img *image.RGBA)

func (f SinkFunc) Show(img *image.RGBA) { f(img) }

// fpsWindow is the number of frame intervals the FPS average spans
const fpsWindow = 10

// Overlay draws the smoothed display rate onto each picture and forwards
// it to the next sink.
type Overlay struct {
	next  Sink
	onFPS func(float64)
	now   func() time.Time

	mu    sync.Mutex
	times []time.Time
	fps   float64
}

// NewOverlay wraps next. onFPS, if set, receives every new FPS value.
func NewOverlay(next Sink, onFPS func(float64)) *Overlay {
	return &Overlay{
		next:  next,
		onFPS: onFPS,
		now:   time.Now,
		times: make([]time.Time, 0, fpsWindow+1),
	}
}

// Show implements Sink
func (o *Overlay) Show(img *image.RGBA) {
	fps := o.tick()
	label := fmt.Sprintf("FPS: %.1f", fps)
	drawLabel(img, 10, 10, label)
	if o.onFPS != nil {
		o.onFPS(fps)
	}
	if o.next != nil {
		o.next.Show(img)
	}
}

// FPS returns the latest smoothed rate
func (o *Overlay) FPS() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fps
}

func (o *Overlay) tick() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.times = append(o.times, o.now())
	if len(o.times) > fpsWindow+1 {
		o.times = o.times[1:]
	}
	if n := len(o.times); n > 1 {
		if span := o.times[n-1].Sub(o.times[0]); span > 0 {
			o.fps = float64(n-1) / span.Seconds()
		}
	}
	return o.fps
}

// drawLabel writes white text on a black box with its top-left at (x, y)
func drawLabel(img *image.RGBA, x, y int, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	box := image.Rect(x-2, y-2, x+width+2, y+face.Height+2).Intersect(img.Bounds())
	if box.Empty() {
		return
	}
	draw.Draw(img, box, image.NewUniform(color.Black), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + face.Ascent)},
	}
	d.DrawString(text)
}
