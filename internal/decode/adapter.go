package decode

import (
	"errors"
	"image"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

// AdapterStats is a snapshot of Adapter counters
type AdapterStats struct {
	Units   uint64
	Frames  uint64
	Errors  uint64
	Flushes uint64
}

// Adapter drives a Decoder one access unit at a time. Hard decode errors
// are logged and followed by a Flush; the stream carries on with the next unit.
type Adapter struct {
	dec     Decoder
	scratch *image.RGBA
	errLog  *logger.Limiter

	units   atomic.Uint64
	frames  atomic.Uint64
	errs    atomic.Uint64
	flushes atomic.Uint64
}

// NewAdapter wraps dec. The adapter does not own dec; callers Close it.
func NewAdapter(dec Decoder) *Adapter {
	return &Adapter{
		dec:    dec,
		errLog: logger.Every(time.Second),
	}
}

// Decode submits au and passes every decoded picture to emit, in order.
// The image handed to emit is reused by the next call; copy it to keep it.
// Returns the number of pictures emitted.
func (a *Adapter) Decode(au []byte, emit func(*image.RGBA)) int {
	a.units.Add(1)

	if err := a.dec.SendAccessUnit(au); err != nil {
		if errors.Is(err, ErrNeedMoreData) {
			return 0
		}
		a.fail("send", err)
		return 0
	}

	n := 0
	for {
		raw, err := a.dec.ReceiveFrame()
		if errors.Is(err, ErrNeedMoreData) {
			return n
		}
		if err != nil {
			a.fail("receive", err)
			return n
		}
		a.scratch = toRGBA(raw, a.scratch)
		a.frames.Add(1)
		n++
		if emit != nil {
			emit(a.scratch)
		}
	}
}

func (a *Adapter) fail(stage string, err error) {
	a.errs.Add(1)
	a.errLog.Warn("Decode", "%s failed, flushing decoder: %v", stage, err)
	if ferr := a.dec.Flush(); ferr != nil {
		logger.Error("Decode", "Flush failed: %v", ferr)
	}
	a.flushes.Add(1)
}

// Stats returns a snapshot of the counters
func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		Units:   a.units.Load(),
		Frames:  a.frames.Load(),
		Errors:  a.errs.Load(),
		Flushes: a.flushes.Load(),
	}
}
