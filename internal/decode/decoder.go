// Package decode feeds reassembled access units to a video decoder and
// converts its output to RGBA images for display.
package decode

import (
	"errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// ErrNeedMoreData means the decoder has no frame ready and wants more input
var ErrNeedMoreData = errors.New("decode: need more data")

// Decoder is an H.264 decoder. SendAccessUnit submits one unit;
// ReceiveFrame returns decoded pictures in presentation order until it
// reports ErrNeedMoreData. Flush discards internal state after an error.
type Decoder interface {
	SendAccessUnit(au []byte) error
	ReceiveFrame() (*types.RawFrame, error)
	Flush() error
	Close() error
}
