package receiver

import (
	"bytes"
	"context"
	"image"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/chunker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/decode"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/wire"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// oneFrameDecoder emits one 4x4 picture per accepted unit
type oneFrameDecoder struct {
	mu      sync.Mutex
	pending int
}

func (d *oneFrameDecoder) SendAccessUnit(au []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending++
	return nil
}

func (d *oneFrameDecoder) ReceiveFrame() (*types.RawFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == 0 {
		return nil, decode.ErrNeedMoreData
	}
	d.pending--
	return &types.RawFrame{
		Width: 4, Height: 4,
		Y: make([]byte, 16), Cb: make([]byte, 4), Cr: make([]byte, 4),
		YStride: 4, CStride: 2,
	}, nil
}

func (d *oneFrameDecoder) Flush() error { return nil }
func (d *oneFrameDecoder) Close() error { return nil }

func unit(i, size int) []byte {
	b := bytes.Repeat([]byte{byte(i)}, size)
	copy(b, []byte{0x00, 0x00, 0x00, 0x01, 0x41})
	return b
}

func TestReceiverReassemblesAndDecodes(t *testing.T) {
	for _, format := range []wire.Format{wire.FormatLegacy, wire.FormatTagged} {
		t.Run(format.String(), func(t *testing.T) {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			defer conn.Close()

			cfg := DefaultConfig()
			cfg.Reassembly.Format = format
			m := metrics.New()
			r := New(cfg, conn, decode.NewAdapter(&oneFrameDecoder{}), m)

			units := make(chan types.AccessUnit, 16)
			r.AddRelay(func(au types.AccessUnit) { units <- au })
			shown := make(chan image.Rectangle, 16)
			r.AddSink(display.SinkFunc(func(img *image.RGBA) { shown <- img.Bounds() }))

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- r.Run(ctx) }()

			out, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
			if err != nil {
				t.Fatalf("listen sender: %v", err)
			}
			defer out.Close()

			c, _ := chunker.New(1400, format)
			s := chunker.NewSender(c, 0)
			sizes := []int{3000, 500, 1400, 9000}
			for i, size := range sizes {
				if err := s.Send(context.Background(), out, conn.LocalAddr(), unit(i, size)); err != nil {
					t.Fatalf("send %d: %v", i, err)
				}
			}

			for i, size := range sizes {
				select {
				case au := <-units:
					if au.FrameID != uint32(i) || !bytes.Equal(au.Data, unit(i, size)) {
						t.Fatalf("unit %d: id %d, %d bytes", i, au.FrameID, len(au.Data))
					}
				case <-time.After(2 * time.Second):
					t.Fatalf("unit %d not reassembled", i)
				}
				select {
				case b := <-shown:
					if b.Dx() != 4 {
						t.Fatalf("picture size %v", b)
					}
				case <-time.After(2 * time.Second):
					t.Fatalf("picture %d not shown", i)
				}
			}

			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := r.Stats().Completed; got != uint64(len(sizes)) {
				t.Fatalf("completed = %d", got)
			}
			if m.FramesDecoded.Load() != uint64(len(sizes)) {
				t.Fatalf("decoded = %d", m.FramesDecoded.Load())
			}
		})
	}
}

func TestDecodeQueueDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecodeQueue = 2
	m := metrics.New()
	r := New(cfg, nil, decode.NewAdapter(&oneFrameDecoder{}), m)

	for id := uint32(1); id <= 3; id++ {
		r.enqueueDecode(types.AccessUnit{FrameID: id})
	}
	if m.DecodeQueueDrops.Load() != 1 {
		t.Fatalf("drops = %d", m.DecodeQueueDrops.Load())
	}
	if a, b := <-r.decodeQ, <-r.decodeQ; a.FrameID != 2 || b.FrameID != 3 {
		t.Fatalf("queue = %d, %d; want 2, 3", a.FrameID, b.FrameID)
	}
}

func TestReceiverCountsOrphans(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	m := metrics.New()
	r := New(DefaultConfig(), conn, decode.NewAdapter(&oneFrameDecoder{}), m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	out, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer out.Close()
	_, _ = out.Write(bytes.Repeat([]byte{0xAB}, 100))

	deadline := time.Now().Add(2 * time.Second)
	for m.Orphans.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("orphan not counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
