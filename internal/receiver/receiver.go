// Package receiver runs the receive side: socket reader, reassembly loop
// and decode task.
package receiver

import (
	"context"
	"errors"
	"image"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/decode"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/reassembly"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/wire"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// Config sizes the receive pipeline
type Config struct {
	Reassembly    reassembly.Config
	BatchSize     int // datagrams ingested per loop wake-up
	DecodeQueue   int // completed units waiting for the decoder, drop-oldest
	SocketQueue   int // datagrams waiting for the loop, drop-newest
	SweepInterval time.Duration
}

// DefaultConfig returns the receiver defaults
func DefaultConfig() Config {
	return Config{
		Reassembly:    reassembly.DefaultConfig(),
		BatchSize:     10,
		DecodeQueue:   8,
		SocketQueue:   1024,
		SweepInterval: 100 * time.Millisecond,
	}
}

// Receiver owns the reassembly buffer. Only the loop goroutine touches it.
type Receiver struct {
	cfg     Config
	conn    net.PacketConn
	buf     *reassembly.Buffer
	adapter *decode.Adapter
	metrics *metrics.Metrics

	sinks  []display.Sink
	relays []func(types.AccessUnit)

	decodeQ chan types.AccessUnit

	orphanLog *logger.Limiter
	dropLog   *logger.Limiter

	statsMu sync.Mutex
	stats   reassembly.Stats
}

// New creates a receiver reading from conn. The caller keeps ownership of
// conn and closes it after Run returns.
func New(cfg Config, conn net.PacketConn, adapter *decode.Adapter, m *metrics.Metrics) *Receiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.DecodeQueue <= 0 {
		cfg.DecodeQueue = 8
	}
	if cfg.SocketQueue <= 0 {
		cfg.SocketQueue = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 100 * time.Millisecond
	}
	return &Receiver{
		cfg:       cfg,
		conn:      conn,
		buf:       reassembly.New(cfg.Reassembly),
		adapter:   adapter,
		metrics:   m,
		decodeQ:   make(chan types.AccessUnit, cfg.DecodeQueue),
		orphanLog: logger.Every(time.Second),
		dropLog:   logger.Every(time.Second),
	}
}

// AddSink registers a display sink. Call before Run.
func (r *Receiver) AddSink(s display.Sink) {
	r.sinks = append(r.sinks, s)
}

// AddRelay registers a function that receives every completed unit on the
// loop goroutine. It must not block. Call before Run.
func (r *Receiver) AddRelay(fn func(types.AccessUnit)) {
	r.relays = append(r.relays, fn)
}

// Run blocks until ctx is cancelled or the socket fails
func (r *Receiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	datagrams := make(chan types.Datagram, r.cfg.SocketQueue)

	g.Go(func() error { return r.readLoop(ctx, datagrams) })
	g.Go(func() error { return r.eventLoop(ctx, datagrams) })
	g.Go(func() error { return r.decodeLoop(ctx) })

	logger.Info("Receiver", "Receiving on %s (batch %d, decode queue %d)",
		r.conn.LocalAddr(), r.cfg.BatchSize, r.cfg.DecodeQueue)
	return g.Wait()
}

func (r *Receiver) readLoop(ctx context.Context, out chan<- types.Datagram) error {
	// Unblock ReadFrom without closing a socket we do not own
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, wire.MaxDatagram+1)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.metrics.ReadErrors.Add(1)
			return err
		}
		r.metrics.DatagramsReceived.Add(1)
		r.metrics.BytesReceived.Add(uint64(n))

		select {
		case out <- types.Datagram{Data: append([]byte(nil), buf[:n]...), Addr: from, ReceivedAt: time.Now()}:
		default:
			r.metrics.SocketDrops.Add(1)
			r.dropLog.Warn("Receiver", "Socket queue full, dropping datagram")
		}
	}
}

func (r *Receiver) eventLoop(ctx context.Context, in <-chan types.Datagram) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-in:
			r.ingest(d)
		batch:
			for i := 1; i < r.cfg.BatchSize; i++ {
				select {
				case d := <-in:
					r.ingest(d)
				default:
					break batch
				}
			}
		case <-ticker.C:
		}

		if n := r.buf.Sweep(); n > 0 {
			logger.Debug("Receiver", "Expired %d pending frames", n)
		}
		r.dispatch()
		r.publish()
	}
}

func (r *Receiver) ingest(d types.Datagram) {
	err := r.buf.Ingest(d.Data)
	switch {
	case err == nil:
	case errors.Is(err, reassembly.ErrOrphan):
		r.orphanLog.Debug("Receiver", "Orphan payload from %s (%d bytes)", d.Addr, len(d.Data))
	default:
		r.orphanLog.Warn("Receiver", "Dropped datagram from %s: %v", d.Addr, err)
	}
}

// dispatch moves completed units to the relays and the decode queue
func (r *Receiver) dispatch() {
	for {
		au, ok := r.buf.Pop()
		if !ok {
			return
		}
		for _, relay := range r.relays {
			relay(au)
		}
		r.enqueueDecode(au)
	}
}

// enqueueDecode drops the oldest queued unit when the decoder falls behind
func (r *Receiver) enqueueDecode(au types.AccessUnit) {
	for {
		select {
		case r.decodeQ <- au:
			return
		default:
		}
		select {
		case old := <-r.decodeQ:
			r.metrics.DecodeQueueDrops.Add(1)
			r.dropLog.Warn("Receiver", "Decode queue full, dropped frame %d", old.FrameID)
		default:
		}
	}
}

func (r *Receiver) decodeLoop(ctx context.Context) error {
	show := func(img *image.RGBA) {
		r.metrics.FramesDecoded.Add(1)
		for _, s := range r.sinks {
			s.Show(img)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case au := <-r.decodeQ:
			start := time.Now()
			if r.adapter.Decode(au.Data, show) > 0 {
				r.metrics.UpdateFrameLatency(au.Timestamp)
			}
			r.metrics.UpdateDecodeLatency(time.Since(start))
			r.metrics.DecodeErrors.Store(r.adapter.Stats().Errors)
		}
	}
}

func (r *Receiver) publish() {
	st := r.buf.Stats()
	r.metrics.Headers.Store(st.Headers)
	r.metrics.Orphans.Store(st.Orphans)
	r.metrics.FramesCompleted.Store(st.Completed)
	r.metrics.FramesExpired.Store(st.Expired)
	r.metrics.PendingFrames.Store(uint64(st.Pending))

	r.statsMu.Lock()
	r.stats = st
	r.statsMu.Unlock()
}

// Stats returns the reassembly counters as of the last loop iteration
func (r *Receiver) Stats() reassembly.Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}
