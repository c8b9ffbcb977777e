// Package reassembly rebuilds access units from header and payload datagrams.
package reassembly

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/wire"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

const (
	DefaultRetention    = 150
	DefaultMaxAge       = 5 * time.Second
	DefaultMaxFrameSize = 16 << 20
)

var (
	// ErrOrphan marks a payload with no frame to attach to
	ErrOrphan = errors.New("reassembly: payload without pending frame")
	// ErrFrameSize marks a header announcing an unacceptable size
	ErrFrameSize = errors.New("reassembly: frame size out of range")
)

// Config controls retention and validation
type Config struct {
	Retention    uint32        // Frame-id distance after which a pending frame expires
	MaxAge       time.Duration // Wall-clock backstop; 0 disables
	MaxFrameSize int           // Largest accepted total_size
	Format       wire.Format
}

// DefaultConfig returns the receiver defaults
func DefaultConfig() Config {
	return Config{
		Retention:    DefaultRetention,
		MaxAge:       DefaultMaxAge,
		MaxFrameSize: DefaultMaxFrameSize,
		Format:       wire.FormatLegacy,
	}
}

// Stats is a snapshot of Buffer counters
type Stats struct {
	Headers     uint64
	Payloads    uint64
	Orphans     uint64
	Completed   uint64
	Expired     uint64
	Overwritten uint64
	Rejected    uint64
	Duplicates  uint64
	Overflow    uint64 // bytes received past total_size and discarded
	Pending     int
}

// pending is a frame whose header has arrived and whose payload is incomplete
type pending struct {
	frameID   uint32
	expected  int
	data      []byte
	covered   int     // tagged: distinct bytes placed so far
	received  spanSet // tagged: byte ranges placed
	createdAt time.Time
}

// Buffer is the receive-side state machine. A frame is Pending from its
// header until its bytes are complete (moved to the output queue) or it is
// swept. Not safe for concurrent use.
type Buffer struct {
	cfg    Config
	frames map[uint32]*pending
	done   []types.AccessUnit
	stats  Stats
	now    func() time.Time

	// current is the frame legacy payloads are appended to
	current    uint32
	hasCurrent bool

	// newest is the frame id of the most recent header, the reference for sweeps
	newest    uint32
	hasNewest bool
}

// New creates a Buffer. Zero fields in cfg take their defaults.
func New(cfg Config) *Buffer {
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Buffer{
		cfg:    cfg,
		frames: make(map[uint32]*pending),
		now:    time.Now,
	}
}

// Ingest classifies one datagram and applies it. Errors describe a dropped
// datagram; the buffer stays consistent and the caller just counts or logs.
func (b *Buffer) Ingest(datagram []byte) error {
	if wire.IsHeader(datagram) {
		return b.ingestHeader(datagram)
	}
	b.stats.Payloads++
	if b.cfg.Format == wire.FormatTagged {
		return b.ingestTagged(datagram)
	}
	return b.ingestLegacy(datagram)
}

func (b *Buffer) ingestHeader(datagram []byte) error {
	h, err := wire.DecodeHeader(datagram)
	if err != nil {
		return err
	}
	b.stats.Headers++

	b.newest, b.hasNewest = h.FrameID, true
	if h.TotalSize == 0 || int64(h.TotalSize) > int64(b.cfg.MaxFrameSize) {
		b.stats.Rejected++
		b.hasCurrent = false
		return fmt.Errorf("frame %d size %d: %w", h.FrameID, h.TotalSize, ErrFrameSize)
	}

	if _, ok := b.frames[h.FrameID]; ok {
		b.stats.Overwritten++
	}
	p := &pending{
		frameID:   h.FrameID,
		expected:  int(h.TotalSize),
		createdAt: b.now(),
	}
	// Tagged frames grow as chunks arrive
	if b.cfg.Format == wire.FormatLegacy {
		p.data = make([]byte, 0, min(p.expected, 1<<16))
	}
	b.frames[h.FrameID] = p
	b.current, b.hasCurrent = h.FrameID, true
	return nil
}

func (b *Buffer) ingestLegacy(datagram []byte) error {
	if !b.hasCurrent {
		b.stats.Orphans++
		return fmt.Errorf("%d-byte payload: %w", len(datagram), ErrOrphan)
	}
	p, ok := b.frames[b.current]
	if !ok {
		b.hasCurrent = false
		b.stats.Orphans++
		return fmt.Errorf("%d-byte payload for frame %d: %w", len(datagram), b.current, ErrOrphan)
	}

	p.data = append(p.data, datagram...)
	if len(p.data) >= p.expected {
		b.stats.Overflow += uint64(len(p.data) - p.expected)
		p.data = p.data[:p.expected]
		b.complete(p)
		b.hasCurrent = false
	}
	return nil
}

func (b *Buffer) ingestTagged(datagram []byte) error {
	c, err := wire.DecodeTagged(datagram)
	if err != nil {
		return err
	}
	p, ok := b.frames[c.FrameID]
	if !ok {
		b.stats.Orphans++
		return fmt.Errorf("chunk for frame %d: %w", c.FrameID, ErrOrphan)
	}
	if int64(c.Offset)+int64(len(c.Data)) > int64(p.expected) {
		return fmt.Errorf("chunk %d+%d beyond frame %d size %d: %w",
			c.Offset, len(c.Data), c.FrameID, p.expected, wire.ErrMalformed)
	}

	start, end := int(c.Offset), int(c.Offset)+len(c.Data)
	if end > len(p.data) {
		p.data = slices.Grow(p.data, end-len(p.data))[:end]
	}
	// Bytes already placed keep their first arrival
	added := p.received.add(start, end, func(from, to int) {
		copy(p.data[from:to], c.Data[from-start:to-start])
	})
	if added == 0 {
		b.stats.Duplicates++
		return nil
	}
	p.covered += added
	if p.covered == p.expected {
		b.complete(p)
		if b.hasCurrent && b.current == p.frameID {
			b.hasCurrent = false
		}
	}
	return nil
}

func (b *Buffer) complete(p *pending) {
	delete(b.frames, p.frameID)
	b.done = append(b.done, types.AccessUnit{
		Data:      p.data,
		FrameID:   p.frameID,
		Timestamp: b.now(),
	})
	b.stats.Completed++
}

// Sweep expires pending frames whose id trails the newest header by more
// than Retention (wrapping u32 arithmetic), or that are older than MaxAge.
// Returns the number of frames removed.
func (b *Buffer) Sweep() int {
	now := b.now()
	removed := 0
	for id, p := range b.frames {
		stale := false
		if b.hasNewest {
			// Signed distance: frames ahead of newest are not stale by id
			if d := int32(b.newest - id); d > 0 && uint32(d) > b.cfg.Retention {
				stale = true
			}
		}
		if b.cfg.MaxAge > 0 && now.Sub(p.createdAt) > b.cfg.MaxAge {
			stale = true
		}
		if !stale {
			continue
		}
		delete(b.frames, id)
		if b.hasCurrent && b.current == id {
			b.hasCurrent = false
		}
		removed++
	}
	b.stats.Expired += uint64(removed)
	return removed
}

// Pop removes the oldest completed unit
func (b *Buffer) Pop() (types.AccessUnit, bool) {
	if len(b.done) == 0 {
		return types.AccessUnit{}, false
	}
	au := b.done[0]
	b.done[0] = types.AccessUnit{}
	b.done = b.done[1:]
	if len(b.done) == 0 {
		b.done = nil
	}
	return au, true
}

// Current returns the frame id legacy payloads are bound to
func (b *Buffer) Current() (uint32, bool) {
	return b.current, b.hasCurrent
}

// PendingFrame reports the expected and received byte counts of a pending frame
func (b *Buffer) PendingFrame(id uint32) (expected, received int, ok bool) {
	p, ok := b.frames[id]
	if !ok {
		return 0, 0, false
	}
	if b.cfg.Format == wire.FormatTagged {
		return p.expected, p.covered, true
	}
	return p.expected, len(p.data), true
}

// Stats returns a snapshot of the counters
func (b *Buffer) Stats() Stats {
	s := b.stats
	s.Pending = len(b.frames)
	return s
}
