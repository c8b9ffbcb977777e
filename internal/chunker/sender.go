package chunker

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// DefaultPacing is the pause between datagrams of one unit
const DefaultPacing = time.Millisecond

// PacketWriter is the part of net.PacketConn the Sender needs
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// SenderStats is a snapshot of Sender counters
type SenderStats struct {
	Frames      uint64
	Datagrams   uint64
	Bytes       uint64
	WriteErrors uint64
}

// Sender writes chunked units to a peer, fire-and-forget
type Sender struct {
	chunker *Chunker
	pacing  time.Duration

	frames      atomic.Uint64
	datagrams   atomic.Uint64
	bytes       atomic.Uint64
	writeErrors atomic.Uint64
}

// NewSender creates a Sender. pacing 0 disables the inter-datagram pause.
func NewSender(c *Chunker, pacing time.Duration) *Sender {
	return &Sender{chunker: c, pacing: pacing}
}

// Send chunks au and writes every datagram to peer in order. On a write
// error the rest of the unit is abandoned and the error returned; callers
// log it and continue with the next unit.
func (s *Sender) Send(ctx context.Context, conn PacketWriter, peer net.Addr, au []byte) error {
	datagrams, id := s.chunker.Split(au)
	if len(datagrams) == 0 {
		return nil
	}

	var timer *time.Timer
	if s.pacing > 0 {
		timer = time.NewTimer(s.pacing)
		timer.Stop()
		defer timer.Stop()
	}

	for i, d := range datagrams {
		if i > 0 && timer != nil {
			timer.Reset(s.pacing)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		n, err := conn.WriteTo(d, peer)
		if err != nil {
			s.writeErrors.Add(1)
			return fmt.Errorf("frame %d datagram %d/%d: %w", id, i+1, len(datagrams), err)
		}
		s.datagrams.Add(1)
		s.bytes.Add(uint64(n))
	}
	s.frames.Add(1)
	return nil
}

// Stats returns a snapshot of the counters
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Frames:      s.frames.Load(),
		Datagrams:   s.datagrams.Load(),
		Bytes:       s.bytes.Load(),
		WriteErrors: s.writeErrors.Load(),
	}
}
