// Package sender runs the send side: capture source, framing and chunked
// delivery to the registered receiver.
package sender

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/chunker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// Config sizes the send pipeline
type Config struct {
	Framer               h264.FramerConfig
	GroupAccessUnits     bool
	PrependParameterSets bool
	UnitQueue            int // framed units waiting for the network, drop-oldest
}

// PeerSource reports the receiver to send to, nil while none is registered
type PeerSource interface {
	Peer() *net.UDPAddr
}

// Sender moves units from the source to the registered peer
type Sender struct {
	cfg     Config
	src     source.Source
	tx      *chunker.Sender
	conn    chunker.PacketWriter
	peers   PeerSource
	metrics *metrics.Metrics

	framer    *h264.Framer
	agg       *h264.Aggregator
	processor *h264.Processor
	units     chan types.AccessUnit

	mu       sync.Mutex // guards processor
	errLog   *logger.Limiter
	dropLog  *logger.Limiter
	lastPeer string
}

// New creates a Sender writing datagrams to conn
func New(cfg Config, src source.Source, tx *chunker.Sender, conn chunker.PacketWriter, peers PeerSource, m *metrics.Metrics) *Sender {
	if cfg.UnitQueue <= 0 {
		cfg.UnitQueue = 30
	}
	s := &Sender{
		cfg:       cfg,
		src:       src,
		tx:        tx,
		conn:      conn,
		peers:     peers,
		metrics:   m,
		framer:    h264.NewFramer(cfg.Framer),
		processor: h264.NewProcessor(),
		units:     make(chan types.AccessUnit, cfg.UnitQueue),
		errLog:    logger.Every(time.Second),
		dropLog:   logger.Every(time.Second),
	}
	if cfg.GroupAccessUnits {
		s.agg = h264.NewAggregator(cfg.Framer.TrimThreshold)
	}
	return s
}

// Run blocks until ctx is cancelled or the source ends. Units still queued
// when the source ends are sent before Run returns.
func (s *Sender) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(s.units)
		err := s.src.Run(ctx, s.feed)
		s.flush()
		if err != nil {
			return err
		}
		if ctx.Err() == nil {
			logger.Info("Sender", "Source ended")
		}
		return nil
	})
	g.Go(func() error { return s.sendLoop(ctx) })

	return g.Wait()
}

// feed runs on the source goroutine
func (s *Sender) feed(b []byte) {
	s.metrics.SourceBytes.Add(uint64(len(b)))
	s.framer.Write(b)
	for {
		nal, ok := s.framer.Next()
		if !ok {
			break
		}
		s.pushNAL(nal)
	}
	s.metrics.FramerTrims.Store(s.framer.Trims())
}

func (s *Sender) flush() {
	if nal, ok := s.framer.Flush(); ok {
		s.pushNAL(nal)
	}
	if s.agg != nil {
		if au, ok := s.agg.Flush(); ok {
			s.emit(au)
		}
	}
}

func (s *Sender) pushNAL(nal []byte) {
	if s.agg == nil {
		s.emit(types.AccessUnit{Data: nal})
		return
	}
	if au, ok := s.agg.Push(nal); ok {
		s.emit(au)
	}
}

func (s *Sender) emit(au types.AccessUnit) {
	au.Timestamp = time.Now()

	s.mu.Lock()
	s.processor.Process(&au)
	if s.cfg.PrependParameterSets {
		au.Data = s.processor.PrependHeaders(au.Data)
	}
	s.mu.Unlock()
	s.metrics.UnitsFramed.Add(1)

	if s.peers.Peer() == nil {
		s.metrics.UnitsNoPeer.Add(1)
		return
	}

	// Drop the oldest unit when the network falls behind
	for {
		select {
		case s.units <- au:
			return
		default:
		}
		select {
		case <-s.units:
			s.metrics.UnitsDropped.Add(1)
			s.dropLog.Warn("Sender", "Send queue full, dropping oldest unit")
		default:
		}
	}
}

func (s *Sender) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case au, ok := <-s.units:
			if !ok {
				return nil
			}
			s.send(ctx, au)
		}
	}
}

func (s *Sender) send(ctx context.Context, au types.AccessUnit) {
	peer := s.peers.Peer()
	if peer == nil {
		s.metrics.UnitsNoPeer.Add(1)
		return
	}
	if p := peer.String(); p != s.lastPeer {
		logger.Info("Sender", "Streaming to %s", p)
		s.lastPeer = p
	}

	err := s.tx.Send(ctx, s.conn, peer, au.Data)
	st := s.tx.Stats()
	s.metrics.DatagramsSent.Store(st.Datagrams)
	s.metrics.BytesSent.Store(st.Bytes)
	s.metrics.SendErrors.Store(st.WriteErrors)
	if err != nil {
		if ctx.Err() == nil {
			s.errLog.Warn("Sender", "Send to %s failed: %v", peer, err)
		}
		return
	}
	s.metrics.UnitsSent.Add(1)
}

// StreamInfo returns the parsed SPS of the stream, if one was seen
func (s *Sender) StreamInfo() (h264.SPSInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processor.SPSInfo()
}
