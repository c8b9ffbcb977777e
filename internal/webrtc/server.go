// Package webrtc relays reassembled H.264 access units to browser peers.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

const (
	// H.264 clock rate (90kHz for video)
	h264ClockRate = 90000

	clientQueueSize = 30
)

var (
	ErrMaxClients = errors.New("maximum clients reached")
	ErrBadOffer   = errors.New("invalid offer")
)

// Config configures the relay
type Config struct {
	STUNServers []string // empty gathers host candidates only
	MaxClients  int
	Framerate   int // sample duration when unit timestamps are missing
}

// Client represents a connected WebRTC peer
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	unitChan   chan types.AccessUnit
	closeChan  chan struct{}
	closeOnce  sync.Once

	// A peer joining mid-stream waits for the next IDR
	synced        bool
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.peerConn.Close()
	})
}

// Server manages WebRTC connections
type Server struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	config        webrtc.Configuration
	maxClients    int
	frameDuration time.Duration
	api           *webrtc.API

	processor *h264.Processor
	procMu    sync.Mutex
}

// NewServer creates a new WebRTC relay
func NewServer(cfg Config) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	framerate := cfg.Framerate
	if framerate <= 0 {
		framerate = 30
	}

	return &Server{
		clients:       make(map[string]*Client),
		config:        webrtc.Configuration{ICEServers: iceServers},
		maxClients:    cfg.MaxClients,
		frameDuration: time.Second / time.Duration(framerate),
		api:           api,
		processor:     h264.NewProcessor(),
	}
}

// HandleOffer handles a WebRTC offer and returns the answer with all ICE
// candidates gathered.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}
	if offer.SDP == "" {
		return nil, fmt.Errorf("%w: empty sdp", ErrBadOffer)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: h264ClockRate,
		},
		"video",
		"udp-video",
	)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// RTCP must be read for interceptors to work
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	client := &Client{
		id:         uuid.NewString(),
		peerConn:   peerConn,
		videoTrack: videoTrack,
		unitChan:   make(chan types.AccessUnit, clientQueueSize),
		closeChan:  make(chan struct{}),
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	if len(s.clients) >= s.maxClients {
		s.clientsMu.Unlock()
		peerConn.Close()
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	go s.sendUnits(client)

	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

// SendUnit fans au out to every client without blocking. Clients that have
// not seen an IDR yet skip units until one arrives, which then carries the
// cached SPS/PPS. It returns the number of clients the unit was queued for
// and the number that dropped it. Call it from a single goroutine.
func (s *Server) SendUnit(au types.AccessUnit) (sent, dropped int) {
	s.procMu.Lock()
	s.processor.Process(&au)
	withHeaders := au
	if au.IsIDR {
		withHeaders.Data = s.processor.PrependHeaders(au.Data)
	}
	s.procMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		unit := au
		if !client.synced {
			if !au.IsIDR {
				continue
			}
			unit = withHeaders
		}

		select {
		case client.unitChan <- unit:
			client.synced = true
			client.framesSent.Add(1)
			sent++
		default:
			client.framesDropped.Add(1)
			dropped++
		}
	}
	return sent, dropped
}

func (s *Server) sendUnits(client *Client) {
	var last time.Time
	for {
		select {
		case <-client.closeChan:
			return

		case au := <-client.unitChan:
			duration := s.frameDuration
			if !last.IsZero() && !au.Timestamp.IsZero() {
				if d := au.Timestamp.Sub(last); d > 0 && d < time.Second {
					duration = d
				}
			}
			last = au.Timestamp

			if err := client.videoTrack.WriteSample(media.Sample{
				Data:     au.Data,
				Duration: duration,
			}); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					logger.Warn("WebRTC", "Error writing sample for client %s: %v", client.id, err)
				}
				s.RemoveClient(client.id)
				return
			}
		}
	}
}

// RemoveClient disconnects and forgets a client
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	client.close()
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client counters
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close disconnects every client
func (s *Server) Close() error {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[string]*Client)
	s.clientsMu.Unlock()

	for _, client := range clients {
		client.close()
	}
	return nil
}
