package metrics

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters of both roles. Fields a role does not use stay at zero.
type Metrics struct {
	// Sender pipeline
	SourceBytes   atomic.Uint64
	UnitsFramed   atomic.Uint64
	UnitsSent     atomic.Uint64
	UnitsDropped  atomic.Uint64 // unit queue full
	UnitsNoPeer   atomic.Uint64 // produced before any registration
	DatagramsSent atomic.Uint64
	BytesSent     atomic.Uint64
	SendErrors    atomic.Uint64
	FramerTrims   atomic.Uint64
	Registrations atomic.Uint64

	// Receiver pipeline
	DatagramsReceived atomic.Uint64
	BytesReceived     atomic.Uint64
	SocketDrops       atomic.Uint64 // socket channel full
	ReadErrors        atomic.Uint64
	Headers           atomic.Uint64
	Orphans           atomic.Uint64
	FramesCompleted   atomic.Uint64
	FramesExpired     atomic.Uint64
	PendingFrames     atomic.Uint64
	DecodeQueueDrops  atomic.Uint64
	FramesDecoded     atomic.Uint64
	DecodeErrors      atomic.Uint64

	// Relays
	WebRTCFramesSent      atomic.Uint64
	WebRTCFramesDropped   atomic.Uint64
	RecorderFramesSent    atomic.Uint64
	RecorderFramesDropped atomic.Uint64
	ActiveClients         atomic.Uint64
	TotalClients          atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Latency tracking
	DecodeLatencyMs atomic.Uint64
	FrameLatencyMs  atomic.Uint64 // completion to display

	fps   atomic.Uint64 // float64 bits
	noise atomic.Uint64 // float64 bits

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"udpvideo_source_bytes_total", "Bitstream bytes read from the capture source", &m.SourceBytes},
		{"udpvideo_units_framed_total", "Access units produced by the framer", &m.UnitsFramed},
		{"udpvideo_units_sent_total", "Access units sent to the peer", &m.UnitsSent},
		{"udpvideo_units_dropped_total", "Access units dropped on a full send queue", &m.UnitsDropped},
		{"udpvideo_units_no_peer_total", "Access units discarded while no receiver was registered", &m.UnitsNoPeer},
		{"udpvideo_datagrams_sent_total", "Datagrams written", &m.DatagramsSent},
		{"udpvideo_bytes_sent_total", "Datagram bytes written", &m.BytesSent},
		{"udpvideo_send_errors_total", "Datagram write errors", &m.SendErrors},
		{"udpvideo_framer_trims_total", "Framer buffer trims", &m.FramerTrims},
		{"udpvideo_registrations_total", "Receiver registrations handled", &m.Registrations},

		{"udpvideo_datagrams_received_total", "Datagrams received", &m.DatagramsReceived},
		{"udpvideo_bytes_received_total", "Datagram bytes received", &m.BytesReceived},
		{"udpvideo_socket_drops_total", "Datagrams dropped on a full socket queue", &m.SocketDrops},
		{"udpvideo_read_errors_total", "Socket read errors", &m.ReadErrors},
		{"udpvideo_headers_total", "Header datagrams received", &m.Headers},
		{"udpvideo_orphans_total", "Payload datagrams without a pending frame", &m.Orphans},
		{"udpvideo_frames_completed_total", "Frames reassembled", &m.FramesCompleted},
		{"udpvideo_frames_expired_total", "Pending frames expired by the sweep", &m.FramesExpired},
		{"udpvideo_pending_frames", "Frames currently pending", &m.PendingFrames},
		{"udpvideo_decode_queue_drops_total", "Frames dropped on a full decode queue", &m.DecodeQueueDrops},
		{"udpvideo_frames_decoded_total", "Pictures produced by the decoder", &m.FramesDecoded},
		{"udpvideo_decode_errors_total", "Decoder errors", &m.DecodeErrors},

		{"udpvideo_webrtc_frames_sent_total", "Frames sent to WebRTC clients", &m.WebRTCFramesSent},
		{"udpvideo_webrtc_frames_dropped_total", "WebRTC frames dropped", &m.WebRTCFramesDropped},
		{"udpvideo_recorder_frames_sent_total", "Frames handed to the recorder", &m.RecorderFramesSent},
		{"udpvideo_recorder_frames_dropped_total", "Recorder frames dropped", &m.RecorderFramesDropped},
		{"udpvideo_active_clients", "Number of active WebRTC clients", &m.ActiveClients},
		{"udpvideo_total_clients", "Total WebRTC clients connected", &m.TotalClients},

		{"udpvideo_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"udpvideo_recording_bytes", "Total bytes written to recording", &m.RecordingBytes},
		{"udpvideo_recording_frames", "Total frames written to recording", &m.RecordingFrames},

		{"udpvideo_decode_latency_ms", "Last decode latency in milliseconds", &m.DecodeLatencyMs},
		{"udpvideo_frame_latency_ms", "Last reassembly-to-display latency in milliseconds", &m.FrameLatencyMs},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "udpvideo_display_fps",
			Help: "Displayed frames per second",
		},
		m.FPS,
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "udpvideo_noise_sigma",
			Help: "Estimated noise standard deviation of the last decoded picture",
		},
		m.Noise,
	))
}

// SetFPS records the display frame rate
func (m *Metrics) SetFPS(fps float64) {
	m.fps.Store(math.Float64bits(fps))
}

// FPS returns the display frame rate
func (m *Metrics) FPS() float64 {
	return math.Float64frombits(m.fps.Load())
}

// SetNoise records the latest noise estimate
func (m *Metrics) SetNoise(sigma float64) {
	m.noise.Store(math.Float64bits(sigma))
}

// Noise returns the latest noise estimate
func (m *Metrics) Noise() float64 {
	return math.Float64frombits(m.noise.Load())
}

// UpdateFrameLatency records the time since a frame was reassembled
func (m *Metrics) UpdateFrameLatency(completed time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(completed).Milliseconds()))
}

// UpdateDecodeLatency records how long one decode call took
func (m *Metrics) UpdateDecodeLatency(d time.Duration) {
	m.DecodeLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
