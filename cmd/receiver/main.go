package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/decode"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/reassembly"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/receiver"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/status"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	serverAddr  = flag.String("server", "", "Sender host")
	bindAddr    = flag.String("bind", "", "Local address for the video socket")
	controlPort = flag.Int("control-port", 0, "Sender registration port")
	videoPort   = flag.Int("video-port", 0, "Local video port")
	wireFormat  = flag.String("wire-format", "", "Payload format: legacy or tagged")
	ffmpegPath  = flag.String("ffmpeg", "", "ffmpeg binary used as decoder")
	httpAddr    = flag.String("http", "", "Viewer and API server address (empty disables)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (empty disables)")
	recordPath  = flag.String("record-path", "", "Recording output path")
	maxClients  = flag.Int("max-clients", 0, "Maximum WebRTC clients")
	stunServer  = flag.String("stun", "", "STUN server URL (empty for host candidates only)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", false, "Enable colored log output")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run builds the pipeline and blocks until shutdown
func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.Init(level, os.Stderr, cfg.Logging.Color)
	logger.Info("Main", "Receiver starting (log level %s, wire format %s)", level, cfg.WireFormat())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	localAddr := net.JoinHostPort(cfg.Network.BindAddr, strconv.Itoa(cfg.Network.VideoPort))
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return fmt.Errorf("invalid video address %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to bind video port: %w", err)
	}
	defer conn.Close()

	remote := net.JoinHostPort(cfg.Network.ServerAddr, strconv.Itoa(cfg.Network.ControlPort))
	server, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return fmt.Errorf("invalid server address %s: %w", remote, err)
	}
	reply, err := session.Register(ctx, conn, server, cfg.Session.Timeout)
	if err != nil {
		return fmt.Errorf("registration with %s failed: %w", server, err)
	}
	logger.Info("Main", "Registered with %s: %q", server, reply)

	dec, err := decode.NewFFmpegDecoder(cfg.Decoder.FFmpegPath)
	if err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	defer dec.Close()

	m := metrics.New()
	rcv := receiver.New(receiver.Config{
		Reassembly: reassembly.Config{
			Retention:    cfg.Reassembly.Retention,
			MaxAge:       cfg.Reassembly.MaxAge,
			MaxFrameSize: cfg.Reassembly.MaxFrameSize,
			Format:       cfg.WireFormat(),
		},
		BatchSize:     cfg.Reassembly.BatchSize,
		DecodeQueue:   cfg.Reassembly.DecodeQueue,
		SocketQueue:   cfg.Reassembly.SocketQueue,
		SweepInterval: cfg.Reassembly.SweepInterval,
	}, conn, decode.NewAdapter(dec), m)

	mjpeg := display.NewMJPEGServer(display.MJPEGConfig{
		Quality:  cfg.HTTP.JPEGQuality,
		MaxWidth: cfg.HTTP.MJPEGMaxWidth,
	})
	var sink display.Sink = mjpeg
	if cfg.HTTP.Overlay {
		sink = display.NewOverlay(sink, m.SetFPS)
	}
	// Estimate on the picture as decoded, before the overlay draws on it
	if cfg.HTTP.NoiseEstimate {
		sink = display.NewNoiseEstimator(sink, m.SetNoise)
	}
	rcv.AddSink(sink)

	rtc := webrtc.NewServer(webrtc.Config{
		STUNServers: []string{cfg.HTTP.STUNServer},
		MaxClients:  cfg.HTTP.MaxWebRTCClients,
		Framerate:   cfg.Encoder.Framerate,
	})
	defer rtc.Close()
	rcv.AddRelay(func(au types.AccessUnit) {
		sent, dropped := rtc.SendUnit(au)
		m.WebRTCFramesSent.Add(uint64(sent))
		m.WebRTCFramesDropped.Add(uint64(dropped))
	})

	rec := recorder.NewRecorder(cfg.Recorder.Path)
	defer rec.Close()
	rcv.AddRelay(func(au types.AccessUnit) {
		if rec.SendUnit(au) {
			m.RecorderFramesSent.Add(1)
		} else if rec.IsRecording() {
			m.RecorderFramesDropped.Add(1)
		}
	})

	reporter := status.NewReporter("receiver")
	reporter.Add("reassembly", func() map[string]any {
		st := rcv.Stats()
		return map[string]any{
			"headers":     st.Headers,
			"payloads":    st.Payloads,
			"orphans":     st.Orphans,
			"completed":   st.Completed,
			"expired":     st.Expired,
			"overwritten": st.Overwritten,
			"rejected":    st.Rejected,
			"duplicates":  st.Duplicates,
			"pending":     st.Pending,
		}
	})
	reporter.Add("decoder", func() map[string]any {
		info := dec.Info()
		return map[string]any{
			"resolution":  fmt.Sprintf("%dx%d", info.Width, info.Height),
			"decoded":     m.FramesDecoded.Load(),
			"errors":      m.DecodeErrors.Load(),
			"queue_drops": m.DecodeQueueDrops.Load(),
			"fps":         m.FPS(),
			"noise_sigma": m.Noise(),
		}
	})
	reporter.Add("clients", func() map[string]any {
		return map[string]any{
			"webrtc": rtc.ClientCount(),
			"mjpeg":  mjpeg.Clients(),
		}
	})
	reporter.Add("recording", func() map[string]any {
		st := rec.Status()
		return map[string]any{
			"recording":     st.Recording,
			"filename":      st.Filename,
			"frame_count":   st.FrameCount,
			"bytes_written": st.BytesWritten,
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rcv.Run(gctx) })
	g.Go(func() error {
		updateMetrics(gctx, m, rtc, rec)
		return nil
	})
	if cfg.HTTP.Addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", display.HandleIndex)
		mjpeg.RegisterHandlers(mux)
		rec.RegisterHandlers(mux)
		reporter.RegisterHandlers(mux)
		mux.Handle("/offer", rtc.OfferHandler(func() { m.TotalClients.Add(1) }))
		g.Go(func() error { return status.Serve(gctx, cfg.HTTP.Addr, mux) })
	}
	if cfg.HTTP.MetricsAddr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.HTTP.MetricsAddr) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("Main", "Receiver stopped: %v", err)
		return err
	}
	logger.Info("Main", "Receiver stopped (%d frames completed)", m.FramesCompleted.Load())
	return nil
}

// updateMetrics samples relay state once per second
func updateMetrics(ctx context.Context, m *metrics.Metrics, rtc *webrtc.Server, rec *recorder.Recorder) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ActiveClients.Store(uint64(rtc.ClientCount()))

			st := rec.Status()
			if st.Recording {
				m.RecordingActive.Store(1)
				m.RecordingBytes.Store(st.BytesWritten)
				m.RecordingFrames.Store(st.FrameCount)
			} else {
				m.RecordingActive.Store(0)
			}
		}
	}
}

// applyFlags overrides config values with the flags given on the command line
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Network.ServerAddr = *serverAddr
		case "bind":
			cfg.Network.BindAddr = *bindAddr
		case "control-port":
			cfg.Network.ControlPort = *controlPort
		case "video-port":
			cfg.Network.VideoPort = *videoPort
		case "wire-format":
			cfg.Wire.Format = *wireFormat
		case "ffmpeg":
			cfg.Decoder.FFmpegPath = *ffmpegPath
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "metrics":
			cfg.HTTP.MetricsAddr = *metricsAddr
		case "record-path":
			cfg.Recorder.Path = *recordPath
		case "max-clients":
			cfg.HTTP.MaxWebRTCClients = *maxClients
		case "stun":
			cfg.HTTP.STUNServer = *stunServer
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-color":
			cfg.Logging.Color = *logColor
		}
	})
}
