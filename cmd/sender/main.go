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

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/chunker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/sender"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/status"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	bindAddr    = flag.String("bind", "", "Local address for all sockets")
	controlPort = flag.Int("control-port", 0, "Registration port")
	cameraPort  = flag.Int("camera-port", 0, "Camera ingest port (udp source)")
	sourceKind  = flag.String("source", "", "Bitstream source: udp, exec or file")
	sourcePath  = flag.String("file", "", "Annex-B file for the file source (- for stdin)")
	chunkSize   = flag.Int("chunk-size", 0, "Maximum datagram size")
	wireFormat  = flag.String("wire-format", "", "Payload format: legacy or tagged")
	httpAddr    = flag.String("http", "", "Status server address (empty disables)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (empty disables)")
	denoise     = flag.Bool("denoise", false, "Denoise and re-encode the bitstream before sending")
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
	logger.Info("Main", "Sender starting (log level %s, wire format %s)", level, cfg.WireFormat())

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	controlAddr := net.JoinHostPort(cfg.Network.BindAddr, strconv.Itoa(cfg.Network.ControlPort))
	laddr, err := net.ResolveUDPAddr("udp", controlAddr)
	if err != nil {
		return fmt.Errorf("invalid control address %s: %w", controlAddr, err)
	}
	control, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to bind control port: %w", err)
	}
	defer control.Close()
	logger.Info("Main", "Waiting for receiver registration on %s", control.LocalAddr())

	src, closeSrc, err := buildSource(cfg)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer closeSrc()

	c, err := chunker.New(cfg.Chunker.ChunkSize, cfg.WireFormat())
	if err != nil {
		return fmt.Errorf("invalid chunker settings: %w", err)
	}
	tx := chunker.NewSender(c, cfg.Chunker.Pacing)

	m := metrics.New()
	registrar := session.NewRegistrar(func(session.Session) {
		m.Registrations.Add(1)
	})

	s := sender.New(sender.Config{
		Framer:               h264.FramerConfig{TrimThreshold: cfg.Framer.TrimThreshold},
		GroupAccessUnits:     cfg.Framer.GroupAccessUnits,
		PrependParameterSets: cfg.Sender.PrependParameterSets,
		UnitQueue:            cfg.Sender.UnitQueue,
	}, src, tx, control, registrar, m)

	reporter := status.NewReporter("sender")
	reporter.Add("session", func() map[string]any {
		sess := registrar.Session()
		out := map[string]any{
			"registered":    sess.Registered,
			"registrations": registrar.Count(),
		}
		if sess.Registered {
			out["peer"] = sess.Peer.String()
			out["id"] = sess.ID
		}
		return out
	})
	reporter.Add("pipeline", func() map[string]any {
		out := map[string]any{
			"units_framed":   m.UnitsFramed.Load(),
			"units_sent":     m.UnitsSent.Load(),
			"units_dropped":  m.UnitsDropped.Load(),
			"units_no_peer":  m.UnitsNoPeer.Load(),
			"datagrams_sent": m.DatagramsSent.Load(),
			"send_errors":    m.SendErrors.Load(),
			"framer_trims":   m.FramerTrims.Load(),
			"denoise":        cfg.Denoise.Enabled,
		}
		if info, ok := s.StreamInfo(); ok {
			out["resolution"] = fmt.Sprintf("%dx%d", info.Width, info.Height)
			out["codec"] = info.CodecString()
		}
		return out
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registrar.Serve(gctx, control) })
	g.Go(func() error {
		// A finite source ends the process
		defer cancel()
		return s.Run(gctx)
	})
	if cfg.HTTP.Addr != "" {
		mux := http.NewServeMux()
		reporter.RegisterHandlers(mux)
		g.Go(func() error { return status.Serve(gctx, cfg.HTTP.Addr, mux) })
	}
	if cfg.HTTP.MetricsAddr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.HTTP.MetricsAddr) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("Main", "Sender stopped: %v", err)
		return err
	}
	logger.Info("Main", "Sender stopped (%d units sent)", m.UnitsSent.Load())
	return nil
}

func buildSource(cfg *config.Config) (source.Source, func() error, error) {
	enc := source.EncoderConfig{
		Device:    cfg.Encoder.Device,
		Width:     cfg.Encoder.Width,
		Height:    cfg.Encoder.Height,
		Framerate: cfg.Encoder.Framerate,
		Bitrate:   cfg.Encoder.Bitrate,
		GOP:       cfg.Encoder.GOP,
	}
	var filter string
	if cfg.Denoise.Enabled {
		filter = source.DenoiseFilter(source.DenoiseConfig{
			SigmaSpace: cfg.Denoise.SigmaSpace,
			SigmaColor: cfg.Denoise.SigmaColor,
		})
		logger.Info("Main", "Denoise enabled: %s", filter)
	}

	var (
		src     source.Source
		closeFn = func() error { return nil }
	)
	switch cfg.Source.Kind {
	case "udp":
		addr := net.JoinHostPort(cfg.Network.BindAddr, strconv.Itoa(cfg.Network.CameraPort))
		src = &source.UDPSource{Addr: addr}
	case "exec":
		command := cfg.Source.Command
		if len(command) == 0 {
			// The capture encoder filters in place, no second pass needed
			enc.Filter = filter
			filter = ""
			command = source.EncoderCommand(enc)
		}
		src = &source.ExecSource{Command: command}
	case "file":
		f, closeFile, err := source.OpenFile(cfg.Source.Path, cfg.Source.Interval)
		if err != nil {
			return nil, nil, err
		}
		src, closeFn = f, closeFile
	default:
		return nil, nil, fmt.Errorf("unknown source %q", cfg.Source.Kind)
	}

	if filter != "" {
		enc.Filter = filter
		src = &source.Transcoder{
			Inner:   src,
			Command: source.TranscodeCommand(cfg.Denoise.FFmpegPath, enc),
		}
	}
	return src, closeFn, nil
}

// applyFlags overrides config values with the flags given on the command line
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			cfg.Network.BindAddr = *bindAddr
		case "control-port":
			cfg.Network.ControlPort = *controlPort
		case "camera-port":
			cfg.Network.CameraPort = *cameraPort
		case "source":
			cfg.Source.Kind = *sourceKind
		case "file":
			cfg.Source.Path = *sourcePath
			if cfg.Source.Kind == "udp" {
				cfg.Source.Kind = "file"
			}
		case "chunk-size":
			cfg.Chunker.ChunkSize = *chunkSize
		case "wire-format":
			cfg.Wire.Format = *wireFormat
		case "denoise":
			cfg.Denoise.Enabled = *denoise
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "metrics":
			cfg.HTTP.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-color":
			cfg.Logging.Color = *logColor
		}
	})
}
