// Package config holds the runtime configuration shared by sender and receiver.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/chunker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/wire"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid config")

// Config is the complete configuration. Values come from DefaultConfig,
// then an optional YAML file, then command-line flags.
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Source     SourceConfig     `yaml:"source"`
	Encoder    EncoderConfig    `yaml:"encoder"`
	Denoise    DenoiseConfig    `yaml:"denoise"`
	Framer     FramerConfig     `yaml:"framer"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Sender     SenderConfig     `yaml:"sender"`
	Reassembly ReassemblyConfig `yaml:"reassembly"`
	Wire       WireConfig       `yaml:"wire"`
	Session    SessionConfig    `yaml:"session"`
	Decoder    DecoderConfig    `yaml:"decoder"`
	HTTP       HTTPConfig       `yaml:"http"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type NetworkConfig struct {
	ServerAddr  string `yaml:"server_addr"`  // sender host, as seen by the receiver
	BindAddr    string `yaml:"bind_addr"`    // local interface for every socket
	ControlPort int    `yaml:"control_port"` // sender registration port
	VideoPort   int    `yaml:"video_port"`   // receiver datagram port
	CameraPort  int    `yaml:"camera_port"`  // sender ingest port for the udp source
}

type SourceConfig struct {
	Kind     string        `yaml:"kind"` // "udp", "exec" or "file"
	Path     string        `yaml:"path"` // file source; "-" is stdin
	Interval time.Duration `yaml:"interval"`
	Command  []string      `yaml:"command"` // exec source; empty builds one from encoder
}

type EncoderConfig struct {
	Device    string `yaml:"device"`
	Bitrate   int    `yaml:"bitrate"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	Framerate int    `yaml:"framerate"`
	GOP       int    `yaml:"gop"`
}

// DenoiseConfig enables the sender's bilateral denoise and re-encode stage.
// The exec capture source filters inside its encoder; other sources are
// piped through a separate ffmpeg transcoder.
type DenoiseConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SigmaSpace float64 `yaml:"sigma_space"` // pixels
	SigmaColor float64 `yaml:"sigma_color"` // 8-bit intensity steps
	FFmpegPath string  `yaml:"ffmpeg_path"`
}

type FramerConfig struct {
	TrimThreshold    int  `yaml:"trim_threshold"`
	GroupAccessUnits bool `yaml:"group_access_units"`
}

type ChunkerConfig struct {
	ChunkSize int           `yaml:"chunk_size"`
	Pacing    time.Duration `yaml:"pacing"`
}

type SenderConfig struct {
	PrependParameterSets bool `yaml:"prepend_parameter_sets"`
	UnitQueue            int  `yaml:"unit_queue"`
}

type ReassemblyConfig struct {
	Retention     uint32        `yaml:"retention"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxFrameSize  int           `yaml:"max_frame_size"`
	BatchSize     int           `yaml:"batch_size"`
	DecodeQueue   int           `yaml:"decode_queue"`
	SocketQueue   int           `yaml:"socket_queue"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type WireConfig struct {
	Format string `yaml:"format"` // "legacy" or "tagged"
}

type SessionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type DecoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
}

type HTTPConfig struct {
	Addr             string `yaml:"addr"`
	MetricsAddr      string `yaml:"metrics_addr"`
	MaxWebRTCClients int    `yaml:"max_webrtc_clients"`
	STUNServer       string `yaml:"stun_server"`
	MJPEGMaxWidth    int    `yaml:"mjpeg_max_width"` // 0 keeps the decoded size
	JPEGQuality      int    `yaml:"jpeg_quality"`
	Overlay          bool   `yaml:"overlay"`
	NoiseEstimate    bool   `yaml:"noise_estimate"`
}

type RecorderConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// DefaultConfig returns the defaults of the original deployment
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ServerAddr:  "127.0.0.1",
			BindAddr:    "0.0.0.0",
			ControlPort: 9998,
			VideoPort:   9995,
			CameraPort:  9999,
		},
		Source: SourceConfig{
			Kind: "udp",
		},
		Encoder: EncoderConfig{
			Device:    "/dev/video0",
			Bitrate:   800000,
			Width:     1280,
			Height:    720,
			Framerate: 60,
			GOP:       15,
		},
		Denoise: DenoiseConfig{
			SigmaSpace: 2,
			SigmaColor: 10,
			FFmpegPath: "ffmpeg",
		},
		Framer: FramerConfig{
			TrimThreshold:    1_000_000,
			GroupAccessUnits: true,
		},
		Chunker: ChunkerConfig{
			ChunkSize: chunker.DefaultChunkSize,
			Pacing:    chunker.DefaultPacing,
		},
		Sender: SenderConfig{
			PrependParameterSets: true,
			UnitQueue:            30,
		},
		Reassembly: ReassemblyConfig{
			Retention:     150,
			MaxAge:        5 * time.Second,
			MaxFrameSize:  16 << 20,
			BatchSize:     10,
			DecodeQueue:   8,
			SocketQueue:   1024,
			SweepInterval: 100 * time.Millisecond,
		},
		Wire: WireConfig{
			Format: "legacy",
		},
		Session: SessionConfig{
			Timeout: 5 * time.Second,
		},
		Decoder: DecoderConfig{
			FFmpegPath: "ffmpeg",
		},
		HTTP: HTTPConfig{
			Addr:             ":8080",
			MetricsAddr:      ":9090",
			MaxWebRTCClients: 10,
			STUNServer:       "stun:stun.l.google.com:19302",
			JPEGQuality:      80,
			Overlay:          true,
			NoiseEstimate:    true,
		},
		Recorder: RecorderConfig{
			Path: "./recordings",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults. The result is not validated;
// call Validate after applying flags.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	logger.Debug("Config", "Loaded %s", path)
	return cfg, nil
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	for name, port := range map[string]int{
		"network.control_port": c.Network.ControlPort,
		"network.video_port":   c.Network.VideoPort,
		"network.camera_port":  c.Network.CameraPort,
	} {
		check(port > 0 && port < 65536, "%s %d out of range", name, port)
	}
	check(c.Network.ServerAddr != "", "network.server_addr is empty")

	switch c.Source.Kind {
	case "udp", "exec":
	case "file":
		check(c.Source.Path != "", "source.path required for file source")
	default:
		errs = append(errs, fmt.Errorf("source.kind %q unknown", c.Source.Kind))
	}

	check(c.Encoder.Width > 0 && c.Encoder.Height > 0, "encoder size %dx%d invalid", c.Encoder.Width, c.Encoder.Height)
	check(c.Encoder.Framerate > 0, "encoder.framerate must be positive")
	check(c.Encoder.Bitrate > 0, "encoder.bitrate must be positive")
	check(c.Encoder.GOP > 0, "encoder.gop must be positive")

	if c.Denoise.Enabled {
		check(c.Denoise.SigmaSpace > 0, "denoise.sigma_space must be positive")
		check(c.Denoise.SigmaColor > 0 && c.Denoise.SigmaColor <= 255,
			"denoise.sigma_color %g out of range (0, 255]", c.Denoise.SigmaColor)
		check(c.Denoise.FFmpegPath != "", "denoise.ffmpeg_path is empty")
	}

	check(c.Framer.TrimThreshold > 0, "framer.trim_threshold must be positive")
	check(c.Chunker.ChunkSize >= chunker.MinChunkSize && c.Chunker.ChunkSize <= wire.MaxDatagram,
		"chunker.chunk_size %d out of range [%d, %d]", c.Chunker.ChunkSize, chunker.MinChunkSize, wire.MaxDatagram)
	check(c.Chunker.Pacing >= 0, "chunker.pacing must not be negative")
	check(c.Sender.UnitQueue > 0, "sender.unit_queue must be positive")

	check(c.Reassembly.Retention > 0, "reassembly.retention must be positive")
	check(c.Reassembly.MaxAge >= 0, "reassembly.max_age must not be negative")
	check(c.Reassembly.MaxFrameSize > 0, "reassembly.max_frame_size must be positive")
	check(c.Reassembly.BatchSize > 0, "reassembly.batch_size must be positive")
	check(c.Reassembly.DecodeQueue > 0, "reassembly.decode_queue must be positive")
	check(c.Reassembly.SocketQueue > 0, "reassembly.socket_queue must be positive")
	check(c.Reassembly.SweepInterval > 0, "reassembly.sweep_interval must be positive")

	if _, err := wire.ParseFormat(c.Wire.Format); err != nil {
		errs = append(errs, err)
	}
	check(c.Session.Timeout > 0, "session.timeout must be positive")
	check(c.HTTP.MaxWebRTCClients >= 0, "http.max_webrtc_clients must not be negative")
	check(c.HTTP.JPEGQuality >= 1 && c.HTTP.JPEGQuality <= 100, "http.jpeg_quality %d out of range [1, 100]", c.HTTP.JPEGQuality)
	check(c.HTTP.MJPEGMaxWidth >= 0, "http.mjpeg_max_width must not be negative")

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// WireFormat returns the parsed wire format. Call after Validate.
func (c *Config) WireFormat() wire.Format {
	f, _ := wire.ParseFormat(c.Wire.Format)
	return f
}
