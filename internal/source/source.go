// Package source provides the raw H.264 bitstream the sender frames and relays.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

const readBufferSize = 64 * 1024

// Source produces Annex-B bytes in arbitrary pieces. Run blocks until ctx is
// cancelled or the source ends; emit receives a slice the callee may keep.
type Source interface {
	Run(ctx context.Context, emit func([]byte)) error
}

// UDPSource receives the bitstream from a camera sending raw UDP datagrams
type UDPSource struct {
	Addr string // e.g. ":9999"
}

// Run implements Source
func (s *UDPSource) Run(ctx context.Context, emit func([]byte)) error {
	addr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind camera port %s: %w", s.Addr, err)
	}
	defer conn.Close()
	logger.Info("Source", "Listening for camera stream on %s", conn.LocalAddr())

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("camera socket read: %w", err)
		}
		if n == 0 {
			continue
		}
		emit(append([]byte(nil), buf[:n]...))
	}
}

// EncoderConfig describes the capture encoder
type EncoderConfig struct {
	Device    string
	Width     int
	Height    int
	Framerate int
	Bitrate   int // bits per second
	GOP       int
	Filter    string // ffmpeg -vf graph applied before encoding; empty for none
}

// DenoiseConfig sets the edge-preserving bilateral filter of the denoise stage
type DenoiseConfig struct {
	SigmaSpace float64 // spatial sigma in pixels
	SigmaColor float64 // range sigma in 8-bit intensity steps
}

// DenoiseFilter returns the ffmpeg filter graph for cfg
func DenoiseFilter(cfg DenoiseConfig) string {
	// ffmpeg's sigmaR is normalized to [0, 1]
	return fmt.Sprintf("bilateral=sigmaS=%g:sigmaR=%g", cfg.SigmaSpace, cfg.SigmaColor/255)
}

// encodeArgs are the libx264 output arguments shared by capture and transcode
func encodeArgs(cfg EncoderConfig) []string {
	var args []string
	if cfg.Filter != "" {
		args = append(args, "-vf", cfg.Filter)
	}
	return append(args,
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
		"-b:v", strconv.Itoa(cfg.Bitrate),
		"-g", strconv.Itoa(cfg.GOP), "-bf", "0",
		"-f", "h264", "pipe:1",
	)
}

// EncoderCommand builds an ffmpeg command capturing from a V4L2 device and
// writing a low-latency Annex-B H.264 stream to stdout.
func EncoderCommand(cfg EncoderConfig) []string {
	cmd := []string{
		"ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(cfg.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-i", cfg.Device,
	}
	return append(cmd, encodeArgs(cfg)...)
}

// TranscodeCommand builds an ffmpeg command that decodes Annex-B H.264 from
// stdin, applies cfg.Filter and re-encodes to stdout.
func TranscodeCommand(ffmpegPath string, cfg EncoderConfig) []string {
	cmd := []string{
		ffmpegPath, "-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-f", "h264", "-i", "pipe:0",
	}
	return append(cmd, encodeArgs(cfg)...)
}

// ExecSource runs an encoder command and streams its stdout
type ExecSource struct {
	Command []string
}

// Run implements Source
func (s *ExecSource) Run(ctx context.Context, emit func([]byte)) error {
	if len(s.Command) == 0 {
		return errors.New("exec source: empty command")
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder %q: %w", s.Command[0], err)
	}
	logger.Info("Source", "Encoder started (pid %d): %v", cmd.Process.Pid, s.Command)

	readErr := pump(ctx, stdout, emit, 0)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		return fmt.Errorf("encoder exited: %w", waitErr)
	}
	return nil
}

// ReaderSource streams from a reader such as a recorded .h264 file or stdin
type ReaderSource struct {
	R        io.Reader
	Interval time.Duration // pause between reads; 0 reads as fast as possible
}

// OpenFile returns a ReaderSource for path ("-" is stdin) and a close func
func OpenFile(path string, interval time.Duration) (*ReaderSource, func() error, error) {
	if path == "-" {
		return &ReaderSource{R: os.Stdin, Interval: interval}, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ReaderSource{R: f, Interval: interval}, f.Close, nil
}

// Run implements Source
func (s *ReaderSource) Run(ctx context.Context, emit func([]byte)) error {
	return pump(ctx, s.R, emit, s.Interval)
}

func pump(ctx context.Context, r io.Reader, emit func([]byte), interval time.Duration) error {
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			emit(append([]byte(nil), buf[:n]...))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bitstream: %w", err)
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}
