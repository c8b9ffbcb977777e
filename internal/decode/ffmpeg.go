package decode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

const (
	ffmpegFrameQueue  = 4
	ffmpegStopTimeout = 2 * time.Second
)

// FFmpegDecoder decodes H.264 by piping the bitstream through an ffmpeg
// process that writes raw yuv420p frames to stdout. The output size comes
// from the SPS, so input is refused until one has been seen; a resolution
// change restarts the process.
type FFmpegDecoder struct {
	path    string
	params  *h264.Processor
	infoMu  sync.Mutex
	info    h264.SPSInfo
	proc    *ffmpegProc
	dropped atomic.Uint64
}

// NewFFmpegDecoder creates a decoder using the ffmpeg binary at path
// ("ffmpeg" searches PATH). The process starts on the first SPS.
func NewFFmpegDecoder(path string) (*FFmpegDecoder, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}
	return &FFmpegDecoder{path: resolved, params: h264.NewProcessor()}, nil
}

// SendAccessUnit implements Decoder
func (d *FFmpegDecoder) SendAccessUnit(au []byte) error {
	unit := types.AccessUnit{Data: au}
	d.params.Process(&unit)

	if info, ok := d.params.SPSInfo(); ok && (info.Width != d.info.Width || info.Height != d.info.Height) {
		if d.proc != nil {
			logger.Info("Decode", "Resolution change %dx%d -> %dx%d, restarting ffmpeg",
				d.info.Width, d.info.Height, info.Width, info.Height)
		}
		d.infoMu.Lock()
		d.info = info
		d.infoMu.Unlock()
		if err := d.restart(); err != nil {
			return err
		}
	}
	if d.proc == nil {
		return ErrNeedMoreData
	}

	if _, err := d.proc.stdin.Write(au); err != nil {
		return fmt.Errorf("write to ffmpeg: %w", err)
	}
	return nil
}

// ReceiveFrame implements Decoder. It never blocks.
func (d *FFmpegDecoder) ReceiveFrame() (*types.RawFrame, error) {
	if d.proc == nil {
		return nil, ErrNeedMoreData
	}
	select {
	case f := <-d.proc.frames:
		return f, nil
	default:
	}
	select {
	case <-d.proc.done:
		return nil, fmt.Errorf("ffmpeg exited: %w", d.proc.exitErr())
	default:
		return nil, ErrNeedMoreData
	}
}

// Flush implements Decoder by restarting the process. Cached parameter
// sets are replayed so decoding resumes at the next IDR.
func (d *FFmpegDecoder) Flush() error {
	if d.proc == nil {
		return nil
	}
	return d.restart()
}

// Close implements Decoder
func (d *FFmpegDecoder) Close() error {
	if d.proc == nil {
		return nil
	}
	err := d.proc.stop()
	d.proc = nil
	return err
}

// Info returns the stream parameters the process was started with
func (d *FFmpegDecoder) Info() h264.SPSInfo {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.info
}

// Dropped returns frames discarded because the reader queue was full
func (d *FFmpegDecoder) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *FFmpegDecoder) restart() error {
	if d.proc != nil {
		if err := d.proc.stop(); err != nil {
			logger.Debug("Decode", "ffmpeg stop: %v", err)
		}
		d.proc = nil
	}

	p, err := startFFmpeg(d.path, d.info.Width, d.info.Height, &d.dropped)
	if err != nil {
		return err
	}
	d.proc = p
	logger.Info("Decode", "ffmpeg started (pid %d) for %dx%d %s",
		p.cmd.Process.Pid, d.info.Width, d.info.Height, d.info.CodecString())

	if d.params.HasHeaders() {
		if _, err := p.stdin.Write(append(append([]byte{}, d.params.SPS()...), d.params.PPS()...)); err != nil {
			return fmt.Errorf("write parameter sets: %w", err)
		}
	}
	return nil
}

// ffmpegProc is one running ffmpeg process and its reader goroutines
type ffmpegProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan *types.RawFrame
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func ffmpegArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-probesize", "32", "-analyzeduration", "0",
		"-f", "h264", "-i", "pipe:0",
		"-f", "rawvideo", "-pix_fmt", "yuv420p", "pipe:1",
	}
}

// yuv420Size returns the byte size of one yuv420p frame
func yuv420Size(width, height int) (ySize, cSize int) {
	cw, ch := (width+1)/2, (height+1)/2
	return width * height, cw * ch
}

func startFFmpeg(path string, width, height int, dropped *atomic.Uint64) (*ffmpegProc, error) {
	cmd := exec.Command(path, ffmpegArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &ffmpegProc{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan *types.RawFrame, ffmpegFrameQueue),
		done:   make(chan struct{}),
	}

	var logs sync.WaitGroup
	logs.Add(1)
	go func() {
		defer logs.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("Decode", "ffmpeg: %s", scanner.Text())
		}
	}()

	go func() {
		readErr := p.readFrames(stdout, width, height, dropped)
		logs.Wait()
		waitErr := cmd.Wait()
		p.mu.Lock()
		p.err = errors.Join(readErr, waitErr)
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *ffmpegProc) readFrames(r io.Reader, width, height int, dropped *atomic.Uint64) error {
	ySize, cSize := yuv420Size(width, height)
	br := bufio.NewReaderSize(r, ySize+2*cSize)
	for {
		buf := make([]byte, ySize+2*cSize)
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		f := &types.RawFrame{
			Width:   width,
			Height:  height,
			Y:       buf[:ySize],
			Cb:      buf[ySize : ySize+cSize],
			Cr:      buf[ySize+cSize:],
			YStride: width,
			CStride: (width + 1) / 2,
		}

		// Drop the oldest queued frame rather than stall ffmpeg
		select {
		case p.frames <- f:
			continue
		default:
		}
		select {
		case <-p.frames:
			dropped.Add(1)
		default:
		}
		select {
		case p.frames <- f:
		default:
			dropped.Add(1)
		}
	}
}

func (p *ffmpegProc) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return io.EOF
	}
	return p.err
}

// stop closes stdin so ffmpeg drains and exits, killing it after a timeout
func (p *ffmpegProc) stop() error {
	_ = p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(ffmpegStopTimeout):
		logger.Warn("Decode", "ffmpeg did not exit within %v, killing", ffmpegStopTimeout)
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill ffmpeg: %w", err)
		}
		<-p.done
	}
	return nil
}
