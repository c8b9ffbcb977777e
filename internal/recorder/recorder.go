// Package recorder writes reassembled access units to raw .h264 files.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

var (
	ErrRecording    = errors.New("already recording")
	ErrNotRecording = errors.New("not recording")
)

const unitQueueSize = 60 // ~1 second at 60fps

// Recorder records access units to file. A file always starts at an IDR
// unit carrying SPS/PPS so it plays on its own.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	unitCount    uint64
	bytesWritten uint64
	skipped      uint64
	startTime    time.Time
	unitChan     chan types.AccessUnit
	stopChan     chan struct{}
	wg           sync.WaitGroup

	processor       *h264.Processor
	firstIDRWritten bool

	now func() time.Time
}

// RecordingStatus is the JSON view of the recorder
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Skipped      uint64    `json:"skipped"` // units before the first IDR
	Duration     float64   `json:"duration_seconds"`
	StartTime    time.Time `json:"start_time"`
}

// NewRecorder creates a recorder that writes into basePath
func NewRecorder(basePath string) *Recorder {
	return &Recorder{
		basePath:  basePath,
		unitChan:  make(chan types.AccessUnit, unitQueueSize),
		processor: h264.NewProcessor(),
		now:       time.Now,
	}
}

// Start opens a new recording_<timestamp>.h264 file and returns its name
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrRecording
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}

	start := r.now()
	filename := fmt.Sprintf("recording_%s.h264", start.Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("create recording file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.unitCount = 0
	r.bytesWritten = 0
	r.skipped = 0
	r.startTime = start
	r.firstIDRWritten = false
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeUnits(r.stopChan)

	logger.Info("Recorder", "Recording started: %s", filename)
	return filename, nil
}

// Stop drains queued units, closes the file and returns its name
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	filename := r.filename
	if r.file != nil {
		err := r.file.Sync()
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
		if err != nil {
			return filename, fmt.Errorf("close recording: %w", err)
		}
	}

	logger.Info("Recorder", "Recording stopped: %s (%d units, %d bytes)",
		filename, r.unitCount, r.bytesWritten)
	return filename, nil
}

// SendUnit queues au for writing. Parameter sets are cached even while idle
// so a recording started mid-GOP can still open with SPS/PPS. It never
// blocks and reports false when the unit was not queued.
func (r *Recorder) SendUnit(au types.AccessUnit) bool {
	r.mu.Lock()
	r.processor.Process(&au)
	recording := r.recording
	r.mu.Unlock()

	if !recording {
		return false
	}

	select {
	case r.unitChan <- au:
		return true
	default:
		return false
	}
}

func (r *Recorder) writeUnits(stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case au := <-r.unitChan:
			r.writeUnit(au)
		case <-stop:
			for {
				select {
				case au := <-r.unitChan:
					r.writeUnit(au)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeUnit(au types.AccessUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	data := au.Data
	if !r.firstIDRWritten {
		if !au.IsIDR {
			r.skipped++
			return
		}
		data = r.processor.PrependHeaders(data)
		r.firstIDRWritten = true
	}

	n, err := r.file.Write(data)
	if err != nil {
		logger.Error("Recorder", "Write failed: %v", err)
		return
	}
	r.unitCount++
	r.bytesWritten += uint64(n)
}

// IsRecording reports whether a recording is active
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.unitCount,
		BytesWritten: r.bytesWritten,
		Skipped:      r.skipped,
		StartTime:    r.startTime,
	}
	if r.recording {
		status.Duration = r.now().Sub(r.startTime).Seconds()
	}
	return status
}

// Close stops an active recording
func (r *Recorder) Close() error {
	if !r.IsRecording() {
		return nil
	}
	_, err := r.Stop()
	return err
}
