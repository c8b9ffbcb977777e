package display

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

const (
	clientBuffer  = 2
	keepaliveWait = 5 * time.Second
)

// MJPEGConfig configures the MJPEG server
type MJPEGConfig struct {
	Quality  int // JPEG quality 1-100
	MaxWidth int // 0 keeps the decoded width
}

// MJPEGServer fans decoded pictures out to browsers as multipart JPEG.
// Pictures are only encoded while at least one stream client is connected.
type MJPEGServer struct {
	cfg MJPEGConfig

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	latest  *image.RGBA // copy of the last picture, for /snapshot
	scaled  *image.RGBA
	encoded uint64
	dropped uint64
}

// NewMJPEGServer creates an MJPEG server
func NewMJPEGServer(cfg MJPEGConfig) *MJPEGServer {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = jpeg.DefaultQuality
	}
	return &MJPEGServer{
		cfg:     cfg,
		clients: make(map[int]chan []byte),
	}
}

// Subscribe adds a client and returns its frame channel
func (m *MJPEGServer) Subscribe() (int, <-chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan []byte, clientBuffer)
	m.clients[id] = ch

	logger.Debug("MJPEG", "Client #%d subscribed (total clients: %d)", id, len(m.clients))
	return id, ch
}

// Unsubscribe removes a client
func (m *MJPEGServer) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.clients[id]; ok {
		close(ch)
		delete(m.clients, id)
		logger.Debug("MJPEG", "Client #%d unsubscribed (remaining clients: %d)", id, len(m.clients))
	}
}

// Clients returns the number of stream clients
func (m *MJPEGServer) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Show implements Sink
func (m *MJPEGServer) Show(img *image.RGBA) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest = copyRGBA(m.latest, img)
	if len(m.clients) == 0 {
		return
	}

	data, err := m.encodeLocked(m.latest)
	if err != nil {
		logger.Warn("MJPEG", "JPEG encode failed: %v", err)
		return
	}
	for _, ch := range m.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for it
			m.dropped++
		}
	}
}

// Snapshot returns the last picture as JPEG
func (m *MJPEGServer) Snapshot() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == nil {
		return nil, false
	}
	data, err := m.encodeLocked(m.latest)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (m *MJPEGServer) encodeLocked(img *image.RGBA) ([]byte, error) {
	src := img
	if b := img.Bounds(); m.cfg.MaxWidth > 0 && b.Dx() > m.cfg.MaxWidth {
		h := b.Dy() * m.cfg.MaxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		rect := image.Rect(0, 0, m.cfg.MaxWidth, h)
		if m.scaled == nil || m.scaled.Bounds() != rect {
			m.scaled = image.NewRGBA(rect)
		}
		xdraw.ApproxBiLinear.Scale(m.scaled, rect, img, b, xdraw.Src, nil)
		src = m.scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: m.cfg.Quality}); err != nil {
		return nil, err
	}
	m.encoded++
	return buf.Bytes(), nil
}

func copyRGBA(dst, src *image.RGBA) *image.RGBA {
	if dst == nil || dst.Bounds() != src.Bounds() {
		dst = image.NewRGBA(src.Bounds())
	}
	xdraw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, xdraw.Src)
	return dst
}

// RegisterHandlers mounts /stream and /snapshot on mux
func (m *MJPEGServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/stream", m.handleStream)
	mux.HandleFunc("/snapshot", m.handleSnapshot)
}

func (m *MJPEGServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, ok := m.Snapshot()
	if !ok {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (m *MJPEGServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, frameCh := m.Subscribe()
	defer m.Unsubscribe(id)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	keepalive := time.NewTimer(keepaliveWait)
	defer keepalive.Stop()

	var last []byte
	for {
		var jpegData []byte
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-keepalive.C:
			// Repeat the previous picture so proxies keep the connection
			if last == nil {
				keepalive.Reset(keepaliveWait)
				continue
			}
			jpegData = last
		}
		keepalive.Reset(keepaliveWait)
		last = jpegData

		if err := writePart(w, jpegData); err != nil {
			logger.Debug("MJPEG", "Client #%d disconnected: %v", id, err)
			return
		}
		flusher.Flush()
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
