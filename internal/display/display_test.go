package display

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestOverlaySmoothsFPS(t *testing.T) {
	var shown int
	var lastFPS float64
	o := NewOverlay(SinkFunc(func(*image.RGBA) { shown++ }), func(f float64) { lastFPS = f })

	clock := time.Unix(0, 0)
	o.now = func() time.Time { return clock }

	img := solid(160, 40, color.RGBA{0, 0, 255, 255})
	for i := 0; i < 30; i++ {
		o.Show(img)
		clock = clock.Add(40 * time.Millisecond)
	}
	if shown != 30 {
		t.Fatalf("shown = %d", shown)
	}
	if math.Abs(lastFPS-25) > 0.01 || math.Abs(o.FPS()-25) > 0.01 {
		t.Fatalf("fps = %.2f, want 25", lastFPS)
	}

	// Text is drawn in the top-left corner, the rest is untouched
	if img.RGBAAt(10, 12) == (color.RGBA{0, 0, 255, 255}) {
		t.Fatal("label area not drawn")
	}
	if got := img.RGBAAt(150, 35); got != (color.RGBA{0, 0, 255, 255}) {
		t.Fatalf("pixel outside label changed: %v", got)
	}
}

func TestOverlayUsesWindow(t *testing.T) {
	o := NewOverlay(nil, nil)
	clock := time.Unix(0, 0)
	o.now = func() time.Time { return clock }
	img := solid(64, 32, color.RGBA{A: 255})

	// Slow frames first, then fast ones fill the whole window
	for i := 0; i < 5; i++ {
		o.Show(img)
		clock = clock.Add(time.Second)
	}
	for i := 0; i < fpsWindow+1; i++ {
		o.Show(img)
		clock = clock.Add(10 * time.Millisecond)
	}
	if math.Abs(o.FPS()-100) > 0.01 {
		t.Fatalf("fps = %.2f, want 100 once slow frames left the window", o.FPS())
	}
}

func TestMJPEGSkipsEncodingWithoutClients(t *testing.T) {
	m := NewMJPEGServer(MJPEGConfig{Quality: 70})
	m.Show(solid(32, 32, color.RGBA{R: 255, A: 255}))
	if m.encoded != 0 {
		t.Fatalf("encoded %d pictures with no clients", m.encoded)
	}

	data, ok := m.Snapshot()
	if !ok {
		t.Fatal("no snapshot")
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 32 {
		t.Fatalf("width = %d", img.Bounds().Dx())
	}
}

func TestMJPEGFanOutDropsForSlowClients(t *testing.T) {
	m := NewMJPEGServer(MJPEGConfig{MaxWidth: 16})
	_, fast := m.Subscribe()
	slowID, _ := m.Subscribe()

	img := solid(64, 32, color.RGBA{G: 255, A: 255})
	for i := 0; i < clientBuffer+1; i++ {
		m.Show(img)
		if i < clientBuffer {
			<-fast
		}
	}
	if m.dropped != 1 {
		t.Fatalf("dropped = %d, want 1 for the slow client", m.dropped)
	}

	data := <-fast
	pic, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := pic.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Fatalf("scaled size = %v, want 16x8", b)
	}

	m.Unsubscribe(slowID)
	if m.Clients() != 1 {
		t.Fatalf("clients = %d", m.Clients())
	}
}

func TestMJPEGStreamHandler(t *testing.T) {
	m := NewMJPEGServer(MJPEGConfig{})
	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/snapshot")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("snapshot before any frame = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type = %q", ct)
	}

	// The handler subscribes before flushing headers
	if m.Clients() != 1 {
		t.Fatalf("clients = %d", m.Clients())
	}
	m.Show(solid(8, 8, color.RGBA{R: 200, A: 255}))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "--frame\r\n" {
		t.Fatalf("first line = %q", line)
	}
	if line, _ = r.ReadString('\n'); line != "Content-Type: image/jpeg\r\n" {
		t.Fatalf("part header = %q", line)
	}
}
