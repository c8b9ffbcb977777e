package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesCompleted.Add(3)
	m.Orphans.Add(1)
	m.SetFPS(29.5)
	m.SetNoise(1.25)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"udpvideo_frames_completed_total 3",
		"udpvideo_orphans_total 1",
		"udpvideo_display_fps 29.5",
		"udpvideo_noise_sigma 1.25",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
