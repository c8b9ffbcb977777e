package webrtc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

var (
	sps   = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xC0, 0x1F}
	pps   = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x3C, 0x80}
	idr   = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84}
	slice = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02}
)

func TestSendUnitWaitsForIDR(t *testing.T) {
	s := NewServer(Config{MaxClients: 1})
	c := &Client{id: "test", unitChan: make(chan types.AccessUnit, 2)}
	s.clients[c.id] = c

	if sent, _ := s.SendUnit(types.AccessUnit{Data: slice}); sent != 0 {
		t.Fatal("slice queued before IDR")
	}
	if sent, _ := s.SendUnit(types.AccessUnit{Data: append(append([]byte{}, sps...), pps...)}); sent != 0 {
		t.Fatal("parameter sets queued before IDR")
	}
	if sent, _ := s.SendUnit(types.AccessUnit{Data: idr}); sent != 1 {
		t.Fatal("IDR not queued")
	}
	if sent, _ := s.SendUnit(types.AccessUnit{Data: slice}); sent != 1 {
		t.Fatal("slice after IDR not queued")
	}
	if _, dropped := s.SendUnit(types.AccessUnit{Data: slice}); dropped != 1 {
		t.Fatal("full client queue did not drop")
	}

	first := <-c.unitChan
	want := bytes.Join([][]byte{sps, pps, idr}, nil)
	if !bytes.Equal(first.Data, want) || !first.IsIDR {
		t.Fatalf("first unit = % x, want parameter sets in front of the IDR", first.Data)
	}
	if second := <-c.unitChan; !bytes.Equal(second.Data, slice) {
		t.Fatalf("second unit = % x", second.Data)
	}
	if got := c.framesDropped.Load(); got != 1 {
		t.Fatalf("dropped = %d", got)
	}
}

func TestOfferHandlerRejections(t *testing.T) {
	cases := []struct {
		name       string
		maxClients int
		method     string
		body       string
		status     int
	}{
		{"get", 1, http.MethodGet, "", http.StatusMethodNotAllowed},
		{"garbage", 1, http.MethodPost, "not json", http.StatusBadRequest},
		{"empty sdp", 1, http.MethodPost, `{"type":"offer","sdp":""}`, http.StatusBadRequest},
		{"full", 0, http.MethodPost, `{"type":"offer","sdp":"v=0"}`, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(Config{MaxClients: tc.maxClients})
			rec := httptest.NewRecorder()
			s.OfferHandler(nil).ServeHTTP(rec, httptest.NewRequest(tc.method, "/offer", strings.NewReader(tc.body)))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body)
			}
		})
	}
}

func TestHandleOfferAcceptsBrowserOffer(t *testing.T) {
	s := NewServer(Config{MaxClients: 2})
	defer s.Close()

	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("offerer: %v", err)
	}
	defer offerer.Close()

	if _, err := offerer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		t.Fatalf("transceiver: %v", err)
	}
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	select {
	case <-gathered:
	case <-time.After(10 * time.Second):
		t.Fatal("offerer ICE gathering did not complete")
	}
	offerJSON, _ := json.Marshal(offerer.LocalDescription())

	connected := 0
	rec := httptest.NewRecorder()
	s.OfferHandler(func() { connected++ }).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/offer", bytes.NewReader(offerJSON)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(rec.Body.Bytes(), &answer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || !strings.Contains(answer.SDP, "H264") {
		t.Fatalf("unexpected answer %v", answer.Type)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	if connected != 1 || s.ClientCount() != 1 {
		t.Fatalf("connected = %d, clients = %d", connected, s.ClientCount())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.ClientCount() != 0 {
		t.Fatal("clients left after Close")
	}
}
