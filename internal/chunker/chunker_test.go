package chunker

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/wire"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestSplitLegacy(t *testing.T) {
	c, err := New(DefaultChunkSize, wire.FormatLegacy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	au := payload(3000)
	datagrams, id := c.Split(au)
	if id != 0 {
		t.Fatalf("first id = %d", id)
	}
	if len(datagrams) != 4 {
		t.Fatalf("got %d datagrams, want header + 3", len(datagrams))
	}
	h, err := wire.DecodeHeader(datagrams[0])
	if err != nil || h.TotalSize != 3000 || h.FrameID != 0 {
		t.Fatalf("header %+v, %v", h, err)
	}
	wantSizes := []int{1400, 1400, 200}
	for i, size := range wantSizes {
		if len(datagrams[i+1]) != size {
			t.Errorf("payload %d = %d bytes, want %d", i, len(datagrams[i+1]), size)
		}
	}
	if !bytes.Equal(bytes.Join(datagrams[1:], nil), au) {
		t.Fatal("payloads do not concatenate to the unit")
	}

	if _, id := c.Split(au); id != 1 {
		t.Fatalf("second id = %d, want 1", id)
	}
}

func TestSplitNeverEmitsHeaderSizedPayload(t *testing.T) {
	cases := []struct {
		chunkSize int
		n         int
	}{
		{1400, 8},
		{1400, 1408},
		{1400, 2808},
		{9, 17},
		{9, 8},
		{16, 24},
	}
	for _, tc := range cases {
		c, err := New(tc.chunkSize, wire.FormatLegacy)
		if err != nil {
			t.Fatalf("New(%d): %v", tc.chunkSize, err)
		}
		au := payload(tc.n)
		datagrams, _ := c.Split(au)
		for i, d := range datagrams[1:] {
			if len(d) == wire.HeaderSize {
				t.Errorf("chunk %d n %d: payload %d is header-sized", tc.chunkSize, tc.n, i)
			}
			if len(d) > tc.chunkSize {
				t.Errorf("chunk %d n %d: payload %d exceeds chunk size", tc.chunkSize, tc.n, i)
			}
		}
		if !bytes.Equal(bytes.Join(datagrams[1:], nil), au) {
			t.Errorf("chunk %d n %d: payloads do not reassemble", tc.chunkSize, tc.n)
		}
	}
}

func TestSplitEmptyUnit(t *testing.T) {
	c, _ := New(DefaultChunkSize, wire.FormatLegacy)
	if datagrams, _ := c.Split(nil); len(datagrams) != 0 {
		t.Fatalf("empty unit produced %d datagrams", len(datagrams))
	}
	if _, id := c.Split([]byte{1}); id != 0 {
		t.Fatalf("empty unit consumed an id, next = %d", id)
	}
}

func TestSplitIDWraps(t *testing.T) {
	c, _ := New(DefaultChunkSize, wire.FormatLegacy)
	c.nextID = 0xFFFFFFFF
	if _, id := c.Split([]byte{1}); id != 0xFFFFFFFF {
		t.Fatalf("id = %d", id)
	}
	if _, id := c.Split([]byte{1}); id != 0 {
		t.Fatalf("id after wrap = %d", id)
	}
}

func TestSplitTagged(t *testing.T) {
	c, _ := New(100, wire.FormatTagged)
	au := payload(250)
	datagrams, id := c.Split(au)

	var got []byte
	for i, d := range datagrams[1:] {
		if len(d) > 100 || wire.IsHeader(d) {
			t.Fatalf("datagram %d length %d", i, len(d))
		}
		chunk, err := wire.DecodeTagged(d)
		if err != nil {
			t.Fatalf("DecodeTagged: %v", err)
		}
		if chunk.FrameID != id || int(chunk.Offset) != len(got) {
			t.Fatalf("chunk %d: %+v", i, chunk)
		}
		got = append(got, chunk.Data...)
	}
	if !bytes.Equal(got, au) {
		t.Fatal("tagged payloads do not reassemble")
	}
}

func TestNewRejectsChunkSize(t *testing.T) {
	for _, size := range []int{0, 8, 65508} {
		if _, err := New(size, wire.FormatLegacy); err == nil {
			t.Errorf("New(%d) accepted", size)
		}
	}
}

func TestSenderDeliversInOrder(t *testing.T) {
	rx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer rx.Close()
	tx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer tx.Close()

	c, _ := New(DefaultChunkSize, wire.FormatLegacy)
	s := NewSender(c, 0)
	au := payload(3000)
	if err := s.Send(context.Background(), tx, rx.LocalAddr(), au); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_ = rx.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	var lens []int
	for i := 0; i < 4; i++ {
		n, _, err := rx.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		lens = append(lens, n)
	}
	want := []int{8, 1400, 1400, 200}
	for i := range want {
		if lens[i] != want[i] {
			t.Fatalf("datagram lengths = %v, want %v", lens, want)
		}
	}

	st := s.Stats()
	if st.Frames != 1 || st.Datagrams != 4 || st.Bytes != 3008 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSenderPacingHonoursContext(t *testing.T) {
	tx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer tx.Close()

	c, _ := New(MinChunkSize, wire.FormatLegacy)
	s := NewSender(c, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Send(ctx, tx, tx.LocalAddr(), payload(100))
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
