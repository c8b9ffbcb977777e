package decode

import (
	"errors"
	"image"
	"testing"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/pkg/types"
)

// fakeDecoder emits perUnit frames for every accepted unit. Units whose
// first byte is 0xFF fail with a hard error.
type fakeDecoder struct {
	width, height int
	perUnit       int
	queued        int
	sent          int
	flushes       int
	closed        bool
	needMore      bool
}

func (f *fakeDecoder) SendAccessUnit(au []byte) error {
	if f.needMore {
		return ErrNeedMoreData
	}
	if len(au) > 0 && au[0] == 0xFF {
		return errors.New("invalid data")
	}
	f.sent++
	f.queued += f.perUnit
	return nil
}

func (f *fakeDecoder) ReceiveFrame() (*types.RawFrame, error) {
	if f.queued == 0 {
		return nil, ErrNeedMoreData
	}
	f.queued--
	return grayFrame(f.width, f.height, 128), nil
}

func (f *fakeDecoder) Flush() error {
	f.flushes++
	f.queued = 0
	return nil
}

func (f *fakeDecoder) Close() error {
	f.closed = true
	return nil
}

func grayFrame(w, h int, luma byte) *types.RawFrame {
	cw, ch := (w+1)/2, (h+1)/2
	f := &types.RawFrame{
		Width:   w,
		Height:  h,
		Y:       make([]byte, w*h),
		Cb:      make([]byte, cw*ch),
		Cr:      make([]byte, cw*ch),
		YStride: w,
		CStride: cw,
	}
	for i := range f.Y {
		f.Y[i] = luma
	}
	for i := range f.Cb {
		f.Cb[i] = 128
		f.Cr[i] = 128
	}
	return f
}

func TestAdapterDrainsAllFrames(t *testing.T) {
	dec := &fakeDecoder{width: 16, height: 8, perUnit: 2}
	a := NewAdapter(dec)

	var got []*image.RGBA
	n := a.Decode([]byte{0x00, 0x00, 0x01, 0x65}, func(img *image.RGBA) {
		got = append(got, img)
	})
	if n != 2 || len(got) != 2 {
		t.Fatalf("emitted %d (%d callbacks), want 2", n, len(got))
	}
	if got[0].Bounds() != image.Rect(0, 0, 16, 8) {
		t.Fatalf("bounds = %v", got[0].Bounds())
	}
	px := got[0].RGBAAt(3, 3)
	if px.R != px.G || px.G != px.B || px.A != 0xFF {
		t.Fatalf("gray frame converted to %+v", px)
	}
}

func TestAdapterReusesScratchImage(t *testing.T) {
	dec := &fakeDecoder{width: 16, height: 8, perUnit: 1}
	a := NewAdapter(dec)

	var first, second *image.RGBA
	a.Decode([]byte{1}, func(img *image.RGBA) { first = img })
	a.Decode([]byte{1}, func(img *image.RGBA) { second = img })
	if first != second {
		t.Fatal("scratch image reallocated for same dimensions")
	}

	dec.width, dec.height = 32, 16
	var third *image.RGBA
	a.Decode([]byte{1}, func(img *image.RGBA) { third = img })
	if third == first || third.Bounds().Dx() != 32 {
		t.Fatal("scratch image not reallocated on dimension change")
	}
}

func TestAdapterFlushesOnHardError(t *testing.T) {
	dec := &fakeDecoder{width: 16, height: 8, perUnit: 1}
	a := NewAdapter(dec)

	if n := a.Decode([]byte{0xFF}, nil); n != 0 {
		t.Fatalf("emitted %d on error", n)
	}
	if dec.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", dec.flushes)
	}

	// Stream continues
	if n := a.Decode([]byte{1}, nil); n != 1 {
		t.Fatalf("emitted %d after recovery, want 1", n)
	}
	st := a.Stats()
	if st.Errors != 1 || st.Flushes != 1 || st.Frames != 1 || st.Units != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAdapterNeedMoreDataIsSilent(t *testing.T) {
	dec := &fakeDecoder{width: 16, height: 8, needMore: true}
	a := NewAdapter(dec)
	if n := a.Decode([]byte{1}, nil); n != 0 {
		t.Fatalf("emitted %d", n)
	}
	if st := a.Stats(); st.Errors != 0 || dec.flushes != 0 {
		t.Fatalf("need-more-data treated as error: %+v", st)
	}
}

func TestYUV420Size(t *testing.T) {
	y, c := yuv420Size(1280, 720)
	if y != 1280*720 || c != 640*360 {
		t.Fatalf("1280x720: %d %d", y, c)
	}
	y, c = yuv420Size(5, 3)
	if y != 15 || c != 6 {
		t.Fatalf("5x3: %d %d", y, c)
	}
}

func TestFFmpegDecoderWaitsForSPS(t *testing.T) {
	dec, err := NewFFmpegDecoder("")
	if err != nil {
		t.Skipf("ffmpeg not installed: %v", err)
	}
	defer dec.Close()

	err = dec.SendAccessUnit([]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A})
	if !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("err = %v, want ErrNeedMoreData", err)
	}
	if _, err := dec.ReceiveFrame(); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("ReceiveFrame err = %v", err)
	}
}
