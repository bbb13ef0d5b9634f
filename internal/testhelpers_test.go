package internal

import (
	"bytes"
	"fmt"
	"image/color"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
)

// setupTestDB opens a fresh database in a temp directory
func setupTestDB(t *testing.T) func() {
	t.Helper()

	if err := InitDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	return func() {
		CloseDB()
	}
}

// testPNG encodes a solid w x h PNG
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 10, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("Failed to encode test PNG: %v", err)
	}
	return buf.Bytes()
}

// rgbaPixels returns an opaque interleaved RGBA buffer
func rgbaPixels(w, h int) []byte {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i] = 10
		pix[i+1] = 120
		pix[i+2] = 240
		pix[i+3] = 255
	}
	return pix
}

// callLog records the order of collaborator calls across goroutines
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

// fakeCodec records its calls. ProcessImage and ProcessHeifImage fail for inputs whose
// first bytes are "bad" and panic for "panic".
type fakeCodec struct {
	log *callLog
	out []byte
	err error

	mu       sync.Mutex
	heifArgs []heifCall
	opts     []ConversionOptions
}

type heifCall struct {
	width, height int
	pixels        int
	opts          ConversionOptions
}

func newFakeCodec(log *callLog) *fakeCodec {
	return &fakeCodec{log: log, out: []byte("converted")}
}

func (f *fakeCodec) result(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, []byte("panic")):
		panic("codec exploded")
	case bytes.HasPrefix(data, []byte("bad")):
		return nil, fmt.Errorf("cannot decode input")
	}
	return f.out, f.err
}

func (f *fakeCodec) ProcessImage(data []byte, opts ConversionOptions) ([]byte, error) {
	f.log.add("process_image")
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	return f.result(data)
}

func (f *fakeCodec) ProcessHeifImage(pixels []byte, width, height int, opts ConversionOptions) ([]byte, error) {
	f.log.add("process_heif_image")
	f.mu.Lock()
	f.heifArgs = append(f.heifArgs, heifCall{width: width, height: height, pixels: len(pixels), opts: opts})
	f.mu.Unlock()
	return f.result(pixels)
}

func (f *fakeCodec) ReadBytes(data []byte) (*ImageMetadata, error) {
	f.log.add("read_bytes")
	return &ImageMetadata{Size: len(data)}, nil
}

func (f *fakeCodec) CreateImageFromRGB(pixels []byte, height, width int) ([]byte, error) {
	f.log.add("create_image_from_rgb")
	return f.result(pixels)
}

// fakeHEICImage serves fixed dimensions and pixels
type fakeHEICImage struct {
	log    *callLog
	dims   Dimensions
	pix    []byte
	dimErr error
	// panicOn names the accessor that panics ("dimensions" or "pixels")
	panicOn string
}

func (i *fakeHEICImage) Dimensions() (Dimensions, error) {
	i.log.add("dimensions")
	if i.panicOn == "dimensions" {
		panic("dimensions exploded")
	}
	return i.dims, i.dimErr
}

func (i *fakeHEICImage) Pixels() ([]byte, error) {
	i.log.add("pixels")
	if i.panicOn == "pixels" {
		panic("pixels exploded")
	}
	return i.pix, nil
}

// fakeDecoder hands out img, or fails with decodeErr
type fakeDecoder struct {
	log       *callLog
	img       HEICImage
	decodeErr error
	panics    bool

	mu    sync.Mutex
	frees int
}

func (d *fakeDecoder) Decode(data []byte, length int, strict bool) (HEICImage, error) {
	d.log.add("decode")
	if d.panics {
		panic("decoder exploded")
	}
	if d.decodeErr != nil {
		return nil, d.decodeErr
	}
	return d.img, nil
}

func (d *fakeDecoder) Free() error {
	d.log.add("free")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frees++
	return nil
}

func (d *fakeDecoder) freeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frees
}

// decoderFactory builds a new fakeDecoder per call and remembers all of them
type decoderFactory struct {
	log      *callLog
	dims     Dimensions
	pix      func() []byte
	mu       sync.Mutex
	decoders []*fakeDecoder
}

func newDecoderFactory(log *callLog, w, h int) *decoderFactory {
	return &decoderFactory{
		log:  log,
		dims: Dimensions{Width: w, Height: h},
		pix:  func() []byte { return rgbaPixels(w, h) },
	}
}

func (f *decoderFactory) New() HEICDecoder {
	d := &fakeDecoder{
		log: f.log,
		img: &fakeHEICImage{log: f.log, dims: f.dims, pix: f.pix()},
	}
	f.mu.Lock()
	f.decoders = append(f.decoders, d)
	f.mu.Unlock()
	return d
}

func (f *decoderFactory) created() []*fakeDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeDecoder(nil), f.decoders...)
}
