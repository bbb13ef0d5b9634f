package internal

import (
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// Dimensions of a decoded image
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HEICImage is the handle returned by a successful decode. It answers for the image it
// was returned with and nothing else, and stops answering once its decoder is freed.
type HEICImage interface {
	Dimensions() (Dimensions, error)
	Pixels() ([]byte, error)
}

// HEICDecoder decodes one HEIC file. Instances are not shared between conversions;
// Free must be called exactly once when the caller is done with the decoded image.
type HEICDecoder interface {
	Decode(data []byte, length int, strict bool) (HEICImage, error)
	Free() error
}

// HEICDecoderFactory returns a fresh decoder for every conversion
type HEICDecoderFactory func() HEICDecoder

// decodedImage is the HEICImage shared by both decoder backends. Pixels are kept as
// interleaved RGBA.
type decodedImage struct {
	mu       sync.Mutex
	pix      []byte
	dims     Dimensions
	released bool
}

func newDecodedImage(img image.Image) *decodedImage {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	return &decodedImage{
		pix:  nrgba.Pix,
		dims: Dimensions{Width: b.Dx(), Height: b.Dy()},
	}
}

func (d *decodedImage) Dimensions() (Dimensions, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return Dimensions{}, ErrDecoderReleased
	}
	return d.dims, nil
}

func (d *decodedImage) Pixels() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrDecoderReleased
	}
	return d.pix, nil
}

func (d *decodedImage) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.pix = nil
}

// decoderState is embedded by the decoder backends to enforce the Decode/Free lifecycle
type decoderState struct {
	img   *decodedImage
	used  bool
	freed bool
}

func (s *decoderState) begin(data []byte, length int) error {
	if s.freed {
		return ErrDecoderReleased
	}
	if s.used {
		return fmt.Errorf("heic decoder instances are single use")
	}
	s.used = true
	if length < 0 || length > len(data) {
		return fmt.Errorf("length %d out of range for %d byte input", length, len(data))
	}
	return nil
}

func (s *decoderState) free() error {
	if s.freed {
		return fmt.Errorf("heic decoder freed twice")
	}
	s.freed = true
	if s.img != nil {
		s.img.release()
		s.img = nil
	}
	return nil
}

func checkHEIFBrand(data []byte, strict bool) error {
	if strict && !isHEIFData(data) {
		return fmt.Errorf("input is not an ISO BMFF file with a HEIF brand")
	}
	return nil
}
