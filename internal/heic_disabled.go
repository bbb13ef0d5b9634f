//go:build !heic

package internal

import (
	"bytes"
	"fmt"

	"github.com/jdeng/goheif"
)

// HEICBackend names the decoder compiled into this binary
const HEICBackend = "goheif"

// goheifDecoder decodes HEIC in pure Go. This is the default build; build with
// -tags heic to use libheif instead.
type goheifDecoder struct {
	decoderState
}

// NewHEICDecoder returns a fresh single-use decoder
func NewHEICDecoder() HEICDecoder {
	return &goheifDecoder{}
}

func (d *goheifDecoder) Decode(data []byte, length int, strict bool) (HEICImage, error) {
	if err := d.begin(data, length); err != nil {
		return nil, err
	}
	input := data[:length]
	if err := checkHEIFBrand(input, strict); err != nil {
		return nil, err
	}

	img, err := goheif.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("failed to decode HEIC image: %w", err)
	}

	d.img = newDecodedImage(img)
	return d.img, nil
}

func (d *goheifDecoder) Free() error {
	return d.free()
}
