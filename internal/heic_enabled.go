//go:build heic

package internal

import (
	"fmt"
	"runtime"

	"github.com/strukturag/libheif-go"
)

// HEICBackend names the decoder compiled into this binary
const HEICBackend = "libheif"

// libheifDecoder decodes HEIC through libheif.
// This version requires the libheif library and is enabled with the 'heic' build tag.
type libheifDecoder struct {
	decoderState
	ctx *libheif.Context
}

// NewHEICDecoder returns a fresh single-use decoder with its own libheif context
func NewHEICDecoder() HEICDecoder {
	return &libheifDecoder{}
}

func (d *libheifDecoder) Decode(data []byte, length int, strict bool) (HEICImage, error) {
	if err := d.begin(data, length); err != nil {
		return nil, err
	}
	input := data[:length]
	if err := checkHEIFBrand(input, strict); err != nil {
		return nil, err
	}

	ctx, err := libheif.NewContext()
	if err != nil {
		return nil, fmt.Errorf("can't create context: %w", err)
	}
	d.ctx = ctx

	if err := ctx.ReadFromMemory(input); err != nil {
		return nil, fmt.Errorf("can't read from memory: %w", err)
	}

	handle, err := ctx.GetPrimaryImageHandle()
	if err != nil {
		return nil, fmt.Errorf("can't read primary image: %w", err)
	}

	img, err := handle.DecodeImage(libheif.ColorspaceRGB, libheif.ChromaInterleavedRGBA, nil)
	if err != nil {
		return nil, fmt.Errorf("can't decode image: %w", err)
	}

	goImg, err := img.GetImage()
	if err != nil {
		return nil, fmt.Errorf("can't convert image: %w", err)
	}

	// copy out of libheif memory so the context can go once Free is called
	d.img = newDecodedImage(goImg)
	runtime.KeepAlive(img)
	return d.img, nil
}

// Free drops the libheif context. Its native memory is released by the binding's
// finalizer once nothing references it.
func (d *libheifDecoder) Free() error {
	if err := d.free(); err != nil {
		return err
	}
	d.ctx = nil
	return nil
}
