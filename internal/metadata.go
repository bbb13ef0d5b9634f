package internal

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/jdeng/goheif"
	"github.com/rwcarlsen/goexif/exif"
)

// ReadBytes inspects an encoded image without converting it
func (c *ImageCodec) ReadBytes(data []byte) (*ImageMetadata, error) {
	meta := &ImageMetadata{
		Size:      len(data),
		MediaType: SniffMediaType(data),
	}

	exifSource := data
	if isHEIFData(data) {
		cfg, err := goheif.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to read HEIC header: %w", err)
		}
		meta.Format = "heic"
		meta.Width, meta.Height = cfg.Width, cfg.Height

		// EXIF lives in its own item in HEIF containers
		exifSource, err = goheif.ExtractExif(bytes.NewReader(data))
		if err != nil {
			slog.Debug("No EXIF in HEIC file", "error", err)
			exifSource = nil
		}
	} else {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to read image header: %w", err)
		}
		meta.Format = format
		meta.Width, meta.Height = cfg.Width, cfg.Height
	}

	if len(exifSource) > 0 {
		readEXIF(exifSource, meta)
	}
	return meta, nil
}

// readEXIF fills orientation, camera and capture time. Missing tags are not errors.
func readEXIF(data []byte, meta *ImageMetadata) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return
	}

	if tag, err := x.Get(exif.Orientation); err == nil {
		if orientation, err := tag.Int(0); err == nil {
			meta.Orientation = orientation
		}
	}

	if tag, err := x.Get(exif.Model); err == nil {
		if model, err := tag.StringVal(); err == nil {
			meta.CameraModel = strings.TrimSpace(strings.TrimRight(model, "\x00"))
		}
	}

	if t, err := x.DateTime(); err == nil {
		meta.TakenAt = &t
	}
}
