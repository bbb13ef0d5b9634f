package internal

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	// extra decoders for the generic path; imaging registers jpeg, png, gif, bmp and tiff
	_ "golang.org/x/image/webp"
)

// Codec is the re-encode side of the conversion pipelines
type Codec interface {
	// ProcessImage decodes an encoded image of any supported format and re-encodes it.
	ProcessImage(data []byte, opts ConversionOptions) ([]byte, error)
	// ProcessHeifImage encodes raw pixels, downscaling first when opts.MaxSize is set.
	ProcessHeifImage(pixels []byte, width, height int, opts ConversionOptions) ([]byte, error)
	ReadBytes(data []byte) (*ImageMetadata, error)
	// CreateImageFromRGB encodes raw pixels as JPEG with the codec's default quality.
	CreateImageFromRGB(pixels []byte, height, width int) ([]byte, error)
}

// outputFormat describes one format the codec can write
type outputFormat struct {
	name        string
	ext         string
	contentType string
	encode      func(img image.Image, quality int) ([]byte, error)
}

var outputFormats = map[string]outputFormat{
	"jpeg": {name: "jpeg", ext: ".jpg", contentType: "image/jpeg", encode: encodeWith(imaging.JPEG)},
	"png":  {name: "png", ext: ".png", contentType: "image/png", encode: encodeWith(imaging.PNG)},
	"gif":  {name: "gif", ext: ".gif", contentType: "image/gif", encode: encodeWith(imaging.GIF)},
	"bmp":  {name: "bmp", ext: ".bmp", contentType: "image/bmp", encode: encodeWith(imaging.BMP)},
	"tiff": {name: "tiff", ext: ".tif", contentType: "image/tiff", encode: encodeWith(imaging.TIFF)},
	"pdf":  {name: "pdf", ext: ".pdf", contentType: "application/pdf", encode: encodePDF},
}

var formatAliases = map[string]string{
	"jpg":  "jpeg",
	"tif":  "tiff",
	"jpe":  "jpeg",
	"jfif": "jpeg",
}

// lookupFormat resolves a user supplied format name ("JPG", ".png", "jpeg")
func lookupFormat(name string) (outputFormat, bool) {
	key := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".")
	if alias, ok := formatAliases[key]; ok {
		key = alias
	}
	f, ok := outputFormats[key]
	return f, ok
}

// OutputFormats lists the supported output format names
func OutputFormats() []string {
	names := make([]string, 0, len(outputFormats))
	for name := range outputFormats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func encodeWith(format imaging.Format) func(image.Image, int) ([]byte, error) {
	return func(img image.Image, quality int) ([]byte, error) {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// ImageCodec implements Codec on top of imaging, x/image and nfnt/resize
type ImageCodec struct {
	defaultQuality int
}

var (
	codecOnce     sync.Once
	codecInstance *ImageCodec
	codecErr      error
)

// LoadCodec performs the one-time codec setup and returns the shared codec. Later calls
// return the same instance and ignore their arguments.
func LoadCodec(defaultQuality int) (*ImageCodec, error) {
	codecOnce.Do(func() {
		if defaultQuality < 1 || defaultQuality > 100 {
			codecErr = fmt.Errorf("%w: default quality %d out of range 1-100", ErrInvalidOptions, defaultQuality)
			return
		}
		codecInstance = &ImageCodec{defaultQuality: defaultQuality}
		slog.Info("Codec initialized", "formats", OutputFormats(), "quality", defaultQuality, "heic_backend", HEICBackend)
	})
	return codecInstance, codecErr
}

func (c *ImageCodec) quality(opts ConversionOptions) int {
	if opts.Quality > 0 {
		return opts.Quality
	}
	return c.defaultQuality
}

func (c *ImageCodec) ProcessImage(data []byte, opts ConversionOptions) ([]byte, error) {
	format, ok := lookupFormat(opts.NewFormat)
	if !ok {
		return nil, fmt.Errorf("%w: unknown output format %q", ErrInvalidOptions, opts.NewFormat)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	out, err := format.encode(img, c.quality(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format.name, err)
	}
	return out, nil
}

func (c *ImageCodec) ProcessHeifImage(pixels []byte, width, height int, opts ConversionOptions) ([]byte, error) {
	format, ok := lookupFormat(opts.NewFormat)
	if !ok {
		return nil, fmt.Errorf("%w: unknown output format %q", ErrInvalidOptions, opts.NewFormat)
	}

	img, err := imageFromPixels(pixels, width, height)
	if err != nil {
		return nil, err
	}

	var scaled image.Image = img
	if opts.MaxSize > 0 && (width > opts.MaxSize || height > opts.MaxSize) {
		// Thumbnail keeps the aspect ratio and fits both sides into the bound
		scaled = resize.Thumbnail(uint(opts.MaxSize), uint(opts.MaxSize), img, resize.Lanczos3)
	}

	out, err := format.encode(scaled, c.quality(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format.name, err)
	}
	return out, nil
}

func (c *ImageCodec) CreateImageFromRGB(pixels []byte, height, width int) ([]byte, error) {
	img, err := imageFromPixels(pixels, width, height)
	if err != nil {
		return nil, err
	}
	return outputFormats["jpeg"].encode(img, c.defaultQuality)
}

// imageFromPixels wraps interleaved RGB or RGBA bytes as an image, inferring the layout
// from the buffer length
func imageFromPixels(pixels []byte, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	area := width * height
	switch len(pixels) {
	case area * 4:
		return &image.NRGBA{Pix: pixels, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}, nil
	case area * 3:
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for i, j := 0, 0; i < len(pixels); i, j = i+3, j+4 {
			img.Pix[j] = pixels[i]
			img.Pix[j+1] = pixels[i+1]
			img.Pix[j+2] = pixels[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	default:
		return nil, fmt.Errorf("pixel buffer of %d bytes does not match %dx%d RGB or RGBA", len(pixels), width, height)
	}
}
