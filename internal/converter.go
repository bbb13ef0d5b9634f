package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// ConverterConfig holds the knobs of a Converter that are not per-request options
type ConverterConfig struct {
	// SimpleHeic re-encodes HEIC pixels with Codec.CreateImageFromRGB (always JPEG,
	// no downscale) instead of Codec.ProcessHeifImage.
	SimpleHeic bool
	// Observer, if set, sees every pipeline state transition.
	Observer StateObserver
}

// Converter drives the generic and HEIC conversion pipelines
type Converter struct {
	codec      Codec
	newDecoder HEICDecoderFactory
	cfg        ConverterConfig
}

// NewConverter requires an initialized codec (see LoadCodec) and a decoder factory that
// hands out a new decoder per call.
func NewConverter(codec Codec, newDecoder HEICDecoderFactory, cfg ConverterConfig) (*Converter, error) {
	if codec == nil {
		return nil, ErrCodecNotReady
	}
	if newDecoder == nil {
		return nil, fmt.Errorf("heic decoder factory is required")
	}
	return &Converter{codec: codec, newDecoder: newDecoder, cfg: cfg}, nil
}

// ValidateOptions rejects options no pipeline could honour
func ValidateOptions(opts ConversionOptions) error {
	if _, ok := lookupFormat(opts.NewFormat); !ok {
		return fmt.Errorf("%w: unknown output format %q (supported: %s)", ErrInvalidOptions, opts.NewFormat, strings.Join(OutputFormats(), ", "))
	}
	if opts.MaxSize < 0 {
		return fmt.Errorf("%w: max_size must not be negative", ErrInvalidOptions)
	}
	if opts.Quality < 0 || opts.Quality > 100 {
		return fmt.Errorf("%w: quality must be between 1 and 100", ErrInvalidOptions)
	}
	return nil
}

// Convert dispatches the file to exactly one pipeline
func (cv *Converter) Convert(file InputFile, opts ConversionOptions) (*OutputArtifact, error) {
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}
	switch Dispatch(file) {
	case PipelineHeic:
		return cv.ConvertHeic(file, opts)
	default:
		return cv.ConvertGeneric(file, opts)
	}
}

// ConvertGeneric hands the encoded bytes to the codec, which detects the input format itself
func (cv *Converter) ConvertGeneric(file InputFile, opts ConversionOptions) (*OutputArtifact, error) {
	run := newPipelineRun(file, PipelineGeneric, cv.cfg.Observer)
	run.enter(StateConverting)

	out, err := guard(func() ([]byte, error) {
		return cv.codec.ProcessImage(file.Bytes, opts)
	})
	if err == nil && len(out) == 0 {
		err = fmt.Errorf("codec returned no data")
	}
	if err != nil {
		run.enter(StateFailed)
		slog.Error("Generic conversion failed", "file", file.Name, "declared_type", file.DeclaredMediaType, "error", err)
		return nil, codecFailure(file, StateConverting, err)
	}

	run.enter(StateDone)
	return newArtifact(file, opts.NewFormat, out), nil
}

// ConvertHeic decodes with a decoder of its own, converts the raw pixels and always
// frees the decoder before returning
func (cv *Converter) ConvertHeic(file InputFile, opts ConversionOptions) (artifact *OutputArtifact, err error) {
	run := newPipelineRun(file, PipelineHeic, cv.cfg.Observer)
	decoder := cv.newDecoder()
	if decoder == nil {
		// nothing to release, but the run still passes through Releasing
		run.enter(StateDecoding)
		run.enter(StateReleasing)
		run.enter(StateFailed)
		err = decodeFailure(file, StateDecoding, fmt.Errorf("decoder factory returned no decoder"))
		slog.Error("HEIC conversion failed", "file", file.Name, "error", err)
		return nil, err
	}

	defer func() {
		run.enter(StateReleasing)
		if freeErr := decoder.Free(); freeErr != nil {
			slog.Warn("Failed to free HEIC decoder", "file", file.Name, "error", freeErr)
		}
		if err != nil {
			artifact = nil
			run.enter(StateFailed)
			slog.Error("HEIC conversion failed", "file", file.Name, "error", err)
			return
		}
		run.enter(StateDone)
	}()

	run.enter(StateDecoding)
	var decoded HEICImage
	_, err = guard(func() ([]byte, error) {
		var decodeErr error
		decoded, decodeErr = decoder.Decode(file.Bytes, len(file.Bytes), false)
		return nil, decodeErr
	})
	if err != nil {
		return nil, decodeFailure(file, StateDecoding, err)
	}
	if decoded == nil {
		return nil, decodeFailure(file, StateDecoding, fmt.Errorf("decoder returned no image"))
	}

	run.enter(StateDimensioning)
	var dims Dimensions
	pixels, err := guard(func() ([]byte, error) {
		var dimErr error
		if dims, dimErr = decoded.Dimensions(); dimErr != nil {
			return nil, dimErr
		}
		return decoded.Pixels()
	})
	if err != nil {
		return nil, decodeFailure(file, StateDimensioning, err)
	}
	if len(pixels) == 0 {
		return nil, decodeFailure(file, StateDimensioning, fmt.Errorf("decoder returned an empty pixel buffer"))
	}
	if dims.Width <= 0 || dims.Height <= 0 {
		return nil, decodeFailure(file, StateDimensioning, fmt.Errorf("decoder reported %dx%d", dims.Width, dims.Height))
	}
	buf := PixelBuffer{Data: pixels, Width: dims.Width, Height: dims.Height}
	slog.Debug("Decoded HEIC", "file", file.Name, "width", buf.Width, "height", buf.Height, "bytes", len(buf.Data))

	run.enter(StateConverting)
	format := opts.NewFormat
	out, err := guard(func() ([]byte, error) {
		if cv.cfg.SimpleHeic {
			return cv.codec.CreateImageFromRGB(buf.Data, buf.Height, buf.Width)
		}
		return cv.codec.ProcessHeifImage(buf.Data, buf.Width, buf.Height, opts)
	})
	if cv.cfg.SimpleHeic {
		format = "jpeg"
	}
	if err == nil && len(out) == 0 {
		err = fmt.Errorf("codec returned no data")
	}
	if err != nil {
		return nil, codecFailure(file, StateConverting, err)
	}

	return newArtifact(file, format, out), nil
}

// guard runs an external module call and turns a panic into an error
func guard(call func() ([]byte, error)) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call()
}

func newArtifact(file InputFile, formatName string, data []byte) *OutputArtifact {
	format, ok := lookupFormat(formatName)
	if !ok {
		format = outputFormats["jpeg"]
	}
	return &OutputArtifact{
		Bytes:             data,
		SuggestedFilename: outputFilename(file.Name, format.ext),
		ContentType:       format.contentType,
	}
}

// outputFilename keeps the input stem and swaps the extension
func outputFilename(inputName, ext string) string {
	stem := strings.TrimSuffix(filepath.Base(inputName), filepath.Ext(inputName))
	stem = sanitizeFilename(stem)
	if stem == "" {
		stem = "new_file"
	}
	return stem + ext
}
