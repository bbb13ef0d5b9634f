package internal

import (
	"errors"
	"fmt"
)

var (
	ErrDecodeFailure = errors.New("decode failure")
	ErrCodecFailure  = errors.New("codec failure")
	// ErrUnsupportedFormat is reserved. Input format detection belongs to the codec,
	// so undecodable input is reported as ErrCodecFailure.
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrInvalidOptions    = errors.New("invalid conversion options")
	ErrDecoderReleased   = errors.New("heic decoder already released")
	ErrCodecNotReady     = errors.New("codec not initialized")
)

// ConversionError is returned by the pipelines. Kind is one of the sentinel errors
// above so callers can use errors.Is.
type ConversionError struct {
	Kind     error
	State    PipelineState
	Filename string
	Err      error
}

func (e *ConversionError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Filename != "" {
		msg = fmt.Sprintf("%s: %s", e.Filename, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s during %s: %v", msg, e.State, e.Err)
	}
	return msg
}

func (e *ConversionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorKindName maps an error to the short identifier reported to clients and stored
// in history. Diagnostics stay in the log.
func ErrorKindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, ErrCodecFailure):
		return "codec_failure"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrInvalidOptions):
		return "invalid_options"
	default:
		return "internal_error"
	}
}

func decodeFailure(file InputFile, state PipelineState, err error) error {
	return &ConversionError{Kind: ErrDecodeFailure, State: state, Filename: file.Name, Err: err}
}

func codecFailure(file InputFile, state PipelineState, err error) error {
	return &ConversionError{Kind: ErrCodecFailure, State: state, Filename: file.Name, Err: err}
}
