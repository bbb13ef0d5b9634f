package internal

import (
	"bytes"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// PipelineChoice is the decode path selected for one input file
type PipelineChoice int

const (
	PipelineGeneric PipelineChoice = iota
	PipelineHeic
)

func (p PipelineChoice) String() string {
	switch p {
	case PipelineHeic:
		return "heic"
	default:
		return "generic"
	}
}

const heicMediaType = "image/heic"

// Dispatch selects the pipeline from the declared media type only. The file content is
// not inspected, so a mislabeled file goes down the declared path and fails there.
func Dispatch(file InputFile) PipelineChoice {
	if normalizeMediaType(file.DeclaredMediaType) == heicMediaType {
		return PipelineHeic
	}
	return PipelineGeneric
}

// normalizeMediaType lowercases the type and drops parameters ("image/HEIC; q=1" -> "image/heic")
func normalizeMediaType(mediaType string) string {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mediaType))
	}
	return mt
}

// DeclaredMediaType returns the media type a client declared for an upload part,
// falling back to the filename extension when the client sent none.
func DeclaredMediaType(partContentType, filename string) string {
	mt := normalizeMediaType(partContentType)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".heic":
		// not in every system mime table
		return heicMediaType
	case ".heif":
		return "image/heif"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return normalizeMediaType(byExt)
	}
	return mt
}

// heifBrands are ftyp major brands of HEIF still images
var heifBrands = [][]byte{
	[]byte("heic"),
	[]byte("heix"),
	[]byte("hevc"),
	[]byte("hevx"),
	[]byte("heim"),
	[]byte("heis"),
	[]byte("mif1"),
	[]byte("msf1"),
}

// isHEIFData reports whether data starts with an ISO BMFF ftyp box carrying a HEIF brand
func isHEIFData(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if !bytes.Equal(data[4:8], []byte("ftyp")) {
		return false
	}
	brand := data[8:12]
	for _, b := range heifBrands {
		if bytes.Equal(brand, b) {
			return true
		}
	}
	return false
}

// SniffMediaType guesses the media type from content. It is recorded for diagnostics
// and never changes the Dispatch decision.
func SniffMediaType(data []byte) string {
	if isHEIFData(data) {
		return heicMediaType
	}
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return "image/webp"
	}
	if len(data) >= 4 && (bytes.Equal(data[0:4], []byte("II*\x00")) || bytes.Equal(data[0:4], []byte("MM\x00*"))) {
		return "image/tiff"
	}
	return normalizeMediaType(http.DetectContentType(data))
}
