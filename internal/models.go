package internal

import "time"

// InputFile is a single dropped or uploaded file as the platform reported it.
type InputFile struct {
	Name              string
	Bytes             []byte
	DeclaredMediaType string
}

// PixelBuffer holds raw interleaved 8-bit pixels (RGB or RGBA) and their dimensions.
// It is only valid while the decoder that produced it has not been freed.
type PixelBuffer struct {
	Data   []byte
	Width  int
	Height int
}

// ConversionOptions controls the re-encode step
type ConversionOptions struct {
	NewFormat string `json:"new_format"`
	MaxSize   int    `json:"max_size"`          // bound on the longer side, HEIC path only; 0 = unbounded
	Quality   int    `json:"quality,omitempty"` // JPEG quality 1-100
}

// OutputArtifact is the terminal value of a pipeline
type OutputArtifact struct {
	Bytes             []byte
	SuggestedFilename string
	ContentType       string
}

// ImageMetadata is what the codec can tell about an encoded image without converting it
type ImageMetadata struct {
	Format      string     `json:"format"`
	MediaType   string     `json:"media_type"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Size        int        `json:"size"`
	Orientation int        `json:"orientation,omitempty"` // EXIF orientation 1-8
	CameraModel string     `json:"camera_model,omitempty"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`
}

// ConversionRecord is one row of conversion history
type ConversionRecord struct {
	ID                string    `json:"id"`
	Filename          string    `json:"filename"`
	DeclaredMediaType string    `json:"declared_media_type"`
	SniffedMediaType  string    `json:"sniffed_media_type,omitempty"`
	Pipeline          string    `json:"pipeline"` // "generic" or "heic"
	Status            string    `json:"status"`   // "done" or "failed"
	ErrorKind         string    `json:"error_kind,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"` // operator diagnostics, protected route only
	OutputFormat      string    `json:"output_format"`
	InputSize         int       `json:"input_size"`
	OutputSize        int       `json:"output_size"`
	Width             int       `json:"width,omitempty"`
	Height            int       `json:"height,omitempty"`
	DurationMS        int64     `json:"duration_ms"`
	Source            string    `json:"source"` // "upload" or "watch"
	CreatedAt         time.Time `json:"created_at"`
}

// ConvertedFile describes one file of a multi-file convert response
type ConvertedFile struct {
	Filename    string `json:"filename"`
	Success     bool   `json:"success"`
	Pipeline    string `json:"pipeline"`
	OutputName  string `json:"output_name,omitempty"`
	OutputSize  int    `json:"output_size,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

type ConvertResponse struct {
	Success bool            `json:"success"`
	Files   []ConvertedFile `json:"files"`
	Error   string          `json:"error,omitempty"`
}

type FormatsResponse struct {
	OutputFormats []string `json:"output_formats"`
	DefaultFormat string   `json:"default_format"`
	HEICBackend   string   `json:"heic_backend"`
}

type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"` // never sent to clients
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
