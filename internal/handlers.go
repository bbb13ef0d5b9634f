package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	activeCodec     Codec
	activeConverter *Converter
	artifacts       *ArtifactStore
	appConfig       Config
)

// InitConversion loads the codec once and wires the converter used by the handlers
func InitConversion(cfg Config) error {
	codec, err := LoadCodec(cfg.Defaults.Quality)
	if err != nil {
		return fmt.Errorf("failed to initialize codec: %w", err)
	}
	conv, err := NewConverter(codec, NewHEICDecoder, ConverterConfig{})
	if err != nil {
		return err
	}
	SetupHandlers(cfg, codec, conv, NewArtifactStore(cfg.ArtifactTTL))
	return nil
}

// SetupHandlers installs the collaborators the handlers use
func SetupHandlers(cfg Config, codec Codec, conv *Converter, store *ArtifactStore) {
	appConfig = cfg
	activeCodec = codec
	activeConverter = conv
	artifacts = store
	SetConfigDefaults(cfg.Defaults)
}

// Artifacts returns the download store so main can run its expiry sweep
func Artifacts() *ArtifactStore {
	return artifacts
}

// readUploadedFiles reads every "file" part of a multipart request into memory
func readUploadedFiles(c echo.Context) ([]InputFile, error) {
	if appConfig.MaxUploadBytes > 0 {
		c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, appConfig.MaxUploadBytes)
	}

	// Use a smaller memory limit for the form parsing itself (32 MB)
	// Larger uploads are spooled to disk by the multipart reader
	if err := c.Request().ParseMultipartForm(32 << 20); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	headers := c.Request().MultipartForm.File["file"]
	if len(headers) == 0 {
		return nil, fmt.Errorf("no file in form")
	}

	files := make([]InputFile, 0, len(headers))
	for _, header := range headers {
		data, err := readPart(header)
		if err != nil {
			return nil, err
		}
		files = append(files, InputFile{
			Name:              header.Filename,
			Bytes:             data,
			DeclaredMediaType: DeclaredMediaType(header.Header.Get(echo.HeaderContentType), header.Filename),
		})
		slog.Info("Receiving file", "filename", header.Filename, "size", header.Size, "declared_type", files[len(files)-1].DeclaredMediaType)
	}
	return files, nil
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", header.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", header.Filename, err)
	}
	return data, nil
}

// requestOptions overlays form values on the stored defaults
func requestOptions(c echo.Context) (ConversionOptions, error) {
	opts := currentDefaults()

	if format := c.FormValue("new_format"); format != "" {
		opts.NewFormat = format
	}
	if maxSize := c.FormValue("max_size"); maxSize != "" {
		n, err := strconv.Atoi(maxSize)
		if err != nil {
			return opts, fmt.Errorf("%w: max_size must be an integer", ErrInvalidOptions)
		}
		opts.MaxSize = n
	}
	if quality := c.FormValue("quality"); quality != "" {
		n, err := strconv.Atoi(quality)
		if err != nil {
			return opts, fmt.Errorf("%w: quality must be an integer", ErrInvalidOptions)
		}
		opts.Quality = n
	}

	return opts, ValidateOptions(opts)
}

// HandleConvert handles POST /api/convert. A single file comes back as a download;
// several files (or ?response=json) come back as JSON with one-shot download links.
func HandleConvert(c echo.Context) error {
	files, err := readUploadedFiles(c)
	if err != nil {
		slog.Error("Error reading upload", "error", err)
		return c.JSON(http.StatusBadRequest, ConvertResponse{
			Success: false,
			Error:   "Failed to read uploaded files. Files may be too large or the form malformed.",
		})
	}

	opts, err := requestOptions(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ConvertResponse{
			Success: false,
			Error:   err.Error(),
		})
	}

	results := activeConverter.ConvertBatch(files, opts, appConfig.Workers)
	for _, result := range results {
		recordBatchResult(result, opts, "upload")
	}

	if len(results) == 1 && c.QueryParam("response") != "json" {
		result := results[0]
		if result.Err != nil {
			return c.JSON(http.StatusUnprocessableEntity, ConvertResponse{
				Success: false,
				Files:   []ConvertedFile{convertedFile(result, "")},
			})
		}
		return NewHTTPEmitter(c).Emit(*result.Artifact)
	}

	resp := ConvertResponse{Success: true, Files: make([]ConvertedFile, 0, len(results))}
	for _, result := range results {
		downloadURL := ""
		if result.Err == nil {
			emitter := &artifactEmitter{store: artifacts}
			if err := emitter.Emit(*result.Artifact); err != nil {
				slog.Error("Error storing artifact", "file", result.File.Name, "error", err)
				result.Err = err
			} else {
				downloadURL = "/api/download/" + emitter.id
			}
		}
		if result.Err != nil {
			resp.Success = false
		}
		resp.Files = append(resp.Files, convertedFile(result, downloadURL))
	}

	return c.JSON(http.StatusOK, resp)
}

func convertedFile(result BatchResult, downloadURL string) ConvertedFile {
	f := ConvertedFile{
		Filename: result.File.Name,
		Success:  result.Err == nil,
		Pipeline: result.Pipeline.String(),
	}
	if result.Err != nil {
		// only the kind; the diagnostic stays in the log and history
		f.ErrorKind = ErrorKindName(result.Err)
		return f
	}
	f.OutputName = result.Artifact.SuggestedFilename
	f.OutputSize = len(result.Artifact.Bytes)
	f.DownloadURL = downloadURL
	return f
}

// HandleDownload handles GET /api/download/:id. Each ID works once.
func HandleDownload(c echo.Context) error {
	artifact, ok := artifacts.Take(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "Download not found or already used",
		})
	}
	return NewHTTPEmitter(c).Emit(artifact)
}

// HandleInspect handles POST /api/inspect
func HandleInspect(c echo.Context) error {
	files, err := readUploadedFiles(c)
	if err != nil {
		slog.Error("Error reading upload", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Failed to read uploaded file",
		})
	}
	file := files[0]

	meta, err := activeCodec.ReadBytes(file.Bytes)
	if err != nil {
		slog.Warn("Error inspecting file", "file", file.Name, "error", err)
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": "Not a readable image",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"filename":            file.Name,
		"declared_media_type": file.DeclaredMediaType,
		"pipeline":            Dispatch(file).String(),
		"metadata":            meta,
	})
}

// HandleFormats handles GET /api/formats
func HandleFormats(c echo.Context) error {
	return c.JSON(http.StatusOK, FormatsResponse{
		OutputFormats: OutputFormats(),
		DefaultFormat: currentDefaults().NewFormat,
		HEICBackend:   HEICBackend,
	})
}

// HandleConversions handles GET /api/conversions
func HandleConversions(c echo.Context) error {
	limit := 50 // default limit
	offset := 0 // default offset

	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	if offsetStr := c.QueryParam("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	records, err := GetConversions(c.QueryParam("status"), limit, offset)
	if err != nil {
		slog.Error("Error getting conversions", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to get conversions",
		})
	}

	return c.JSON(http.StatusOK, records)
}

// HandleDeleteConversions handles DELETE /api/conversions[?before=RFC3339]
func HandleDeleteConversions(c echo.Context) error {
	var before *time.Time
	if beforeStr := c.QueryParam("before"); beforeStr != "" {
		t, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "before must be an RFC3339 time",
			})
		}
		before = &t
	}

	deleted, err := DeleteConversions(before)
	if err != nil {
		slog.Error("Error deleting conversions", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to delete conversions",
		})
	}

	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}

// HandleStats handles GET /api/stats
func HandleStats(c echo.Context) error {
	stats, err := GetConversionStats()
	if err != nil {
		slog.Error("Error getting stats", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to get stats",
		})
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleVersion returns the application version
func HandleVersion(c echo.Context) error {
	// Try to read version from version.json file first (Docker builds)
	versionFile := "/app/version.json"
	if data, err := os.ReadFile(versionFile); err == nil {
		var versionData map[string]string
		if err := json.Unmarshal(data, &versionData); err == nil {
			return c.JSON(http.StatusOK, versionData)
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"version": "dev",
	})
}
