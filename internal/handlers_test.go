package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type testUpload struct {
	filename    string
	contentType string
	data        []byte
}

// setupHandlers wires the handlers to a real codec, a fake HEIC decoder and a temp database
func setupHandlers(t *testing.T) (*decoderFactory, func()) {
	t.Helper()

	cleanup := setupTestDB(t)
	log := &callLog{}
	factory := newDecoderFactory(log, 40, 20)
	codec := testCodec()
	conv := newTestConverter(t, codec, factory.New, ConverterConfig{})

	cfg := Config{
		Defaults:       jpegOpts,
		MaxUploadBytes: 8 << 20,
		ArtifactTTL:    time.Minute,
		Workers:        2,
	}
	SetupHandlers(cfg, codec, conv, NewArtifactStore(cfg.ArtifactTTL))

	return factory, cleanup
}

// multipartRequest builds a POST with the given uploads and form fields
func multipartRequest(t *testing.T, url string, fields map[string]string, uploads ...testUpload) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			t.Fatalf("Failed to write field: %v", err)
		}
	}
	for _, u := range uploads {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, u.filename))
		if u.contentType != "" {
			h.Set("Content-Type", u.contentType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("Failed to create part: %v", err)
		}
		part.Write(u.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func serve(t *testing.T, handler echo.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	}

	if err := handler(c); err != nil {
		t.Fatalf("Health check failed: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	if rec.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rec.Body.String())
	}
}

func TestHandleConvertSinglePNG(t *testing.T) {
	factory, cleanup := setupHandlers(t)
	defer cleanup()

	req := multipartRequest(t, "/api/convert", nil, testUpload{"photo.png", "image/png", testPNG(t, 64, 32)})
	rec := serve(t, HandleConvert, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", got)
	}
	if got := rec.Header().Get(echo.HeaderContentDisposition); got != "attachment; filename=photo.jpg" {
		t.Errorf("Unexpected Content-Disposition %q", got)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Response is not an image: %v", err)
	}
	if format != "jpeg" || cfg.Width != 64 || cfg.Height != 32 {
		t.Errorf("Expected 64x32 jpeg, got %dx%d %s", cfg.Width, cfg.Height, format)
	}

	if len(factory.created()) != 0 {
		t.Error("PNG upload must not use the HEIC decoder")
	}

	records, err := GetConversions("", 10, 0)
	if err != nil {
		t.Fatalf("GetConversions failed: %v", err)
	}
	if len(records) != 1 || records[0].Status != "done" || records[0].Pipeline != "generic" || records[0].Source != "upload" {
		t.Errorf("Unexpected history %+v", records)
	}
}

func TestHandleConvertHEIC(t *testing.T) {
	factory, cleanup := setupHandlers(t)
	defer cleanup()

	req := multipartRequest(t, "/api/convert", map[string]string{"new_format": "png"},
		testUpload{"IMG_0042.HEIC", "image/heic", []byte("....ftypheic....")})
	rec := serve(t, HandleConvert, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentDisposition); got != "attachment; filename=IMG_0042.png" {
		t.Errorf("Unexpected Content-Disposition %q", got)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Response is not an image: %v", err)
	}
	if format != "png" || cfg.Width != 40 || cfg.Height != 20 {
		t.Errorf("Expected 40x20 png, got %dx%d %s", cfg.Width, cfg.Height, format)
	}

	decoders := factory.created()
	if len(decoders) != 1 || decoders[0].freeCount() != 1 {
		t.Errorf("Expected one decoder freed once")
	}
}

func TestHandleConvertHEICDetectedByExtension(t *testing.T) {
	factory, cleanup := setupHandlers(t)
	defer cleanup()

	// browsers often send octet-stream for .heic files
	req := multipartRequest(t, "/api/convert", nil,
		testUpload{"IMG_0042.heic", "application/octet-stream", []byte("....ftypheic....")})
	rec := serve(t, HandleConvert, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(factory.created()) != 1 {
		t.Error("Expected the HEIC pipeline for a .heic upload")
	}
}

func TestHandleConvertFailureReportsKindOnly(t *testing.T) {
	_, cleanup := setupHandlers(t)
	defer cleanup()

	req := multipartRequest(t, "/api/convert", nil, testUpload{"broken.png", "image/png", []byte("not really a png")})
	rec := serve(t, HandleConvert, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d", rec.Code)
	}

	var resp ConvertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Success || len(resp.Files) != 1 {
		t.Fatalf("Unexpected response %+v", resp)
	}
	if resp.Files[0].ErrorKind != "codec_failure" {
		t.Errorf("Expected codec_failure, got %s", resp.Files[0].ErrorKind)
	}
	if strings.Contains(rec.Body.String(), "decode image") {
		t.Error("Diagnostics must not leak into the response")
	}

	records, _ := GetConversions("failed", 10, 0)
	if len(records) != 1 || records[0].ErrorMessage == "" {
		t.Errorf("Expected failure with diagnostics in history, got %+v", records)
	}
}

func TestHandleConvertMultipleFiles(t *testing.T) {
	_, cleanup := setupHandlers(t)
	defer cleanup()

	req := multipartRequest(t, "/api/convert", map[string]string{"new_format": "pdf"},
		testUpload{"one.png", "image/png", testPNG(t, 10, 10)},
		testUpload{"two.heic", "image/heic", []byte("....ftypheic....")},
		testUpload{"three.jpg", "image/jpeg", []byte("garbage")},
	)
	rec := serve(t, HandleConvert, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp ConvertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Success {
		t.Error("Expected overall success=false with one failed file")
	}
	if len(resp.Files) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(resp.Files))
	}

	wantNames := []string{"one.pdf", "two.pdf", ""}
	wantPipelines := []string{"generic", "heic", "generic"}
	for i, f := range resp.Files {
		if f.OutputName != wantNames[i] || f.Pipeline != wantPipelines[i] {
			t.Errorf("File %d: got %s via %s", i, f.OutputName, f.Pipeline)
		}
	}
	if resp.Files[2].Success || resp.Files[2].DownloadURL != "" {
		t.Errorf("Expected failed third file without a link, got %+v", resp.Files[2])
	}

	// each link downloads once
	id := strings.TrimPrefix(resp.Files[1].DownloadURL, "/api/download/")
	for attempt, want := range []int{http.StatusOK, http.StatusNotFound} {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, resp.Files[1].DownloadURL, nil), rec)
		c.SetParamNames("id")
		c.SetParamValues(id)

		if err := HandleDownload(c); err != nil {
			t.Fatalf("HandleDownload failed: %v", err)
		}
		if rec.Code != want {
			t.Errorf("Download attempt %d: expected %d, got %d", attempt+1, want, rec.Code)
		}
		if want == http.StatusOK && !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
			t.Error("Expected PDF download")
		}
	}
}

func TestHandleConvertJSONResponseForSingleFile(t *testing.T) {
	_, cleanup := setupHandlers(t)
	defer cleanup()

	req := multipartRequest(t, "/api/convert?response=json", nil, testUpload{"a.png", "image/png", testPNG(t, 4, 4)})
	rec := serve(t, HandleConvert, req)

	var resp ConvertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Expected JSON response: %v", err)
	}
	if !resp.Success || len(resp.Files) != 1 || resp.Files[0].DownloadURL == "" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if Artifacts().Len() != 1 {
		t.Errorf("Expected 1 stored artifact, got %d", Artifacts().Len())
	}
}

func TestHandleConvertBadRequests(t *testing.T) {
	_, cleanup := setupHandlers(t)
	defer cleanup()

	tests := []struct {
		name   string
		fields map[string]string
		files  []testUpload
	}{
		{"no file", nil, nil},
		{"unknown format", map[string]string{"new_format": "webp"}, []testUpload{{"a.png", "image/png", []byte("x")}}},
		{"bad max_size", map[string]string{"max_size": "huge"}, []testUpload{{"a.png", "image/png", []byte("x")}}},
		{"bad quality", map[string]string{"quality": "0.5"}, []testUpload{{"a.png", "image/png", []byte("x")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, HandleConvert, multipartRequest(t, "/api/convert", tt.fields, tt.files...))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rec.Code)
			}
		})
	}

	if records, _ := GetConversions("", 10, 0); len(records) != 0 {
		t.Errorf("Rejected requests must not be recorded, got %d records", len(records))
	}
}

func TestHandleInspect(t *testing.T) {
	_, cleanup := setupHandlers(t)
	defer cleanup()

	rec := serve(t, HandleInspect, multipartRequest(t, "/api/inspect", nil, testUpload{"a.png", "", testPNG(t, 12, 7)}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp struct {
		Filename          string        `json:"filename"`
		DeclaredMediaType string        `json:"declared_media_type"`
		Pipeline          string        `json:"pipeline"`
		Metadata          ImageMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.DeclaredMediaType != "image/png" || resp.Pipeline != "generic" {
		t.Errorf("Unexpected dispatch info %+v", resp)
	}
	if resp.Metadata.Width != 12 || resp.Metadata.Height != 7 {
		t.Errorf("Expected 12x7, got %dx%d", resp.Metadata.Width, resp.Metadata.Height)
	}

	rec = serve(t, HandleInspect, multipartRequest(t, "/api/inspect", nil, testUpload{"a.png", "image/png", []byte("junk")}))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 for junk, got %d", rec.Code)
	}
}

func TestHandleFormats(t *testing.T) {
	_, cleanup := setupHandlers(t)
	defer cleanup()

	rec := serve(t, HandleFormats, httptest.NewRequest(http.MethodGet, "/api/formats", nil))

	var resp FormatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.DefaultFormat != "jpeg" || resp.HEICBackend != HEICBackend {
		t.Errorf("Unexpected response %+v", resp)
	}
	if strings.Join(resp.OutputFormats, ",") != "bmp,gif,jpeg,pdf,png,tiff" {
		t.Errorf("Unexpected formats %v", resp.OutputFormats)
	}
}

func TestHandleConversionsAndDelete(t *testing.T) {
	_, cleanup := setupHandlers(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		RecordConversion(&ConversionRecord{Filename: fmt.Sprintf("f%d.png", i), Pipeline: "generic", Status: "done", Source: "upload"})
	}

	rec := serve(t, HandleConversions, httptest.NewRequest(http.MethodGet, "/api/conversions?limit=2", nil))
	var records []ConversionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 records with limit=2, got %d", len(records))
	}

	rec = serve(t, HandleDeleteConversions, httptest.NewRequest(http.MethodDelete, "/api/conversions?before=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad time, got %d", rec.Code)
	}

	rec = serve(t, HandleDeleteConversions, httptest.NewRequest(http.MethodDelete, "/api/conversions", nil))
	var deleted map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if deleted["deleted"] != 3 {
		t.Errorf("Expected 3 deleted, got %d", deleted["deleted"])
	}

	rec = serve(t, HandleStats, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("Expected empty stats, got %d %s", rec.Code, rec.Body.String())
	}
}
