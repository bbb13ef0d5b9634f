package internal

import "testing"

func TestDispatch(t *testing.T) {
	tests := []struct {
		mediaType string
		want      PipelineChoice
	}{
		{"image/heic", PipelineHeic},
		{"IMAGE/HEIC", PipelineHeic},
		{"image/heic; charset=binary", PipelineHeic},
		{" image/heic ", PipelineHeic},
		{"image/heif", PipelineGeneric},
		{"image/heic-sequence", PipelineGeneric},
		{"image/png", PipelineGeneric},
		{"image/jpeg", PipelineGeneric},
		{"application/octet-stream", PipelineGeneric},
		{"", PipelineGeneric},
	}

	for _, tt := range tests {
		file := InputFile{Name: "f", Bytes: []byte{1}, DeclaredMediaType: tt.mediaType}
		if got := Dispatch(file); got != tt.want {
			t.Errorf("Dispatch(%q) = %s, want %s", tt.mediaType, got, tt.want)
		}
	}
}

func TestDispatchIgnoresContent(t *testing.T) {
	heicBytes := append([]byte{0, 0, 0, 24}, []byte("ftypheic\x00\x00\x00\x00mif1heic")...)

	file := InputFile{Name: "renamed.png", Bytes: heicBytes, DeclaredMediaType: "image/png"}
	if got := Dispatch(file); got != PipelineGeneric {
		t.Errorf("Expected generic for HEIC bytes declared as PNG, got %s", got)
	}

	file = InputFile{Name: "fake.heic", Bytes: testPNG(t, 2, 2), DeclaredMediaType: "image/heic"}
	if got := Dispatch(file); got != PipelineHeic {
		t.Errorf("Expected heic for PNG bytes declared as HEIC, got %s", got)
	}
}

func TestDeclaredMediaType(t *testing.T) {
	tests := []struct {
		contentType string
		filename    string
		want        string
	}{
		{"image/heic", "IMG_0001.HEIC", "image/heic"},
		{"Image/JPEG; foo=bar", "a.jpg", "image/jpeg"},
		{"", "IMG_0001.HEIC", "image/heic"},
		{"application/octet-stream", "IMG_0001.heic", "image/heic"},
		{"", "scan.heif", "image/heif"},
		{"", "photo.png", "image/png"},
		{"image/jpeg", "mislabeled.heic", "image/jpeg"},
		{"", "noext", ""},
		{"application/octet-stream", "noext", "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := DeclaredMediaType(tt.contentType, tt.filename); got != tt.want {
			t.Errorf("DeclaredMediaType(%q, %q) = %q, want %q", tt.contentType, tt.filename, got, tt.want)
		}
	}
}

func TestSniffMediaType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"heic", append([]byte{0, 0, 0, 24}, []byte("ftypheic")...), "image/heic"},
		{"mif1", append([]byte{0, 0, 0, 24}, []byte("ftypmif1")...), "image/heic"},
		{"webp", []byte("RIFF\x10\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"tiff le", []byte("II*\x00\x08\x00\x00\x00"), "image/tiff"},
		{"tiff be", []byte("MM\x00*\x00\x00\x00\x08"), "image/tiff"},
		{"text", []byte("hello"), "text/plain"},
	}

	for _, tt := range tests {
		if got := SniffMediaType(tt.data); got != tt.want {
			t.Errorf("%s: SniffMediaType = %q, want %q", tt.name, got, tt.want)
		}
	}

	if got := SniffMediaType(testPNG(t, 1, 1)); got != "image/png" {
		t.Errorf("Expected image/png, got %q", got)
	}
}

func TestPipelineChoiceString(t *testing.T) {
	if PipelineHeic.String() != "heic" || PipelineGeneric.String() != "generic" {
		t.Errorf("Unexpected pipeline names %s, %s", PipelineHeic, PipelineGeneric)
	}
}
