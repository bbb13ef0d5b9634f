package internal

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Emitter hands a finished artifact to the user
type Emitter interface {
	Emit(artifact OutputArtifact) error
}

func checkArtifact(artifact OutputArtifact) error {
	if len(artifact.Bytes) == 0 {
		return fmt.Errorf("refusing to emit empty artifact")
	}
	if artifact.SuggestedFilename == "" {
		return fmt.Errorf("artifact has no filename")
	}
	return nil
}

// HTTPEmitter writes the artifact as a download response
type HTTPEmitter struct {
	c echo.Context
}

func NewHTTPEmitter(c echo.Context) *HTTPEmitter {
	return &HTTPEmitter{c: c}
}

func (e *HTTPEmitter) Emit(artifact OutputArtifact) error {
	if err := checkArtifact(artifact); err != nil {
		return err
	}
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	h := e.c.Response().Header()
	h.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": artifact.SuggestedFilename}))
	h.Set(echo.HeaderContentLength, strconv.Itoa(len(artifact.Bytes)))
	return e.c.Blob(http.StatusOK, contentType, artifact.Bytes)
}

// DirEmitter writes artifacts into a directory, never overwriting an existing file
type DirEmitter struct {
	Dir string
	mu  sync.Mutex
}

func (e *DirEmitter) Emit(artifact OutputArtifact) error {
	_, err := e.EmitPath(artifact)
	return err
}

// EmitPath is Emit returning the written path
func (e *DirEmitter) EmitPath(artifact OutputArtifact) (string, error) {
	if err := checkArtifact(artifact); err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	// concurrent pipelines may produce the same name
	e.mu.Lock()
	defer e.mu.Unlock()

	name := sanitizeFilename(artifact.SuggestedFilename)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	path := filepath.Join(e.Dir, name)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(e.Dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}

	if err := os.WriteFile(path, artifact.Bytes, 0644); err != nil {
		return "", fmt.Errorf("failed to write output file: %w", err)
	}
	return path, nil
}

// ArtifactStore keeps converted files in memory until they are downloaded once or
// expire. Nothing is written to disk.
type ArtifactStore struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]storedArtifact
	stop    chan struct{}
	once    sync.Once
}

type storedArtifact struct {
	artifact  OutputArtifact
	expiresAt time.Time
}

func NewArtifactStore(ttl time.Duration) *ArtifactStore {
	return &ArtifactStore{
		ttl:     ttl,
		entries: make(map[string]storedArtifact),
		stop:    make(chan struct{}),
	}
}

// Put stores the artifact and returns its download ID
func (s *ArtifactStore) Put(artifact OutputArtifact) (string, error) {
	if err := checkArtifact(artifact); err != nil {
		return "", err
	}
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = storedArtifact{artifact: artifact, expiresAt: time.Now().Add(s.ttl)}
	return id, nil
}

// Take returns the artifact and forgets it, so every ID downloads at most once
func (s *ArtifactStore) Take(id string) (OutputArtifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return OutputArtifact{}, false
	}
	delete(s.entries, id)
	if time.Now().After(entry.expiresAt) {
		return OutputArtifact{}, false
	}
	return entry.artifact, true
}

func (s *ArtifactStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// purgeExpired drops artifacts nobody downloaded in time
func (s *ArtifactStore) purgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

// Start runs the expiry sweep in the background until Stop is called
func (s *ArtifactStore) Start() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := s.purgeExpired(now); n > 0 {
					slog.Info("Purged expired downloads", "count", n)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *ArtifactStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// artifactEmitter adapts the store to the Emitter interface and remembers the ID
type artifactEmitter struct {
	store *ArtifactStore
	id    string
}

func (e *artifactEmitter) Emit(artifact OutputArtifact) error {
	id, err := e.store.Put(artifact)
	if err != nil {
		return err
	}
	e.id = id
	return nil
}
