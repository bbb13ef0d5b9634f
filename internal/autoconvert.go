package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AutoConvertService converts files dropped into a watch folder
//
// Layout under dataDir:
//
//	ingest/     files waiting to be converted
//	converted/  conversion output
//	processed/  originals that converted successfully
//	failed/     originals that did not, each with a .log beside it
type AutoConvertService struct {
	dataDir       string
	checkInterval time.Duration
	stableWait    time.Duration
	workers       int
	converter     *Converter
	cancelFunc    context.CancelFunc
	ctx           context.Context
	done          chan struct{}
}

// NewAutoConvertService creates a new watch folder service
func NewAutoConvertService(dataDir string, checkInterval time.Duration, workers int, converter *Converter) *AutoConvertService {
	ctx, cancel := context.WithCancel(context.Background())
	return &AutoConvertService{
		dataDir:       dataDir,
		checkInterval: checkInterval,
		stableWait:    5 * time.Second,
		workers:       workers,
		converter:     converter,
		cancelFunc:    cancel,
		ctx:           ctx,
		done:          make(chan struct{}),
	}
}

// Start begins the watch folder background job
func (s *AutoConvertService) Start() {
	slog.Info("Starting watch folder service", "dir", s.ingestDir(), "checkInterval", s.checkInterval)

	go func() {
		defer close(s.done)

		// Run immediately on start
		s.scan()

		// New files trigger a scan right away; the interval catches anything missed
		created, closeWatcher := s.watchIngest()
		defer closeWatcher()

		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.scan()
			case <-created:
				s.scan()
			case <-s.ctx.Done():
				slog.Info("Watch folder service stopped")
				return
			}
		}
	}()
}

// Stop stops the service and waits for a running scan to finish
func (s *AutoConvertService) Stop() {
	slog.Info("Stopping watch folder service")
	s.cancelFunc()
	<-s.done
}

func (s *AutoConvertService) ingestDir() string {
	return filepath.Join(s.dataDir, "ingest")
}

// watchIngest signals when files are created or written in the ingest directory.
// It returns a nil channel when no watcher can be set up, leaving only the interval.
func (s *AutoConvertService) watchIngest() (<-chan struct{}, func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("File watcher unavailable, polling only", "error", err)
		return nil, func() {}
	}
	if err := watcher.Add(s.ingestDir()); err != nil {
		_ = watcher.Close()
		slog.Warn("Failed to watch ingest directory, polling only", "dir", s.ingestDir(), "error", err)
		return nil, func() {}
	}

	notify := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					// coalesce bursts into one pending scan
					select {
					case notify <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("File watcher error", "error", err)
			}
		}
	}()

	return notify, func() { _ = watcher.Close() }
}

// scan converts every stable file in the ingest directory and returns how many it handled
func (s *AutoConvertService) scan() int {
	ingestDir := s.ingestDir()

	// Check if ingest directory exists
	if _, err := os.Stat(ingestDir); os.IsNotExist(err) {
		// Create ingest directory if it doesn't exist
		if err := os.MkdirAll(ingestDir, 0755); err != nil {
			slog.Error("Failed to create ingest directory", "error", err)
		}
		return 0
	}

	entries, err := os.ReadDir(ingestDir)
	if err != nil {
		slog.Error("Failed to read ingest directory", "error", err)
		return 0
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()

		// Skip hidden files (starting with .)
		if strings.HasPrefix(filename, ".") {
			continue
		}

		// Skip log files
		if strings.HasSuffix(filename, ".log") {
			continue
		}

		candidates = append(candidates, filepath.Join(ingestDir, filename))
	}
	if len(candidates) == 0 {
		return 0
	}

	stable := s.stableFiles(candidates)

	var files []InputFile
	for _, path := range stable {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("Failed to read ingest file", "file", path, "error", err)
			continue
		}
		files = append(files, InputFile{
			Name:              filepath.Base(path),
			Bytes:             data,
			DeclaredMediaType: DeclaredMediaType("", path),
		})
	}
	if len(files) == 0 {
		return 0
	}

	opts := currentDefaults()
	out := &DirEmitter{Dir: filepath.Join(s.dataDir, "converted")}
	results := s.converter.ConvertBatch(files, opts, s.workers)
	for _, result := range results {
		recordBatchResult(result, opts, "watch")
		s.finish(result, out)
	}
	return len(results)
}

// finish writes the output and files the original away
func (s *AutoConvertService) finish(result BatchResult, out *DirEmitter) {
	src := filepath.Join(s.ingestDir(), result.File.Name)

	var outPath string
	err := result.Err
	if err == nil {
		outPath, err = out.EmitPath(*result.Artifact)
	}

	destDir := filepath.Join(s.dataDir, "processed")
	if err != nil {
		destDir = filepath.Join(s.dataDir, "failed")
	}
	if mkErr := os.MkdirAll(destDir, 0755); mkErr != nil {
		slog.Error("Failed to create directory", "dir", destDir, "error", mkErr)
		return
	}

	// Generate unique filename if file already exists in the destination
	dest := filepath.Join(destDir, result.File.Name)
	if _, statErr := os.Stat(dest); statErr == nil {
		timestamp := time.Now().Format("20060102_150405")
		ext := filepath.Ext(result.File.Name)
		base := strings.TrimSuffix(result.File.Name, ext)
		dest = filepath.Join(destDir, fmt.Sprintf("%s_%s%s", base, timestamp, ext))
	}

	if mvErr := os.Rename(src, dest); mvErr != nil {
		slog.Error("Failed to move file", "file", src, "error", mvErr)
		return
	}

	if err != nil {
		logLine := fmt.Sprintf("[%s] %s: %s (pipeline %s)\n",
			time.Now().Format("2006-01-02 15:04:05"), ErrorKindName(err), err, result.Pipeline)
		if wErr := os.WriteFile(dest+".log", []byte(logLine), 0644); wErr != nil {
			slog.Warn("Failed to write failure log", "file", dest, "error", wErr)
		}
		slog.Error("Watch folder conversion failed", "file", result.File.Name, "error", err)
		return
	}

	slog.Info("Watch folder conversion completed", "file", result.File.Name, "output", outPath, "duration", result.Duration)
}

// stableFiles keeps the files that have finished being written, i.e. whose size and
// modification time did not change during stableWait
func (s *AutoConvertService) stableFiles(paths []string) []string {
	before := make(map[string]os.FileInfo, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			before[p] = info
		}
	}

	if s.stableWait > 0 {
		select {
		case <-time.After(s.stableWait):
		case <-s.ctx.Done():
			return nil
		}
	}

	var stable []string
	for _, p := range paths {
		info1, ok := before[p]
		if !ok {
			continue
		}
		info2, err := os.Stat(p)
		if err != nil {
			continue
		}
		// File is stable if size and modification time haven't changed
		if info1.Size() == info2.Size() && info1.ModTime().Equal(info2.ModTime()) {
			stable = append(stable, p)
		} else {
			slog.Debug("File not stable yet, skipping", "file", p)
		}
	}
	return stable
}
