package internal

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// BatchResult is the outcome of one file of a batch
type BatchResult struct {
	Index    int
	File     InputFile
	Pipeline PipelineChoice
	Artifact *OutputArtifact
	Err      error
	Duration time.Duration
}

// ConvertBatch converts every file independently and concurrently. A failing file
// never stops the others. Results come back in input order.
func (cv *Converter) ConvertBatch(files []InputFile, opts ConversionOptions, workers int) []BatchResult {
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 1)
	}

	results := make([]BatchResult, len(files))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, file := range files {
		wg.Add(1)
		go func(i int, file InputFile) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire a token
			defer func() { <-sem }() // Release the token

			results[i] = cv.convertOne(i, file, opts)
		}(i, file)
	}
	wg.Wait()

	return results
}

func (cv *Converter) convertOne(index int, file InputFile, opts ConversionOptions) (result BatchResult) {
	start := time.Now()
	result = BatchResult{Index: index, File: file, Pipeline: Dispatch(file)}

	// anything escaping the pipelines stays inside this file's result
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Conversion panicked", "file", file.Name, "panic", r)
			result.Artifact = nil
			result.Err = fmt.Errorf("conversion of %s panicked: %v", file.Name, r)
		}
		result.Duration = time.Since(start)
	}()

	result.Artifact, result.Err = cv.Convert(file, opts)
	if result.Err == nil {
		slog.Info("Converted file",
			"file", file.Name,
			"pipeline", result.Pipeline.String(),
			"output", result.Artifact.SuggestedFilename,
			"input_size", len(file.Bytes),
			"output_size", len(result.Artifact.Bytes))
	}
	return result
}
