package internal

import (
	"bytes"
	"database/sql"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

// UseWALMode controls whether WAL journal mode is enabled for the database
var UseWALMode bool

// InitDB opens the sqlite database holding conversion history, settings and API keys
func InitDB(filepath string) error {
	var err error
	db, err = sql.Open("sqlite3", filepath)
	if err != nil {
		return err
	}

	if err = db.Ping(); err != nil {
		return err
	}

	// Set busy timeout for better concurrent access
	_, err = db.Exec("PRAGMA busy_timeout=5000;")
	if err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable WAL mode if requested (better for concurrent reads during writes)
	if UseWALMode {
		_, err = db.Exec("PRAGMA journal_mode=WAL;")
		if err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	createTableSQL := `
	-- One row per pipeline run; converted bytes are never stored
	CREATE TABLE IF NOT EXISTS conversions (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		declared_media_type TEXT,
		sniffed_media_type TEXT,
		pipeline TEXT NOT NULL,
		status TEXT NOT NULL,
		error_kind TEXT,
		error_message TEXT,
		output_format TEXT,
		input_size INTEGER NOT NULL DEFAULT 0,
		output_size INTEGER NOT NULL DEFAULT 0,
		width INTEGER,
		height INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'upload',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversions_created_at ON conversions(created_at);
	CREATE INDEX IF NOT EXISTS idx_conversions_status ON conversions(status);

	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		settings_json TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		key_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used INTEGER
	);
	`

	_, err = db.Exec(createTableSQL)
	return err
}

// CloseDB closes the database if it is open
func CloseDB() error {
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}

// RecordConversion stores one pipeline outcome. It is a no-op when no database is open
// (CLI mode without history).
func RecordConversion(rec *ConversionRecord) error {
	if db == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO conversions (
			id, filename, declared_media_type, sniffed_media_type, pipeline, status,
			error_kind, error_message, output_format, input_size, output_size,
			width, height, duration_ms, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Filename, rec.DeclaredMediaType, rec.SniffedMediaType, rec.Pipeline, rec.Status,
		rec.ErrorKind, truncateString(rec.ErrorMessage, 500), rec.OutputFormat, rec.InputSize, rec.OutputSize,
		rec.Width, rec.Height, rec.DurationMS, rec.Source, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record conversion: %w", err)
	}
	return nil
}

// GetConversions returns history newest first. status filters when non-empty.
func GetConversions(status string, limit, offset int) ([]ConversionRecord, error) {
	query := `
		SELECT id, filename, COALESCE(declared_media_type, ''), COALESCE(sniffed_media_type, ''),
			pipeline, status, COALESCE(error_kind, ''), COALESCE(error_message, ''),
			COALESCE(output_format, ''), input_size, output_size,
			COALESCE(width, 0), COALESCE(height, 0), duration_ms, source, created_at
		FROM conversions`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	records := []ConversionRecord{}
	for rows.Next() {
		var rec ConversionRecord
		var createdAt int64
		if err := rows.Scan(
			&rec.ID, &rec.Filename, &rec.DeclaredMediaType, &rec.SniffedMediaType,
			&rec.Pipeline, &rec.Status, &rec.ErrorKind, &rec.ErrorMessage,
			&rec.OutputFormat, &rec.InputSize, &rec.OutputSize,
			&rec.Width, &rec.Height, &rec.DurationMS, &rec.Source, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversions: %w", err)
	}
	return records, nil
}

// ConversionStats summarizes history per pipeline
type ConversionStats struct {
	Pipeline string `json:"pipeline"`
	Done     int    `json:"done"`
	Failed   int    `json:"failed"`
	InBytes  int64  `json:"input_bytes"`
	OutBytes int64  `json:"output_bytes"`
}

func GetConversionStats() ([]ConversionStats, error) {
	rows, err := db.Query(`
		SELECT pipeline,
			SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(input_size),
			SUM(output_size)
		FROM conversions
		GROUP BY pipeline
		ORDER BY pipeline`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := []ConversionStats{}
	for rows.Next() {
		var s ConversionStats
		if err := rows.Scan(&s.Pipeline, &s.Done, &s.Failed, &s.InBytes, &s.OutBytes); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// DeleteConversions removes history rows created before the given time, or all rows
// when before is nil. It returns the number of deleted rows.
func DeleteConversions(before *time.Time) (int64, error) {
	var res sql.Result
	var err error
	if before == nil {
		res, err = db.Exec("DELETE FROM conversions")
	} else {
		res, err = db.Exec("DELETE FROM conversions WHERE created_at < ?", before.Unix())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversions: %w", err)
	}
	return res.RowsAffected()
}

// recordBatchResult turns a pipeline result into a history row
func recordBatchResult(result BatchResult, opts ConversionOptions, source string) {
	rec := &ConversionRecord{
		Filename:          result.File.Name,
		DeclaredMediaType: result.File.DeclaredMediaType,
		SniffedMediaType:  SniffMediaType(result.File.Bytes),
		Pipeline:          result.Pipeline.String(),
		OutputFormat:      opts.NewFormat,
		InputSize:         len(result.File.Bytes),
		DurationMS:        result.Duration.Milliseconds(),
		Source:            source,
	}
	if result.Err != nil {
		rec.Status = "failed"
		rec.ErrorKind = ErrorKindName(result.Err)
		rec.ErrorMessage = result.Err.Error()
	} else {
		rec.Status = "done"
		rec.OutputSize = len(result.Artifact.Bytes)
		// dimensions of the output; header only, pdf has none
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(result.Artifact.Bytes)); err == nil {
			rec.Width, rec.Height = cfg.Width, cfg.Height
		}
	}
	if err := RecordConversion(rec); err != nil {
		// history is best effort and never fails a conversion
		slog.Warn("Failed to record conversion", "file", rec.Filename, "error", err)
	}
}
