package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"tradeharvest/internal/model"
)

// Writer persists canonical rows as per-TableKey CSV files under a single
// output directory. Two write modes exist for two call patterns: Append for
// streaming per-period fetches, MergeRewrite for batches aggregated in memory.
// Neither mode deletes or mutates existing rows.
type Writer struct {
	dir    string
	logger zerolog.Logger
}

func NewWriter(dir string, logger zerolog.Logger) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("table: output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("table: create output directory: %w", err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Path resolves the physical file for a key.
func (w *Writer) Path(key model.TableKey) string {
	return filepath.Join(w.dir, key.Filename())
}

// Append streams rows to the key's table: the file is created with a header on
// first write, later writes add rows only. Appending zero rows touches
// nothing, so empty results never leave a header-only file behind.
func (w *Writer) Append(rows []model.CanonicalRow, key model.TableKey) error {
	if len(rows) == 0 {
		return nil
	}

	path := w.Path(key)
	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("table: stat %s: %w", path, statErr)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("table: open %s: %w", path, err)
	}

	writer := csv.NewWriter(file)
	if writeHeader {
		if err := writer.Write(model.Header()); err != nil {
			_ = file.Close()
			return fmt.Errorf("table: write header %s: %w", path, err)
		}
	}
	for _, row := range rows {
		if err := writer.Write(row.Record()); err != nil {
			_ = file.Close()
			return fmt.Errorf("table: write row %s: %w", path, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = file.Close()
		return fmt.Errorf("table: flush %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("table: close %s: %w", path, err)
	}

	w.logger.Debug().Str("file", path).Int("rows", len(rows)).Bool("created", writeHeader).Msg("appended rows")
	return nil
}

// MergeRewrite merges an in-memory batch with whatever the key's table already
// holds and rewrites the whole file: existing rows first, new rows after, one
// header. The rewrite goes through a temp file in the same directory so the
// old table stays intact until the rename.
func (w *Writer) MergeRewrite(rows []model.CanonicalRow, key model.TableKey) error {
	path := w.Path(key)
	existing, err := readRows(path)
	if err != nil {
		return err
	}
	if len(existing) == 0 && len(rows) == 0 {
		return nil
	}

	tmp, err := os.CreateTemp(w.dir, key.Filename()+".tmp-*")
	if err != nil {
		return fmt.Errorf("table: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	writer := csv.NewWriter(tmp)
	writeErr := writer.Write(model.Header())
	for _, record := range existing {
		if writeErr != nil {
			break
		}
		writeErr = writer.Write(record)
	}
	for _, row := range rows {
		if writeErr != nil {
			break
		}
		writeErr = writer.Write(row.Record())
	}
	if writeErr == nil {
		writer.Flush()
		writeErr = writer.Error()
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("table: rewrite %s: %w", path, writeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("table: replace %s: %w", path, err)
	}

	w.logger.Debug().Str("file", path).Int("existing", len(existing)).Int("added", len(rows)).Msg("rewrote table")
	return nil
}

// readRows loads a table's data records, header excluded. A missing file reads
// as an empty table.
func readRows(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("table: read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[1:], nil
}
