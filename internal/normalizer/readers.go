package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
)

// ReaderConfig holds configuration for reading raw record files
type ReaderConfig struct {
	Delimiter        rune
	Comment          rune
	TrimLeadingSpace bool
	SkipEmptyRows    bool

	// Defaults fill fields that are absent or empty in a row, e.g. the scope of a whole file
	Defaults map[string]string
}

// DefaultReaderConfig returns a configuration with sensible defaults
func DefaultReaderConfig() *ReaderConfig {
	return &ReaderConfig{
		Delimiter:        ',',
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
	}
}

// ReadCSV reads a CSV with a header row into raw records of one side
func ReadCSV(ctx context.Context, r io.Reader, side models.RecordSide, config *ReaderConfig) ([]RawRecord, error) {
	var records []RawRecord
	_, err := StreamCSV(ctx, r, side, config, 0, func(batch []RawRecord, _ int) error {
		records = append(records, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ReadJSON reads a JSON array of flat objects into raw records of one side
func ReadJSON(ctx context.Context, r io.Reader, side models.RecordSide, config *ReaderConfig) ([]RawRecord, error) {
	if config == nil {
		config = DefaultReaderConfig()
	}

	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var rows []map[string]interface{}
	if err := decoder.Decode(&rows); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, errors.CodeInvalidRequest, "failed to decode JSON records")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]RawRecord, 0, len(rows))
	for _, row := range rows {
		fields := make(map[string]string, len(row)+len(config.Defaults))
		for k, v := range row {
			fields[k] = stringify(v)
		}
		applyDefaults(fields, config.Defaults)
		records = append(records, RawRecord{Side: side, Fields: fields})
	}
	return records, nil
}

// ReadFile picks a reader by file extension
func ReadFile(ctx context.Context, path string, side models.RecordSide, config *ReaderConfig) ([]RawRecord, error) {
	var records []RawRecord
	_, err := StreamFile(ctx, path, side, config, 0, func(batch []RawRecord, _ int) error {
		records = append(records, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(val)
	}
}

func applyDefaults(fields, defaults map[string]string) {
	for k, v := range defaults {
		if strings.TrimSpace(fields[k]) == "" {
			fields[k] = v
		}
	}
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
