package normalizer

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
)

// DefaultBatchSize is the number of records handed to a batch callback at once
const DefaultBatchSize = 5000

// BatchFunc receives consecutive batches of records. offset is the position of the
// batch's first record among all data rows of the input.
type BatchFunc func(batch []RawRecord, offset int) error

// StreamCSV reads a CSV with a header row in batches, so large files never sit in
// memory whole. A batchSize of zero or less delivers everything as one batch.
// It returns the number of records delivered.
func StreamCSV(ctx context.Context, r io.Reader, side models.RecordSide, config *ReaderConfig, batchSize int, fn BatchFunc) (int, error) {
	if config == nil {
		config = DefaultReaderConfig()
	}

	buffered := bufio.NewReader(r)
	if bom, err := buffered.Peek(3); err == nil && string(bom) == "\xef\xbb\xbf" {
		buffered.Discard(3)
	}

	reader := csv.NewReader(buffered)
	reader.Comma = config.Delimiter
	reader.Comment = config.Comment
	reader.TrimLeadingSpace = config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	headers, err := reader.Read()
	if err == io.EOF {
		return 0, errors.ValidationError(errors.CodeMissingField, "headers", "empty", nil).
			WithSuggestion("Ensure the file contains header and data rows")
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryValidation, errors.CodeInvalidRequest, "failed to read CSV header")
	}
	if !validUTF8(headers) {
		return 0, encodingError()
	}
	headers = append([]string(nil), headers...)
	for i, h := range headers {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var batch []RawRecord
	delivered := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch, delivered); err != nil {
			return err
		}
		delivered += len(batch)
		batch = nil
		return nil
	}

	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return delivered, err
			}
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return delivered, errors.Wrap(err, errors.CategoryValidation, errors.CodeInvalidRequest, "failed to read CSV row").
				WithContext("line", line)
		}
		if !validUTF8(row) {
			return delivered, encodingError().WithContext("line", line)
		}
		if config.SkipEmptyRows && isEmptyRow(row) {
			continue
		}

		fields := make(map[string]string, len(headers)+len(config.Defaults))
		for i, h := range headers {
			if i < len(row) && h != "" {
				fields[h] = row[i]
			}
		}
		applyDefaults(fields, config.Defaults)
		batch = append(batch, RawRecord{Side: side, Fields: fields})

		if batchSize > 0 && len(batch) >= batchSize {
			if err := flush(); err != nil {
				return delivered, err
			}
		}
	}

	if err := flush(); err != nil {
		return delivered, err
	}
	return delivered, nil
}

// StreamFile picks a reader by file extension and delivers its records in batches.
// JSON arrays are decoded whole and then split.
func StreamFile(ctx context.Context, path string, side models.RecordSide, config *ReaderConfig, batchSize int, fn BatchFunc) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, errors.ValidationError(errors.CodeInvalidRequest, "file", path, err).
			WithSuggestion("Check that the file exists and is readable")
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		records, err := ReadJSON(ctx, file, side, config)
		if err != nil {
			return 0, err
		}
		if batchSize <= 0 {
			batchSize = len(records)
		}
		for offset := 0; offset < len(records); offset += batchSize {
			end := offset + batchSize
			if end > len(records) {
				end = len(records)
			}
			if err := fn(records[offset:end], offset); err != nil {
				return offset, err
			}
		}
		return len(records), nil
	case ".csv", ".txt", "":
		return StreamCSV(ctx, file, side, config, batchSize, fn)
	default:
		return 0, errors.ValidationError(errors.CodeInvalidRequest, "file", path, fmt.Errorf("unsupported file type %q", filepath.Ext(path))).
			WithSuggestion("Use a .csv or .json file")
	}
}

func validUTF8(row []string) bool {
	for _, v := range row {
		if !utf8.ValidString(v) {
			return false
		}
	}
	return true
}

func encodingError() *errors.ReconcilerError {
	return errors.ValidationError(errors.CodeInvalidRequest, "encoding", "", fmt.Errorf("invalid UTF-8 encoding detected")).
		WithSuggestion("Save the file in UTF-8 encoding and try again")
}
