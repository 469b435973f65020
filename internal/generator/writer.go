package generator

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/pkg/errors"
)

var sourceColumns = []string{
	normalizer.FieldID, normalizer.FieldScope, normalizer.FieldAmount, normalizer.FieldCurrency,
	normalizer.FieldValueDate, normalizer.FieldCounterparty, normalizer.FieldReference,
	normalizer.FieldKind, normalizer.FieldSourceSystem,
}

var ledgerColumns = []string{
	normalizer.FieldID, normalizer.FieldScope, normalizer.FieldAmount, normalizer.FieldCurrency,
	normalizer.FieldValueDate, normalizer.FieldCounterparty, normalizer.FieldReference,
	normalizer.FieldAccountCode, normalizer.FieldSourceSystem,
}

// WriteCSV writes records with a header row in the given column order
func WriteCSV(w io.Writer, columns []string, records []normalizer.RawRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write CSV header")
	}

	row := make([]string, len(columns))
	for _, r := range records {
		for i, c := range columns {
			row[i] = r.Fields[c]
		}
		if err := writer.Write(row); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write CSV row")
		}
	}
	writer.Flush()
	return writer.Error()
}

// Files names the files a data set was written to
type Files struct {
	Sources  string `json:"sources"`
	Ledgers  string `json:"ledgers"`
	Expected string `json:"expected"`
}

// WriteFiles writes sources.csv, ledger.csv and expected.json into dir
func (d *Dataset) WriteFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to create output directory").
			WithContext("dir", dir)
	}

	files := &Files{
		Sources:  filepath.Join(dir, "sources.csv"),
		Ledgers:  filepath.Join(dir, "ledger.csv"),
		Expected: filepath.Join(dir, "expected.json"),
	}
	if err := writeFile(files.Sources, func(w io.Writer) error { return WriteCSV(w, sourceColumns, d.Sources) }); err != nil {
		return nil, err
	}
	if err := writeFile(files.Ledgers, func(w io.Writer) error { return WriteCSV(w, ledgerColumns, d.Ledgers) }); err != nil {
		return nil, err
	}
	err := writeFile(files.Expected, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d.Expected)
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to create file").
			WithContext("path", path)
	}
	if err := write(f); err != nil {
		f.Close()
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to write file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to close file").
			WithContext("path", path)
	}
	return nil
}
