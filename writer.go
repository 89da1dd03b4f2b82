package refuadata

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// writeParquetPart writes one chunk as a SNAPPY-compressed parquet file.
// Every column is BYTE_ARRAY/UTF8; typed schemas are a consumer concern.
// The part is written to a temp sibling and renamed into place.
func writeParquetPart(fs afero.Fs, path string, ch *chunk) error {
	md := make([]string, len(ch.columns))
	seen := make(map[string]struct{}, len(ch.columns))
	for i, column := range ch.columns {
		name := sanitizeColumnName(column, i)
		if _, dup := seen[name]; dup {
			name = fmt.Sprintf("%s_%d", name, i)
		}
		seen[name] = struct{}{}
		md[i] = fmt.Sprintf(
			"name=%s, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY",
			name,
		)
	}

	tmp := tempName(path)
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = fs.Remove(tmp)
	}

	pfw := writerfile.NewWriterFile(f)
	pw, err := writer.NewCSVWriter(md, pfw, 1)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range ch.rows {
		rec := make([]*string, len(row))
		for i := range row {
			value := row[i]
			rec[i] = &value
		}
		if err := pw.WriteString(rec); err != nil {
			cleanup()
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		cleanup()
		return fmt.Errorf("failed to finalize parquet part: %w", err)
	}
	if err := pfw.Close(); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// sanitizeColumnName maps an arbitrary header cell onto a parquet-safe
// identifier.
func sanitizeColumnName(name string, index int) string {
	cleaned := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			cleaned = append(cleaned, r)
		default:
			cleaned = append(cleaned, '_')
		}
	}
	if len(cleaned) == 0 {
		return fmt.Sprintf("col_%d", index)
	}
	if cleaned[0] >= '0' && cleaned[0] <= '9' {
		cleaned = append([]rune{'_'}, cleaned...)
	}
	return string(cleaned)
}
