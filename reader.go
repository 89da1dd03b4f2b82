package refuadata

import (
	"archive/zip"
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// chunk is one bounded slice of a raw file, ready for columnar writing.
// All cell values are strings; typed parsing is left to consumers.
type chunk struct {
	columns []string
	rows    [][]string
}

// chunkReader yields successive chunks of a raw file and reports io.EOF
// when the file is exhausted.
type chunkReader interface {
	Next() (*chunk, error)
	Close() error
}

// Scanner buffer bound for JSON-Lines rows.
const maxLineSize = 4 * 1024 * 1024

// openChunkReader opens the raw file, unwraps gzip or zip per the
// descriptor, and returns a reader for the dataset's format.
func openChunkReader(fs afero.Fs, dataset *Dataset, rawPath string, chunkSize int) (chunkReader, error) {
	f, err := fs.Open(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw file %s: %w", rawPath, err)
	}

	closers := []io.Closer{f}
	var r io.Reader = f
	sourceName := rawPath

	switch resolveCompression(dataset, rawPath) {
	case CompressionZip:
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to stat %s: %w", rawPath, err)
		}
		zr, err := zip.NewReader(f, info.Size())
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open zip archive %s: %w", rawPath, err)
		}
		member, err := chooseZipMember(dataset.ID, zr)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		rc, err := member.Open()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open zip member %s: %w", member.Name, err)
		}
		closers = append(closers, rc)
		r = rc
		sourceName = member.Name

	case CompressionGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", rawPath, err)
		}
		closers = append(closers, gz)
		r = gz
		sourceName = strings.TrimSuffix(rawPath, ".gz")
	}

	if dataset.Format == FormatJSONL {
		return newJSONLChunkReader(r, closers, chunkSize), nil
	}
	return newCSVChunkReader(r, closers, inferDelimiter(dataset, sourceName), chunkSize), nil
}

func resolveCompression(dataset *Dataset, rawPath string) Compression {
	switch dataset.compression() {
	case CompressionNone, CompressionGzip, CompressionZip:
		return dataset.compression()
	}
	switch {
	case strings.HasSuffix(rawPath, ".zip"):
		return CompressionZip
	case strings.HasSuffix(rawPath, ".gz"):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// chooseZipMember picks the data member of an archive, preferring tabular
// extensions over whatever else the publisher bundled alongside.
func chooseZipMember(datasetID string, zr *zip.Reader) (*zip.File, error) {
	var candidates []*zip.File
	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		candidates = append(candidates, member)
	}
	if len(candidates) == 0 {
		return nil, &ConfigError{DatasetID: datasetID, Reason: "zip archive contains no files"}
	}
	for _, ext := range []string{".csv", ".tsv", ".txt", ".jsonl"} {
		for _, member := range candidates {
			if strings.HasSuffix(strings.ToLower(member.Name), ext) {
				return member, nil
			}
		}
	}
	return candidates[0], nil
}

// inferDelimiter resolves the cell separator: the descriptor hint wins,
// then the declared format, then the file extension, then comma.
func inferDelimiter(dataset *Dataset, sourceName string) rune {
	if dataset.Delimiter != "" {
		return []rune(dataset.Delimiter)[0]
	}
	if dataset.Format == FormatTSV {
		return '\t'
	}
	name := strings.ToLower(strings.TrimSuffix(sourceName, ".gz"))
	if strings.HasSuffix(name, ".tsv") || strings.HasSuffix(name, ".txt") {
		return '\t'
	}
	return ','
}

type csvChunkReader struct {
	r       *csv.Reader
	closers []io.Closer
	size    int
	columns []string
	done    bool
}

func newCSVChunkReader(r io.Reader, closers []io.Closer, delimiter rune, chunkSize int) *csvChunkReader {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return &csvChunkReader{r: cr, closers: closers, size: chunkSize}
}

func (c *csvChunkReader) Next() (*chunk, error) {
	if c.done {
		return nil, io.EOF
	}

	if c.columns == nil {
		header, err := c.r.Read()
		if err == io.EOF {
			c.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		c.columns = header
	}

	rows := make([][]string, 0, c.size)
	for len(rows) < c.size {
		record, err := c.r.Read()
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		rows = append(rows, padRecord(record, len(c.columns)))
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return &chunk{columns: c.columns, rows: rows}, nil
}

func (c *csvChunkReader) Close() error {
	return closeAll(c.closers)
}

// padRecord normalizes a row to the header width: short rows get empty
// cells, long rows are truncated.
func padRecord(record []string, width int) []string {
	if len(record) == width {
		return record
	}
	if len(record) > width {
		return record[:width]
	}
	padded := make([]string, width)
	copy(padded, record)
	return padded
}

type jsonlChunkReader struct {
	scanner *bufio.Scanner
	closers []io.Closer
	size    int
	line    int
	done    bool
}

func newJSONLChunkReader(r io.Reader, closers []io.Closer, chunkSize int) *jsonlChunkReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &jsonlChunkReader{scanner: scanner, closers: closers, size: chunkSize}
}

// Next decodes up to one chunk of JSON objects. Columns are the sorted
// union of keys seen in the chunk; objects missing a key get an empty cell.
func (j *jsonlChunkReader) Next() (*chunk, error) {
	if j.done {
		return nil, io.EOF
	}

	records := make([]map[string]any, 0, j.size)
	keys := make(map[string]struct{})
	for len(records) < j.size {
		if !j.scanner.Scan() {
			if err := j.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read line %d: %w", j.line+1, err)
			}
			j.done = true
			break
		}
		j.line++
		line := strings.TrimSpace(j.scanner.Text())
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("line %d: expected a JSON object: %w", j.line, err)
		}
		records = append(records, record)
		for key := range record {
			keys[key] = struct{}{}
		}
	}
	if len(records) == 0 {
		return nil, io.EOF
	}

	columns := make([]string, 0, len(keys))
	for key := range keys {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	rows := make([][]string, len(records))
	for i, record := range records {
		row := make([]string, len(columns))
		for col, key := range columns {
			row[col] = stringifyValue(record[key])
		}
		rows[i] = row
	}
	return &chunk{columns: columns, rows: rows}, nil
}

func (j *jsonlChunkReader) Close() error {
	return closeAll(j.closers)
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func closeAll(closers []io.Closer) error {
	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
