package refuadata

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

func newTestManager(t *testing.T, datasets ...*Dataset) (*Manager, *Cache, afero.Fs) {
	t.Helper()
	cache, fs := newTestCache(t)
	catalog, err := NewCatalog(datasets...)
	if err != nil {
		t.Fatalf("NewCatalog() failed: %v", err)
	}
	downloader := NewDownloader(cache,
		WithRateLimit(rate.NewLimiter(rate.Inf, 0)),
		WithDownloaderNowFunc(fixedNowFunc),
	)
	prober := NewProber(WithProbeFs(fs), WithProbeRateLimit(rate.NewLimiter(rate.Inf, 0)))
	mgr := NewManager(
		WithCatalog(catalog),
		WithStore(cache),
		WithDownloader(downloader),
		WithProber(prober),
		WithManagerNowFunc(fixedNowFunc),
	)
	return mgr, cache, fs
}

func writeSourceCSV(t *testing.T, fs afero.Fs, path string, rows int) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("smiles,logp\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&buf, "C%d,%d.5\n", i, i)
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

func TestMaterializeChunksRawFile(t *testing.T) {
	dataset := &Dataset{ID: "chunky", Format: FormatCSV, URLs: []string{"/data/chunky.csv"}}
	mgr, cache, fs := newTestManager(t, dataset)
	writeSourceCSV(t, fs, "/data/chunky.csv", 5)

	result, err := mgr.Materialize(context.Background(), "chunky", MaterializeOptions{ChunkSize: 2})
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}

	if result.RowCount != 5 {
		t.Errorf("got %d rows, want 5", result.RowCount)
	}
	if len(result.Parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(result.Parts))
	}
	for i, part := range result.Parts {
		want := filepath.Join(result.ParquetDir, fmt.Sprintf("part-%05d.parquet", i))
		if part != want {
			t.Errorf("part %d: got %s, want %s", i, part, want)
		}
		data, err := afero.ReadFile(fs, part)
		if err != nil {
			t.Fatalf("reading part failed: %v", err)
		}
		if !bytes.HasPrefix(data, []byte("PAR1")) {
			t.Errorf("part %d is not a parquet file", i)
		}
	}

	manifest := &Manifest{}
	found, err := cache.ReadJSON(result.ManifestPath, manifest)
	if err != nil || !found {
		t.Fatalf("manifest not readable: found=%v err=%v", found, err)
	}
	t.Logf("manifest:\n%s", spew.Sdump(manifest))
	if manifest.RowCount != 5 || len(manifest.Parts) != 3 {
		t.Errorf("manifest rows=%d parts=%d, want 5 and 3", manifest.RowCount, len(manifest.Parts))
	}
	for _, name := range manifest.Parts {
		if strings.Contains(name, "/") {
			t.Errorf("manifest part %q must be a bare filename", name)
		}
	}
	if manifest.Source.Checksum != result.SourceChecksum {
		t.Error("manifest checksum must match the raw artifact")
	}
}

func TestMaterializeCacheHit(t *testing.T) {
	dataset := &Dataset{ID: "hit", Format: FormatCSV, URLs: []string{"/data/hit.csv"}}
	mgr, _, fs := newTestManager(t, dataset)
	writeSourceCSV(t, fs, "/data/hit.csv", 4)

	first, err := mgr.Materialize(context.Background(), "hit", MaterializeOptions{ChunkSize: 2})
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if first.CacheHit {
		t.Error("first materialization must not be a cache hit")
	}

	second, err := mgr.Materialize(context.Background(), "hit", MaterializeOptions{ChunkSize: 2})
	if err != nil {
		t.Fatalf("second Materialize() failed: %v", err)
	}
	if !second.CacheHit {
		t.Error("unchanged raw artifact must be a cache hit")
	}
	if len(second.Parts) != len(first.Parts) {
		t.Errorf("cache hit changed parts: %d vs %d", len(second.Parts), len(first.Parts))
	}
}

func TestMaterializeRebuildsWhenPartMissing(t *testing.T) {
	dataset := &Dataset{ID: "partial", Format: FormatCSV, URLs: []string{"/data/partial.csv"}}
	mgr, _, fs := newTestManager(t, dataset)
	writeSourceCSV(t, fs, "/data/partial.csv", 4)

	first, err := mgr.Materialize(context.Background(), "partial", MaterializeOptions{ChunkSize: 2})
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if err := fs.Remove(first.Parts[1]); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	second, err := mgr.Materialize(context.Background(), "partial", MaterializeOptions{ChunkSize: 2})
	if err != nil {
		t.Fatalf("second Materialize() failed: %v", err)
	}
	if second.CacheHit {
		t.Error("a missing part must trigger a rebuild")
	}
	for _, part := range second.Parts {
		if exists, _ := afero.Exists(fs, part); !exists {
			t.Errorf("rebuilt part %s missing", part)
		}
	}
}

func TestMaterializeForceRebuilds(t *testing.T) {
	dataset := &Dataset{ID: "forced", Format: FormatCSV, URLs: []string{"/data/forced.csv"}}
	mgr, _, fs := newTestManager(t, dataset)
	writeSourceCSV(t, fs, "/data/forced.csv", 3)

	if _, err := mgr.Materialize(context.Background(), "forced", MaterializeOptions{}); err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	result, err := mgr.Materialize(context.Background(), "forced", MaterializeOptions{Force: true})
	if err != nil {
		t.Fatalf("forced Materialize() failed: %v", err)
	}
	if result.CacheHit {
		t.Error("force must bypass the manifest cache")
	}
}

func TestMaterializeNoRows(t *testing.T) {
	dataset := &Dataset{ID: "empty", Format: FormatCSV, URLs: []string{"/data/empty.csv"}}
	mgr, _, fs := newTestManager(t, dataset)
	if err := afero.WriteFile(fs, "/data/empty.csv", []byte("smiles,logp\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	_, err := mgr.Materialize(context.Background(), "empty", MaterializeOptions{})
	if !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestMaterializeChunkSizeValidation(t *testing.T) {
	dataset := &Dataset{ID: "bad", Format: FormatCSV, URLs: []string{"/data/bad.csv"}}
	mgr, _, fs := newTestManager(t, dataset)
	writeSourceCSV(t, fs, "/data/bad.csv", 2)

	if _, err := mgr.Materialize(context.Background(), "bad", MaterializeOptions{ChunkSize: -1}); err == nil {
		t.Fatal("expected an error for a negative chunk size")
	}
}

func TestMaterializeGzipInput(t *testing.T) {
	dataset := &Dataset{
		ID:       "gz",
		Format:   FormatCSV,
		URLs:     []string{"/data/gz.csv.gz"},
		Filename: "gz.csv.gz",
	}
	mgr, _, fs := newTestManager(t, dataset)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("smiles,logp\nCCO,0.2\nCCN,0.3\n")); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	if err := afero.WriteFile(fs, "/data/gz.csv.gz", buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	result, err := mgr.Materialize(context.Background(), "gz", MaterializeOptions{})
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if result.RowCount != 2 {
		t.Errorf("got %d rows, want 2", result.RowCount)
	}
}

func TestMaterializeZipInput(t *testing.T) {
	dataset := &Dataset{
		ID:          "zipped",
		Format:      FormatCSV,
		URLs:        []string{"/data/zipped.zip"},
		Filename:    "zipped.zip",
		Compression: CompressionZip,
	}
	mgr, _, fs := newTestManager(t, dataset)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	readme, err := zw.Create("README.md")
	if err != nil {
		t.Fatalf("zip create failed: %v", err)
	}
	fmt.Fprint(readme, "documentation, not data")
	data, err := zw.Create("data.csv")
	if err != nil {
		t.Fatalf("zip create failed: %v", err)
	}
	fmt.Fprint(data, "smiles,logp\nCCO,0.2\nCCN,0.3\nCCC,0.4\n")
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close failed: %v", err)
	}
	if err := afero.WriteFile(fs, "/data/zipped.zip", buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	result, err := mgr.Materialize(context.Background(), "zipped", MaterializeOptions{})
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if result.RowCount != 3 {
		t.Errorf("got %d rows, want 3", result.RowCount)
	}
}

func TestMaterializeJSONLInput(t *testing.T) {
	dataset := &Dataset{ID: "jl", Format: FormatJSONL, URLs: []string{"/data/rows.jsonl"}}
	mgr, _, fs := newTestManager(t, dataset)

	content := `{"id": 1, "name": "a"}` + "\n" + `{"id": 2, "extra": true}` + "\n\n" + `{"id": 3}` + "\n"
	if err := afero.WriteFile(fs, "/data/rows.jsonl", []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	result, err := mgr.Materialize(context.Background(), "jl", MaterializeOptions{})
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if result.RowCount != 3 {
		t.Errorf("got %d rows, want 3", result.RowCount)
	}
}

func TestMaterializeMany(t *testing.T) {
	one := &Dataset{ID: "one", Format: FormatCSV, URLs: []string{"/data/one.csv"}, Tags: []string{"batch"}}
	two := &Dataset{ID: "two", Format: FormatCSV, URLs: []string{"/data/two.csv"}, Tags: []string{"batch"}}
	other := &Dataset{ID: "other", Format: FormatCSV, URLs: []string{"/data/other.csv"}}
	mgr, _, fs := newTestManager(t, one, two, other)
	writeSourceCSV(t, fs, "/data/one.csv", 2)
	writeSourceCSV(t, fs, "/data/two.csv", 2)
	writeSourceCSV(t, fs, "/data/other.csv", 2)

	results, err := mgr.MaterializeMany(context.Background(), "batch", MaterializeOptions{})
	if err != nil {
		t.Fatalf("MaterializeMany() failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2 tagged datasets", len(results))
	}
}

func TestValidateSourcesByID(t *testing.T) {
	dataset := &Dataset{ID: "vs", Format: FormatCSV, URLs: []string{"/data/vs.csv"}}
	mgr, _, fs := newTestManager(t, dataset)
	writeSourceCSV(t, fs, "/data/vs.csv", 1)

	results, err := mgr.ValidateSources(context.Background(), ValidateOptions{DatasetIDs: []string{"vs"}})
	if err != nil {
		t.Fatalf("ValidateSources() failed: %v", err)
	}
	if len(results) != 1 || !results[0].OK {
		t.Errorf("unexpected results %+v", results)
	}

	if _, err := mgr.ValidateSources(context.Background(), ValidateOptions{DatasetIDs: []string{"nope"}}); err == nil {
		t.Error("expected an error for an unknown dataset ID")
	}
}
