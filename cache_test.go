package refuadata

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func newTestCache(t *testing.T) (*Cache, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	cache := Open("/cache", WithFs(fs))
	if err := cache.Ensure(); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	return cache, fs
}

func TestEnsureCreatesSkeleton(t *testing.T) {
	_, fs := newTestCache(t)

	for _, dir := range []string{
		"/cache/raw",
		"/cache/parquet",
		"/cache/_meta/raw",
		"/cache/_meta/parquet",
	} {
		exists, err := afero.DirExists(fs, dir)
		if err != nil {
			t.Fatalf("DirExists(%s) failed: %v", dir, err)
		}
		if !exists {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestCachePaths(t *testing.T) {
	cache, _ := newTestCache(t)

	dataset := &Dataset{ID: "tox21", Format: FormatCSV, Version: "v1", Filename: "tox21.csv.gz"}
	other := &Dataset{ID: "tox21", Format: FormatCSV, Version: "v2", Filename: "tox21.csv.gz"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"raw", cache.RawFile(dataset), "/cache/raw/tox21/v1/tox21.csv.gz"},
		{"raw meta", cache.RawMetaFile(dataset), "/cache/_meta/raw/tox21/v1/tox21.csv.gz.json"},
		{"parquet dir", cache.ParquetDir(dataset), "/cache/parquet/tox21/v1"},
		{"manifest", cache.ManifestFile(dataset), "/cache/_meta/parquet/tox21/v1/manifest.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != filepath.FromSlash(tt.want) {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}

	if cache.RawFile(dataset) == cache.RawFile(other) {
		t.Error("different versions must not collide in the raw cache")
	}
	if cache.ParquetDir(dataset) == cache.ParquetDir(other) {
		t.Error("different versions must not collide in the parquet cache")
	}
}

func TestVersionDefaultsToLatest(t *testing.T) {
	cache, _ := newTestCache(t)

	dataset := &Dataset{ID: "zinc250k", Format: FormatCSV}
	if got := cache.ParquetDir(dataset); !strings.HasSuffix(got, filepath.Join("zinc250k", "latest")) {
		t.Errorf("expected latest version directory, got %s", got)
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	cache, fs := newTestCache(t)

	path := "/cache/_meta/raw/demo/latest/metadata.json"
	payload := &rawMetadata{DatasetID: "demo", Version: "latest", SourceType: "http", Checksum: "abc"}
	if err := cache.WriteJSON(path, payload); err != nil {
		t.Fatalf("WriteJSON() failed: %v", err)
	}

	loaded := &rawMetadata{}
	found, err := cache.ReadJSON(path, loaded)
	if err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	if !found {
		t.Fatal("expected metadata to be found")
	}
	if loaded.DatasetID != "demo" || loaded.Checksum != "abc" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}

	// No temp files may survive a successful write.
	entries, err := afero.ReadDir(fs, filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", entry.Name())
		}
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "{\n  ") {
		t.Error("expected two-space indented JSON")
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("expected trailing newline")
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	cache, _ := newTestCache(t)

	loaded := &rawMetadata{}
	found, err := cache.ReadJSON("/cache/_meta/raw/none/latest/metadata.json", loaded)
	if err != nil {
		t.Fatalf("ReadJSON() on missing file failed: %v", err)
	}
	if found {
		t.Error("expected found=false for a missing file")
	}
}

func TestFileChecksum(t *testing.T) {
	cache, fs := newTestCache(t)

	content := []byte("smiles,logp\nCCO,0.2\n")
	if err := afero.WriteFile(fs, "/cache/raw/demo.csv", content, 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	got, err := cache.FileChecksum("/cache/raw/demo.csv")
	if err != nil {
		t.Fatalf("FileChecksum() failed: %v", err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("checksum mismatch: got %s, want %s", got, want)
	}
}

func TestDefaultCacheRootHonorsEnv(t *testing.T) {
	t.Setenv("REFUA_DATA_HOME", "/srv/refua")
	if got := DefaultCacheRoot(); got != "/srv/refua" {
		t.Errorf("got %s, want /srv/refua", got)
	}
}
