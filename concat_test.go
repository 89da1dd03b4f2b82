package refuadata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestFetchConcatDedupesHeader(t *testing.T) {
	d, cache, fs := newTestDownloader(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/part1.csv":
			fmt.Fprint(w, "smiles,zinc_id\nCCO,1\n")
		case "/part2.csv":
			fmt.Fprint(w, "smiles,zinc_id\nCCN,2\nCCC,3\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	dataset := &Dataset{
		ID:      "tranches",
		Format:  FormatCSV,
		URLs:    []string{server.URL + "/part1.csv", server.URL + "/part2.csv"},
		URLMode: URLModeConcat,
	}

	result, err := d.Fetch(ctx, dataset, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	data, err := afero.ReadFile(fs, result.RawPath)
	if err != nil {
		t.Fatalf("reading raw file failed: %v", err)
	}
	want := "smiles,zinc_id\nCCO,1\nCCN,2\nCCC,3\n"
	if string(data) != want {
		t.Errorf("merged content mismatch:\ngot  %q\nwant %q", string(data), want)
	}

	meta := &rawMetadata{}
	if _, err := cache.ReadJSON(cache.RawMetaFile(dataset), meta); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	if meta.SourceType != "multi_url" || meta.SourceCount != 2 {
		t.Errorf("got source_type=%s source_count=%d", meta.SourceType, meta.SourceCount)
	}
	if len(meta.Sources) != 2 {
		t.Errorf("got %d source records, want 2", len(meta.Sources))
	}
}

func TestFetchConcatKeepsDivergentFirstLine(t *testing.T) {
	d, _, fs := newTestDownloader(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/part1.csv" {
			fmt.Fprint(w, "smiles,zinc_id\nCCO,1\n")
			return
		}
		// Headerless continuation file: its first line is data.
		fmt.Fprint(w, "CCN,2\n")
	}))
	defer server.Close()

	dataset := &Dataset{
		ID:      "mixed",
		Format:  FormatCSV,
		URLs:    []string{server.URL + "/part1.csv", server.URL + "/part2.csv"},
		URLMode: URLModeConcat,
	}

	result, err := d.Fetch(ctx, dataset, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	data, err := afero.ReadFile(fs, result.RawPath)
	if err != nil {
		t.Fatalf("reading raw file failed: %v", err)
	}
	if want := "smiles,zinc_id\nCCO,1\nCCN,2\n"; string(data) != want {
		t.Errorf("merged content mismatch:\ngot  %q\nwant %q", string(data), want)
	}
}

func TestFetchConcatHeaderComparisonIsExact(t *testing.T) {
	d, _, fs := newTestDownloader(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/part1.csv" {
			fmt.Fprint(w, "smiles,zinc_id\nCCO,1\n")
			return
		}
		// Same header text but CRLF terminated: not byte-identical, so it
		// is kept as data.
		fmt.Fprint(w, "smiles,zinc_id\r\nCCN,2\n")
	}))
	defer server.Close()

	dataset := &Dataset{
		ID:      "crlf",
		Format:  FormatCSV,
		URLs:    []string{server.URL + "/part1.csv", server.URL + "/part2.csv"},
		URLMode: URLModeConcat,
	}

	result, err := d.Fetch(ctx, dataset, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	data, err := afero.ReadFile(fs, result.RawPath)
	if err != nil {
		t.Fatalf("reading raw file failed: %v", err)
	}
	if want := "smiles,zinc_id\nCCO,1\nsmiles,zinc_id\r\nCCN,2\n"; string(data) != want {
		t.Errorf("merged content mismatch:\ngot  %q\nwant %q", string(data), want)
	}
}

func TestFetchConcatJSONLKeepsAllLines(t *testing.T) {
	d, _, fs := newTestDownloader(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1}`+"\n")
	}))
	defer server.Close()

	dataset := &Dataset{
		ID:      "jl",
		Format:  FormatJSONL,
		URLs:    []string{server.URL + "/a.jsonl", server.URL + "/b.jsonl"},
		URLMode: URLModeConcat,
	}

	result, err := d.Fetch(ctx, dataset, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	data, err := afero.ReadFile(fs, result.RawPath)
	if err != nil {
		t.Fatalf("reading raw file failed: %v", err)
	}
	// Header dedupe applies only to delimited formats.
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("got %d lines, want 2", lines)
	}
}

func TestFetchConcatFailureCleansUp(t *testing.T) {
	d, cache, fs := newTestDownloader(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/part1.csv" {
			fmt.Fprint(w, "a,b\n1,2\n")
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	dataset := &Dataset{
		ID:      "broken",
		Format:  FormatCSV,
		URLs:    []string{server.URL + "/part1.csv", server.URL + "/missing.csv"},
		URLMode: URLModeConcat,
	}

	if _, err := d.Fetch(ctx, dataset, FetchOptions{}); err == nil {
		t.Fatal("expected an error when a constituent fails")
	}

	rawPath := cache.RawFile(dataset)
	if exists, _ := afero.Exists(fs, rawPath); exists {
		t.Error("raw file must not exist after a failed concat")
	}
	rawDir := filepath.Dir(rawPath)
	if exists, _ := afero.DirExists(fs, rawDir); exists {
		entries, err := afero.ReadDir(fs, rawDir)
		if err != nil {
			t.Fatalf("ReadDir() failed: %v", err)
		}
		for _, entry := range entries {
			t.Errorf("leftover scratch file %s", entry.Name())
		}
	}
}
