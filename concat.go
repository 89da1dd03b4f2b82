package refuadata

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// fetchConcat downloads every configured URL and merges the parts into one
// raw artifact. For csv/tsv datasets a part's first line is dropped when it
// is byte-identical to the first part's header; divergent first lines are
// kept as data. Any failed part fails the whole fetch.
func (d *Downloader) fetchConcat(ctx context.Context, dataset *Dataset, opts FetchOptions, rawPath string) (*FetchResult, error) {
	fs := d.store.Fs()
	if err := fs.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw directory: %w", err)
	}

	merged := tempName(rawPath)
	parts := make([]string, len(dataset.URLs))
	for i := range dataset.URLs {
		parts[i] = fmt.Sprintf("%s.part-%04d", merged, i)
	}
	cleanup := func() {
		_ = fs.Remove(merged)
		for _, part := range parts {
			_ = fs.Remove(part)
		}
	}

	details := make([]sourceDetail, 0, len(dataset.URLs))
	var downloaded int64
	for i, source := range dataset.URLs {
		detail, err := d.downloadToPath(ctx, dataset, opts, source, parts[i])
		if err != nil {
			cleanup()
			return nil, &AttemptError{URL: source, Err: err}
		}
		downloaded += detail.BytesDownloaded
		details = append(details, detail)
	}

	dedupeHeader := dataset.Format == FormatCSV || dataset.Format == FormatTSV
	if err := mergeParts(fs, merged, parts, dedupeHeader); err != nil {
		cleanup()
		return nil, err
	}
	for _, part := range parts {
		_ = fs.Remove(part)
	}

	if err := fs.Rename(merged, rawPath); err != nil {
		_ = fs.Remove(merged)
		return nil, fmt.Errorf("failed to finalize %s: %w", rawPath, err)
	}

	checksum, err := d.store.FileChecksum(rawPath)
	if err != nil {
		return nil, err
	}

	meta := &rawMetadata{
		DatasetID:       dataset.ID,
		Version:         dataset.version(),
		SourceType:      "multi_url",
		SourceURL:       dataset.URLs[0],
		SourceURLs:      append([]string(nil), dataset.URLs...),
		URLMode:         URLModeConcat,
		SourceCount:     len(dataset.URLs),
		FetchedAt:       d.timestamp(),
		Refreshed:       opts.Refresh,
		BytesDownloaded: downloaded,
		Checksum:        checksum,
		Sources:         details,
		Dataset:         dataset.Snapshot(),
	}
	if opts.Refresh {
		meta.RefreshedAt = meta.FetchedAt
	}
	if err := d.store.WriteJSON(d.store.RawMetaFile(dataset), meta); err != nil {
		return nil, err
	}

	return &FetchResult{
		DatasetID:       dataset.ID,
		Version:         dataset.version(),
		RawPath:         rawPath,
		MetadataPath:    d.store.RawMetaFile(dataset),
		SourceURL:       dataset.URLs[0],
		Refreshed:       opts.Refresh,
		BytesDownloaded: downloaded,
		Checksum:        checksum,
	}, nil
}

// downloadToPath fetches one concat constituent into a scratch path and
// returns its per-source record.
func (d *Downloader) downloadToPath(ctx context.Context, dataset *Dataset, opts FetchOptions, source, path string) (sourceDetail, error) {
	fs := d.store.Fs()

	switch sourceScheme(source) {
	case "", "file":
		localPath := localSourcePath(source)
		info, err := fs.Stat(localPath)
		if err != nil {
			return sourceDetail{}, fmt.Errorf("failed to stat source file %s: %w", localPath, err)
		}
		written, err := copyFile(fs, localPath, path)
		if err != nil {
			return sourceDetail{}, err
		}
		return sourceDetail{
			SourceURL:       source,
			SourceType:      "file",
			SourceSize:      info.Size(),
			SourceMtimeNS:   info.ModTime().UnixNano(),
			BytesDownloaded: written,
		}, nil

	case "http", "https":
		resp, err := d.get(ctx, source, nil, nil, opts.timeout())
		if err != nil {
			return sourceDetail{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return sourceDetail{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, source)
		}
		written, err := streamToFile(fs, path, resp.Body)
		if err != nil {
			return sourceDetail{}, fmt.Errorf("failed to download %s: %w", source, err)
		}
		return sourceDetail{
			SourceURL:       source,
			SourceType:      "http",
			StatusCode:      resp.StatusCode,
			ETag:            resp.Header.Get("ETag"),
			LastModified:    resp.Header.Get("Last-Modified"),
			ContentLength:   resp.ContentLength,
			BytesDownloaded: written,
		}, nil

	default:
		return sourceDetail{}, &ConfigError{DatasetID: dataset.ID, Reason: fmt.Sprintf("unsupported source scheme in %q", source)}
	}
}

// mergeParts concatenates downloaded parts into the destination. With
// dedupeHeader, each later part's first line is skipped only when it equals
// the first part's first line byte for byte.
func mergeParts(fs afero.Fs, dst string, parts []string, dedupeHeader bool) error {
	out, err := fs.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	var header []byte
	for i, part := range parts {
		f, err := fs.Open(part)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", part, err)
		}

		reader := bufio.NewReader(f)
		if dedupeHeader {
			line, err := reader.ReadBytes('\n')
			if err != nil && err != io.EOF {
				_ = f.Close()
				return fmt.Errorf("failed to read %s: %w", part, err)
			}
			switch {
			case i == 0:
				header = append([]byte(nil), line...)
				if _, werr := out.Write(line); werr != nil {
					_ = f.Close()
					return fmt.Errorf("failed to write %s: %w", dst, werr)
				}
			case bytes.Equal(line, header):
				// repeated header, dropped
			default:
				if _, werr := out.Write(line); werr != nil {
					_ = f.Close()
					return fmt.Errorf("failed to write %s: %w", dst, werr)
				}
			}
		}

		if _, err := io.CopyBuffer(out, reader, buffer); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to merge %s: %w", part, err)
		}
		_ = f.Close()
	}
	return nil
}
