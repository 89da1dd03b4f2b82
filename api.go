package refuadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// fetchAPI downloads a paginated API source into a JSON-Lines raw artifact.
// The cache key for API sources is the canonical request signature: a cached
// artifact is reused only while the recorded signature digest matches the
// descriptor's current one.
func (d *Downloader) fetchAPI(ctx context.Context, dataset *Dataset, opts FetchOptions, rawPath string, rawExists bool) (*FetchResult, error) {
	api := dataset.API
	signature := api.Signature()
	digest := signature.Digest()
	metaPath := d.store.RawMetaFile(dataset)
	fs := d.store.Fs()

	prior := &rawMetadata{}
	priorFound, err := d.store.ReadJSON(metaPath, prior)
	if err != nil {
		return nil, err
	}

	if rawExists && !opts.Force && !opts.Refresh && priorFound && prior.APIRequestDigest == digest {
		return d.cachedResult(dataset, rawPath, false)
	}

	mode := api.paginationMode()
	query := url.Values{}
	for key, value := range api.Params {
		query.Set(key, value)
	}
	if api.PageSizeParam != "" && api.PageSize > 0 && !query.Has(api.PageSizeParam) {
		query.Set(api.PageSizeParam, strconv.Itoa(api.PageSize))
	}
	if mode == PaginationChembl {
		if !query.Has("limit") {
			pageSize := api.PageSize
			if pageSize <= 0 {
				pageSize = 1000
			}
			query.Set("limit", strconv.Itoa(pageSize))
		}
		if !query.Has("offset") {
			query.Set("offset", "0")
		}
	}

	var conditional map[string]string
	if opts.Refresh && !opts.Force && rawExists && priorFound {
		conditional = conditionalHeaders(prior)
	}

	if err := fs.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw directory: %w", err)
	}
	tmp := tempName(rawPath)
	out, err := fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(out)
	cleanup := func() {
		_ = out.Close()
		_ = fs.Remove(tmp)
	}

	var (
		rows                  int64
		pages                 int
		received              int64
		firstPageETag         string
		firstPageLastModified string
	)
	pageURL := api.Endpoint
	pageQuery := query

pageLoop:
	for {
		headers := copyStringMap(api.Headers)
		if pages == 0 {
			for key, value := range conditional {
				headers[key] = value
			}
		}

		resp, err := d.get(ctx, pageURL, pageQuery, headers, opts.timeout())
		if err != nil {
			cleanup()
			return nil, err
		}

		if pages == 0 && resp.StatusCode == http.StatusNotModified && rawExists {
			resp.Body.Close()
			cleanup()
			meta, err := d.ensureChecksum(dataset)
			if err != nil {
				return nil, err
			}
			meta.Refreshed = true
			meta.RefreshedAt = d.timestamp()
			if err := d.store.WriteJSON(metaPath, meta); err != nil {
				return nil, err
			}
			return &FetchResult{
				DatasetID:    dataset.ID,
				Version:      dataset.version(),
				RawPath:      rawPath,
				MetadataPath: metaPath,
				SourceURL:    api.Endpoint,
				CacheHit:     true,
				Refreshed:    true,
				Checksum:     meta.Checksum,
			}, nil
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			cleanup()
			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, pageURL)
		}
		if pages == 0 {
			firstPageETag = resp.Header.Get("ETag")
			firstPageLastModified = resp.Header.Get("Last-Modified")
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to read page from %s: %w", pageURL, err)
		}
		received += int64(len(body))

		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			cleanup()
			return nil, fmt.Errorf("invalid JSON from %s: %w", pageURL, err)
		}

		items, err := extractItems(dataset.ID, payload, api.ItemsPath)
		if err != nil {
			cleanup()
			return nil, err
		}

		for _, item := range items {
			line, err := json.Marshal(item)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("failed to encode row: %w", err)
			}
			_, err = w.Write(line)
			if err == nil {
				err = w.WriteByte('\n')
			}
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("failed to write %s: %w", tmp, err)
			}
			rows++
			if api.MaxRows > 0 && rows >= int64(api.MaxRows) {
				pages++
				break pageLoop
			}
		}
		pages++

		if api.MaxPages > 0 && pages >= api.MaxPages {
			break
		}
		next, err := resolveNextPage(dataset.ID, mode, payload, resp)
		if err != nil {
			cleanup()
			return nil, err
		}
		if next == "" {
			break
		}
		pageURL = next
		pageQuery = nil
	}

	if err := w.Flush(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, rawPath); err != nil {
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("failed to finalize %s: %w", rawPath, err)
	}

	checksum, err := d.store.FileChecksum(rawPath)
	if err != nil {
		return nil, err
	}

	meta := &rawMetadata{
		DatasetID:             dataset.ID,
		Version:               dataset.version(),
		SourceType:            "api",
		SourceURL:             api.Endpoint,
		FetchedAt:             d.timestamp(),
		Refreshed:             opts.Refresh,
		BytesDownloaded:       received,
		Checksum:              checksum,
		APIRequestSignature:   &signature,
		APIRequestDigest:      digest,
		APIRows:               rows,
		APIPages:              pages,
		APIPagination:         string(mode),
		FirstPageETag:         firstPageETag,
		FirstPageLastModified: firstPageLastModified,
		Dataset:               dataset.Snapshot(),
	}
	if opts.Refresh {
		meta.RefreshedAt = meta.FetchedAt
	}
	if err := d.store.WriteJSON(metaPath, meta); err != nil {
		return nil, err
	}

	return &FetchResult{
		DatasetID:       dataset.ID,
		Version:         dataset.version(),
		RawPath:         rawPath,
		MetadataPath:    metaPath,
		SourceURL:       api.Endpoint,
		Refreshed:       opts.Refresh,
		BytesDownloaded: received,
		Checksum:        checksum,
	}, nil
}

// extractItems walks the dotted items path into a decoded page payload.
// An empty path requires the payload itself to be a list. Only the leaf may
// be absent, yielding an empty page; a missing or non-mapping value anywhere
// before the leaf, or a non-list leaf, is a configuration error.
func extractItems(datasetID string, payload any, itemsPath string) ([]any, error) {
	if itemsPath == "" {
		items, ok := payload.([]any)
		if !ok {
			return nil, &ConfigError{DatasetID: datasetID, Reason: "API payload is not a list and no items_path is set"}
		}
		return items, nil
	}

	current := payload
	segments := strings.Split(itemsPath, ".")
	for i, segment := range segments {
		mapping, ok := current.(map[string]any)
		if !ok {
			return nil, &ConfigError{DatasetID: datasetID, Reason: fmt.Sprintf("items_path %q crosses a non-mapping value at %q", itemsPath, segment)}
		}
		current, ok = mapping[segment]
		if !ok || current == nil {
			if i == len(segments)-1 {
				return nil, nil
			}
			return nil, &ConfigError{DatasetID: datasetID, Reason: fmt.Sprintf("items_path %q crosses a missing segment %q", itemsPath, segment)}
		}
	}

	items, ok := current.([]any)
	if !ok {
		return nil, &ConfigError{DatasetID: datasetID, Reason: fmt.Sprintf("items_path %q does not point at a list", itemsPath)}
	}
	return items, nil
}

// resolveNextPage derives the next page URL for the configured pagination
// mode, or "" when the sequence is exhausted.
func resolveNextPage(datasetID string, mode PaginationMode, payload any, resp *http.Response) (string, error) {
	switch mode {
	case PaginationNone:
		return "", nil
	case PaginationChembl:
		next := nestedString(payload, "page_meta", "next")
		if next == "" {
			return "", nil
		}
		return resolveAgainst(resp, next), nil
	case PaginationLinkHeader:
		next := parseNextLink(resp.Header.Get("Link"))
		if next == "" {
			return "", nil
		}
		return resolveAgainst(resp, next), nil
	default:
		return "", &ConfigError{DatasetID: datasetID, Reason: fmt.Sprintf("unsupported pagination mode %q", mode)}
	}
}

// resolveAgainst resolves a possibly relative next-page reference against
// the URL of the page just fetched.
func resolveAgainst(resp *http.Response, next string) string {
	ref, err := url.Parse(next)
	if err != nil {
		return next
	}
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return next
	}
	return resp.Request.URL.ResolveReference(ref).String()
}

// nestedString looks up a string value under a chain of keys in a decoded
// JSON document.
func nestedString(payload any, keys ...string) string {
	current := payload
	for _, key := range keys {
		mapping, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = mapping[key]
	}
	s, _ := current.(string)
	return s
}

// parseNextLink extracts the rel="next" target from an HTTP Link header.
func parseNextLink(header string) string {
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ";")
		if len(parts) < 2 {
			continue
		}
		target := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range parts[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="next"` || param == "rel=next" {
				return strings.Trim(target, "<>")
			}
		}
	}
	return ""
}
