package refuadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 120 * time.Second
	userAgent      = "refua-data/0.6.0"
)

// Downloader fetches raw dataset artifacts into a Store. All HTTP traffic
// goes through one shared client guarded by a rate limiter and stamped with
// a fixed user agent. There is no automatic retry: multi-URL fallback is the
// only recovery mechanism.
type Downloader struct {
	store   Store
	client  *http.Client
	limiter *rate.Limiter
	agent   string
	nowFunc NowFunc
}

// DownloaderOption defines a function that configures a Downloader.
type DownloaderOption func(*Downloader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) DownloaderOption {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithRateLimit sets a custom rate limiter for outbound requests.
func WithRateLimit(limiter *rate.Limiter) DownloaderOption {
	return func(d *Downloader) {
		d.limiter = limiter
	}
}

// WithDownloaderNowFunc sets a custom time function for metadata timestamps.
func WithDownloaderNowFunc(nowFunc NowFunc) DownloaderOption {
	return func(d *Downloader) {
		d.nowFunc = nowFunc
	}
}

// NewDownloader creates a Downloader writing into the given store.
func NewDownloader(store Store, options ...DownloaderOption) *Downloader {
	d := &Downloader{
		store:   store,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		agent:   userAgent,
		nowFunc: time.Now,
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// FetchOptions control one fetch.
type FetchOptions struct {
	// Force ignores every cached artifact and re-downloads unconditionally.
	Force bool
	// Refresh revalidates cached artifacts against the source, using
	// conditional requests where the source supports them.
	Refresh bool
	// Timeout bounds each network request. Zero means the default.
	Timeout time.Duration
}

func (o FetchOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

// Fetch ensures the dataset's raw artifact is present and current in the
// cache, downloading it if needed. When a download fails but a cached copy
// exists and neither Force nor Refresh was requested, the cached copy is
// served instead of the error.
func (d *Downloader) Fetch(ctx context.Context, dataset *Dataset, opts FetchOptions) (*FetchResult, error) {
	if err := d.store.Ensure(); err != nil {
		return nil, err
	}

	rawPath := d.store.RawFile(dataset)
	rawExists, err := afero.Exists(d.store.Fs(), rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check raw file %s: %w", rawPath, err)
	}

	if dataset.API == nil && rawExists && !opts.Force && !opts.Refresh {
		return d.cachedResult(dataset, rawPath, false)
	}

	result, err := d.dispatch(ctx, dataset, opts, rawPath, rawExists)
	if err != nil {
		if rawExists && !opts.Force && !opts.Refresh {
			return d.cachedResult(dataset, rawPath, false)
		}
		var de *DownloadError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to fetch dataset %q: %w", dataset.ID, err)
	}
	return result, nil
}

// dispatch selects the fetch strategy: API pagination, multi-URL concat,
// or ordered URL fallback.
func (d *Downloader) dispatch(ctx context.Context, dataset *Dataset, opts FetchOptions, rawPath string, rawExists bool) (*FetchResult, error) {
	if dataset.API != nil {
		return d.fetchAPI(ctx, dataset, opts, rawPath, rawExists)
	}
	if len(dataset.URLs) == 0 {
		return nil, &ConfigError{DatasetID: dataset.ID, Reason: "no source URLs configured"}
	}
	if dataset.urlMode() == URLModeConcat {
		return d.fetchConcat(ctx, dataset, opts, rawPath)
	}

	var attempts []*AttemptError
	for _, source := range dataset.URLs {
		result, err := d.fetchSingle(ctx, dataset, opts, source, rawPath, rawExists)
		if err != nil {
			attempts = append(attempts, &AttemptError{URL: source, Err: err})
			continue
		}
		return result, nil
	}
	return nil, newDownloadError(dataset.ID, attempts)
}

func (d *Downloader) fetchSingle(ctx context.Context, dataset *Dataset, opts FetchOptions, source, rawPath string, rawExists bool) (*FetchResult, error) {
	switch sourceScheme(source) {
	case "", "file":
		return d.fetchLocal(dataset, opts, source, rawPath, rawExists)
	case "http", "https":
		return d.fetchHTTP(ctx, dataset, opts, source, rawPath, rawExists)
	default:
		return nil, &ConfigError{DatasetID: dataset.ID, Reason: fmt.Sprintf("unsupported source scheme in %q", source)}
	}
}

// fetchLocal copies a local file into the cache. A cached copy is current
// when the recorded source size and mtime still match the file on disk.
func (d *Downloader) fetchLocal(dataset *Dataset, opts FetchOptions, source, rawPath string, rawExists bool) (*FetchResult, error) {
	localPath := localSourcePath(source)
	fs := d.store.Fs()

	info, err := fs.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source file %s: %w", localPath, err)
	}

	if rawExists && !opts.Force {
		prior := &rawMetadata{}
		found, err := d.store.ReadJSON(d.store.RawMetaFile(dataset), prior)
		if err != nil {
			return nil, err
		}
		if found && prior.SourceSize == info.Size() && prior.SourceMtimeNS == info.ModTime().UnixNano() {
			return d.cachedResult(dataset, rawPath, opts.Refresh)
		}
	}

	if err := fs.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw directory: %w", err)
	}

	tmp := tempName(rawPath)
	written, err := copyFile(fs, localPath, tmp)
	if err != nil {
		_ = fs.Remove(tmp)
		return nil, err
	}
	if err := fs.Rename(tmp, rawPath); err != nil {
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("failed to finalize %s: %w", rawPath, err)
	}
	_ = fs.Chtimes(rawPath, info.ModTime(), info.ModTime())

	checksum, err := d.store.FileChecksum(rawPath)
	if err != nil {
		return nil, err
	}

	meta := &rawMetadata{
		DatasetID:       dataset.ID,
		Version:         dataset.version(),
		SourceType:      "file",
		SourceURL:       source,
		FetchedAt:       d.timestamp(),
		Refreshed:       opts.Refresh,
		SourceSize:      info.Size(),
		SourceMtimeNS:   info.ModTime().UnixNano(),
		BytesDownloaded: written,
		Checksum:        checksum,
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
		SourceURL:       source,
		Refreshed:       opts.Refresh,
		BytesDownloaded: written,
		Checksum:        checksum,
	}, nil
}

// fetchHTTP downloads one URL. With Refresh it issues a conditional request
// using the validators recorded on the previous fetch; a 304 turns into a
// cache hit with refreshed metadata.
func (d *Downloader) fetchHTTP(ctx context.Context, dataset *Dataset, opts FetchOptions, source, rawPath string, rawExists bool) (*FetchResult, error) {
	fs := d.store.Fs()
	metaPath := d.store.RawMetaFile(dataset)

	var headers map[string]string
	if opts.Refresh && !opts.Force && rawExists {
		prior := &rawMetadata{}
		if found, err := d.store.ReadJSON(metaPath, prior); err != nil {
			return nil, err
		} else if found {
			headers = conditionalHeaders(prior)
		}
	}

	resp, err := d.get(ctx, source, nil, headers, opts.timeout())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && rawExists {
		meta, err := d.ensureChecksum(dataset)
		if err != nil {
			return nil, err
		}
		meta.SourceURL = source
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
			SourceURL:    source,
			CacheHit:     true,
			Refreshed:    true,
			Checksum:     meta.Checksum,
		}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, source)
	}

	if err := fs.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw directory: %w", err)
	}

	tmp := tempName(rawPath)
	written, err := streamToFile(fs, tmp, resp.Body)
	if err != nil {
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("failed to download %s: %w", source, err)
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
		DatasetID:       dataset.ID,
		Version:         dataset.version(),
		SourceType:      "http",
		SourceURL:       source,
		FetchedAt:       d.timestamp(),
		Refreshed:       opts.Refresh,
		StatusCode:      resp.StatusCode,
		ETag:            resp.Header.Get("ETag"),
		LastModified:    resp.Header.Get("Last-Modified"),
		ContentLength:   resp.ContentLength,
		BytesDownloaded: written,
		Checksum:        checksum,
		Dataset:         dataset.Snapshot(),
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
		SourceURL:       source,
		Refreshed:       opts.Refresh,
		BytesDownloaded: written,
		Checksum:        checksum,
	}, nil
}

// cachedResult serves the raw artifact already in the cache, lazily
// computing its checksum and repairing a drifted descriptor snapshot.
func (d *Downloader) cachedResult(dataset *Dataset, rawPath string, refreshed bool) (*FetchResult, error) {
	meta, err := d.ensureChecksum(dataset)
	if err != nil {
		return nil, err
	}
	sourceURL := meta.SourceURL
	if sourceURL == "" {
		sourceURL = defaultSourceURL(dataset)
	}
	return &FetchResult{
		DatasetID:    dataset.ID,
		Version:      dataset.version(),
		RawPath:      rawPath,
		MetadataPath: d.store.RawMetaFile(dataset),
		SourceURL:    sourceURL,
		CacheHit:     true,
		Refreshed:    refreshed,
		Checksum:     meta.Checksum,
	}, nil
}

// ensureChecksum loads the metadata sidecar, computing the raw file's
// checksum if it was never recorded, and refreshes the embedded descriptor
// snapshot when the catalog entry has drifted since the fetch.
func (d *Downloader) ensureChecksum(dataset *Dataset) (*rawMetadata, error) {
	metaPath := d.store.RawMetaFile(dataset)
	meta := &rawMetadata{}
	found, err := d.store.ReadJSON(metaPath, meta)
	if err != nil {
		return nil, err
	}
	dirty := false
	if !found {
		meta = &rawMetadata{
			DatasetID:  dataset.ID,
			Version:    dataset.version(),
			SourceType: dataset.sourceType(),
		}
		dirty = true
	}
	if meta.Checksum == "" {
		checksum, err := d.store.FileChecksum(d.store.RawFile(dataset))
		if err != nil {
			return nil, err
		}
		meta.Checksum = checksum
		dirty = true
	}
	snapshot := dataset.Snapshot()
	if !snapshotsEqual(meta.Dataset, snapshot) {
		meta.Dataset = snapshot
		meta.ObservedAt = d.timestamp()
		dirty = true
	}
	if dirty {
		if err := d.store.WriteJSON(metaPath, meta); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// get issues a rate-limited GET with the client's user agent. The returned
// response body carries the request's cancel function, released on Close.
func (d *Downloader) get(ctx context.Context, rawURL string, query url.Values, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	if len(query) > 0 {
		merged := req.URL.Query()
		for key, values := range query {
			for _, value := range values {
				merged.Add(key, value)
			}
		}
		req.URL.RawQuery = merged.Encode()
	}
	req.Header.Set("User-Agent", d.agent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (d *Downloader) timestamp() string {
	return d.nowFunc().UTC().Format(time.RFC3339Nano)
}

// conditionalHeaders builds If-None-Match / If-Modified-Since from the
// validators of the previous fetch. Paginated fetches record the first
// page's validators separately.
func conditionalHeaders(meta *rawMetadata) map[string]string {
	headers := make(map[string]string)
	etag := meta.ETag
	if etag == "" {
		etag = meta.FirstPageETag
	}
	if etag != "" {
		headers["If-None-Match"] = etag
	}
	lastModified := meta.LastModified
	if lastModified == "" {
		lastModified = meta.FirstPageLastModified
	}
	if lastModified != "" {
		headers["If-Modified-Since"] = lastModified
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func defaultSourceURL(dataset *Dataset) string {
	if dataset.API != nil {
		return dataset.API.Endpoint
	}
	if len(dataset.URLs) > 0 {
		return dataset.URLs[0]
	}
	return ""
}

func sourceScheme(source string) string {
	parsed, err := url.Parse(source)
	if err != nil {
		return ""
	}
	return parsed.Scheme
}

func localSourcePath(source string) string {
	if parsed, err := url.Parse(source); err == nil && parsed.Scheme == "file" {
		return parsed.Path
	}
	return source
}

// streamToFile writes a reader to a new file through the shared buffer pool
// and returns the byte count.
func streamToFile(fs afero.Fs, path string, r io.Reader) (int64, error) {
	f, err := fs.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	written, err := io.CopyBuffer(f, r, buffer)
	if err != nil {
		_ = f.Close()
		return written, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("failed to close %s: %w", path, err)
	}
	return written, nil
}

// copyFile copies src to dst on the same filesystem.
func copyFile(fs afero.Fs, src, dst string) (int64, error) {
	srcFile, err := fs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer srcFile.Close()
	return streamToFile(fs, dst, srcFile)
}
