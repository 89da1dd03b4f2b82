package refuadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// Source type labels used in probe results and raw metadata.
const (
	SourceTypeFile     = "file"
	SourceTypeHTTP     = "http"
	SourceTypeAPI      = "api"
	SourceTypeMultiURL = "multi_url"
	SourceTypeUnknown  = "unknown"
)

// Diagnostic lists in probe details are capped to keep results readable.
const probeFailureDetailLimit = 10

// SourceValidationResult reports the health of one dataset source probe.
type SourceValidationResult struct {
	DatasetID  string         `json:"dataset_id"`
	SourceType string         `json:"source_type"`
	Source     string         `json:"source"`
	OK         bool           `json:"ok"`
	StatusCode int            `json:"status_code,omitempty"`
	Latency    time.Duration  `json:"latency"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Prober checks dataset sources for availability without downloading them.
// HTTP sources are probed with a single-byte range request, API sources with
// a one-item page.
type Prober struct {
	fs      afero.Fs
	client  *http.Client
	limiter *rate.Limiter
	agent   string
}

// ProberOption defines a function that configures a Prober.
type ProberOption func(*Prober)

// WithProbeFs sets the filesystem used to probe file sources.
func WithProbeFs(fs afero.Fs) ProberOption {
	return func(p *Prober) {
		p.fs = fs
	}
}

// WithProbeClient sets a custom HTTP client.
func WithProbeClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = client
	}
}

// WithProbeRateLimit sets a custom rate limiter for outbound probes.
func WithProbeRateLimit(limiter *rate.Limiter) ProberOption {
	return func(p *Prober) {
		p.limiter = limiter
	}
}

// NewProber creates a Prober.
func NewProber(options ...ProberOption) *Prober {
	p := &Prober{
		fs:      afero.NewOsFs(),
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		agent:   userAgent,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// ValidateDataset probes a dataset's sources and aggregates per the URL
// mode: fallback succeeds on the first healthy URL, concat requires every
// URL, API sources get a single one-item probe.
func (p *Prober) ValidateDataset(ctx context.Context, dataset *Dataset, timeout time.Duration) []SourceValidationResult {
	if dataset.API != nil {
		return []SourceValidationResult{p.probeAPI(ctx, dataset, timeout)}
	}
	if len(dataset.URLs) == 0 {
		return []SourceValidationResult{{
			DatasetID:  dataset.ID,
			SourceType: SourceTypeUnknown,
			OK:         false,
			Error:      "no sources configured",
		}}
	}
	if dataset.urlMode() == URLModeConcat {
		return []SourceValidationResult{p.probeConcat(ctx, dataset, timeout)}
	}
	return []SourceValidationResult{p.probeFallback(ctx, dataset, timeout)}
}

// probeFallback probes URLs in order and stops at the first healthy one,
// recording the earlier failures as diagnostics.
func (p *Prober) probeFallback(ctx context.Context, dataset *Dataset, timeout time.Duration) SourceValidationResult {
	var (
		failures    []map[string]any
		latency     time.Duration
		firstStatus int
	)
	for _, source := range dataset.URLs {
		result := p.probeSource(ctx, dataset.ID, source, timeout)
		latency += result.Latency
		if result.OK {
			if len(failures) > 0 {
				if result.Details == nil {
					result.Details = make(map[string]any)
				}
				result.Details["fallback_failures"] = capDetails(failures)
			}
			return result
		}
		if len(failures) == 0 {
			firstStatus = result.StatusCode
		}
		failures = append(failures, attemptDetail(result))
	}

	return SourceValidationResult{
		DatasetID:  dataset.ID,
		SourceType: sourceTypeOf(dataset.URLs[0]),
		Source:     dataset.URLs[0],
		OK:         false,
		StatusCode: firstStatus,
		Latency:    latency,
		Error:      fmt.Sprintf("all %d sources failed", len(dataset.URLs)),
		Details:    map[string]any{"fallback_failures": capDetails(failures)},
	}
}

// probeConcat probes every URL; the dataset is healthy only when all of
// them are. Latencies are summed across constituents.
func (p *Prober) probeConcat(ctx context.Context, dataset *Dataset, timeout time.Duration) SourceValidationResult {
	var (
		latency time.Duration
		failed  []map[string]any
	)
	for _, source := range dataset.URLs {
		result := p.probeSource(ctx, dataset.ID, source, timeout)
		latency += result.Latency
		if !result.OK {
			failed = append(failed, attemptDetail(result))
		}
	}

	aggregated := SourceValidationResult{
		DatasetID:  dataset.ID,
		SourceType: SourceTypeMultiURL,
		Source:     dataset.URLs[0],
		OK:         len(failed) == 0,
		Latency:    latency,
		Details: map[string]any{
			"source_count": len(dataset.URLs),
		},
	}
	if len(failed) > 0 {
		aggregated.Error = fmt.Sprintf("%d of %d sources failed", len(failed), len(dataset.URLs))
		aggregated.Details["failed_count"] = len(failed)
		aggregated.Details["failed_sources"] = capDetails(failed)
	}
	return aggregated
}

func (p *Prober) probeSource(ctx context.Context, datasetID, source string, timeout time.Duration) SourceValidationResult {
	switch sourceScheme(source) {
	case "", "file":
		return p.probeFile(datasetID, source)
	case "http", "https":
		return p.probeHTTP(ctx, datasetID, source, timeout)
	default:
		return SourceValidationResult{
			DatasetID:  datasetID,
			SourceType: SourceTypeUnknown,
			Source:     source,
			OK:         false,
			Error:      fmt.Sprintf("unsupported source scheme in %q", source),
		}
	}
}

func (p *Prober) probeFile(datasetID, source string) SourceValidationResult {
	result := SourceValidationResult{
		DatasetID:  datasetID,
		SourceType: SourceTypeFile,
		Source:     source,
	}
	start := time.Now()
	info, err := p.fs.Stat(localSourcePath(source))
	result.Latency = time.Since(start)
	if err != nil {
		result.StatusCode = http.StatusNotFound
		result.Error = err.Error()
		return result
	}
	result.OK = true
	result.StatusCode = http.StatusOK
	result.Details = map[string]any{"size_bytes": info.Size()}
	return result
}

// probeHTTP issues a single-byte range request so health checks stay cheap
// even against multi-gigabyte archives.
func (p *Prober) probeHTTP(ctx context.Context, datasetID, source string, timeout time.Duration) SourceValidationResult {
	result := SourceValidationResult{
		DatasetID:  datasetID,
		SourceType: SourceTypeHTTP,
		Source:     source,
	}

	start := time.Now()
	resp, err := p.get(ctx, source, nil, map[string]string{"Range": "bytes=0-0"}, timeout)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result
	}
	result.OK = true
	result.Details = map[string]any{
		"content_type":   resp.Header.Get("Content-Type"),
		"content_length": resp.Header.Get("Content-Length"),
	}
	return result
}

// probeAPI fetches a one-item page and checks that the items path resolves
// to a list, so a healthy endpoint with a drifted payload shape still fails
// validation.
func (p *Prober) probeAPI(ctx context.Context, dataset *Dataset, timeout time.Duration) SourceValidationResult {
	api := dataset.API
	result := SourceValidationResult{
		DatasetID:  dataset.ID,
		SourceType: SourceTypeAPI,
		Source:     api.Endpoint,
	}

	query := url.Values{}
	for key, value := range api.Params {
		query.Set(key, value)
	}
	switch {
	case api.paginationMode() == PaginationChembl:
		query.Set("limit", "1")
		query.Set("offset", "0")
	case api.PageSizeParam != "":
		query.Set(api.PageSizeParam, "1")
	}

	start := time.Now()
	resp, err := p.get(ctx, api.Endpoint, query, api.Headers, timeout)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		result.Error = fmt.Sprintf("invalid JSON response: %v", err)
		return result
	}
	items, err := extractItems(dataset.ID, payload, api.ItemsPath)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.OK = true
	result.Details = map[string]any{
		"items_path":   api.ItemsPath,
		"sample_items": len(items),
		"pagination":   string(api.paginationMode()),
	}
	return result
}

func (p *Prober) get(ctx context.Context, rawURL string, query url.Values, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
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
	req.Header.Set("User-Agent", p.agent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func attemptDetail(result SourceValidationResult) map[string]any {
	detail := map[string]any{
		"source":     result.Source,
		"error":      result.Error,
		"latency_ms": result.Latency.Milliseconds(),
	}
	if result.StatusCode != 0 {
		detail["status_code"] = result.StatusCode
	}
	return detail
}

func capDetails(details []map[string]any) []map[string]any {
	if len(details) > probeFailureDetailLimit {
		return details[:probeFailureDetailLimit]
	}
	return details
}

func sourceTypeOf(source string) string {
	switch sourceScheme(source) {
	case "", "file":
		return SourceTypeFile
	case "http", "https":
		return SourceTypeHTTP
	default:
		return SourceTypeUnknown
	}
}
