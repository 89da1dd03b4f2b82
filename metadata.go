package refuadata

// rawMetadata is the sidecar record stored next to every raw artifact.
// Field presence varies with source type: HTTP sources carry validator
// headers, file sources carry size and mtime, API sources carry the request
// signature and pagination accounting, concat sources carry per-URL
// sub-records.
type rawMetadata struct {
	DatasetID  string `json:"dataset_id"`
	Version    string `json:"version"`
	SourceType string `json:"source_type"`
	SourceURL  string `json:"source_url,omitempty"`

	SourceURLs  []string `json:"source_urls,omitempty"`
	URLMode     URLMode  `json:"url_mode,omitempty"`
	SourceCount int      `json:"source_count,omitempty"`

	FetchedAt   string `json:"fetched_at,omitempty"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
	ObservedAt  string `json:"observed_at,omitempty"`
	Refreshed   bool   `json:"refreshed,omitempty"`

	StatusCode      int    `json:"status_code,omitempty"`
	ETag            string `json:"etag,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	ContentLength   int64  `json:"content_length,omitempty"`
	BytesDownloaded int64  `json:"bytes_downloaded,omitempty"`

	SourceSize    int64 `json:"source_size,omitempty"`
	SourceMtimeNS int64 `json:"source_mtime_ns,omitempty"`

	Checksum string `json:"sha256,omitempty"`

	APIRequestSignature *Signature `json:"api_request_signature,omitempty"`
	APIRequestDigest    string     `json:"api_request_digest,omitempty"`
	APIRows             int64      `json:"api_rows,omitempty"`
	APIPages            int        `json:"api_pages,omitempty"`
	APIPagination       string     `json:"api_pagination,omitempty"`

	// Validators of the first page of a paginated fetch, reused for
	// conditional refresh of the whole sequence.
	FirstPageETag         string `json:"first_page_etag,omitempty"`
	FirstPageLastModified string `json:"first_page_last_modified,omitempty"`

	Sources []sourceDetail `json:"sources,omitempty"`

	Dataset *Snapshot `json:"dataset,omitempty"`
}

// sourceDetail records one constituent source of a concat fetch.
type sourceDetail struct {
	SourceURL       string `json:"source_url"`
	SourceType      string `json:"source_type"`
	StatusCode      int    `json:"status_code,omitempty"`
	ETag            string `json:"etag,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	ContentLength   int64  `json:"content_length,omitempty"`
	SourceSize      int64  `json:"source_size,omitempty"`
	SourceMtimeNS   int64  `json:"source_mtime_ns,omitempty"`
	BytesDownloaded int64  `json:"bytes_downloaded,omitempty"`
}
