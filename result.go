package refuadata

// FetchResult reports the outcome of a raw fetch.
type FetchResult struct {
	DatasetID       string
	Version         string
	RawPath         string
	MetadataPath    string
	SourceURL       string
	CacheHit        bool
	Refreshed       bool
	BytesDownloaded int64
	Checksum        string
}

// MaterializeResult reports the outcome of a parquet materialization.
type MaterializeResult struct {
	DatasetID      string
	Version        string
	ParquetDir     string
	ManifestPath   string
	Parts          []string
	RowCount       int64
	CacheHit       bool
	SourceChecksum string
}
