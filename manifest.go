package refuadata

// Manifest records one parquet materialization: which raw artifact it came
// from, when it was generated, and the parts it produced. Parts are listed
// by bare filename and resolved against the dataset's parquet directory.
type Manifest struct {
	DatasetID   string         `json:"dataset_id"`
	Version     string         `json:"version"`
	GeneratedAt string         `json:"generated_at"`
	Source      ManifestSource `json:"source"`
	RowCount    int64          `json:"row_count"`
	Parts       []string       `json:"parts"`
	Dataset     *Snapshot      `json:"dataset,omitempty"`
}

// ManifestSource identifies the raw artifact a materialization consumed.
type ManifestSource struct {
	URL      string `json:"url"`
	RawPath  string `json:"raw_path"`
	Checksum string `json:"sha256"`
}
