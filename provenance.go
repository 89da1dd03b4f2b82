package refuadata

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
)

// ProvenanceRecord is the normalized summary of one materialization,
// suitable for audit trails and dataset cards.
type ProvenanceRecord struct {
	DatasetID    string `json:"dataset_id"`
	DatasetName  string `json:"dataset_name,omitempty"`
	Version      string `json:"version"`
	RowCount     int64  `json:"row_count"`
	PartsCount   int    `json:"parts_count"`
	SourceURL    string `json:"source_url"`
	Checksum     string `json:"sha256"`
	LicenseName  string `json:"license_name,omitempty"`
	Category     string `json:"category,omitempty"`
	GeneratedAt  string `json:"generated_at"`
	ManifestPath string `json:"manifest_path"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	manifest := &Manifest{}
	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	if manifest.DatasetID == "" {
		return nil, fmt.Errorf("manifest %s missing dataset_id", path)
	}
	return manifest, nil
}

// Summarize loads a manifest and flattens it into a provenance record.
func Summarize(fs afero.Fs, manifestPath string) (*ProvenanceRecord, error) {
	manifest, err := LoadManifest(fs, manifestPath)
	if err != nil {
		return nil, err
	}

	record := &ProvenanceRecord{
		DatasetID:    manifest.DatasetID,
		Version:      manifest.Version,
		RowCount:     manifest.RowCount,
		PartsCount:   len(manifest.Parts),
		SourceURL:    manifest.Source.URL,
		Checksum:     manifest.Source.Checksum,
		GeneratedAt:  manifest.GeneratedAt,
		ManifestPath: manifestPath,
	}
	if manifest.Dataset != nil {
		record.DatasetName = manifest.Dataset.Name
		record.LicenseName = manifest.Dataset.LicenseName
		record.Category = manifest.Dataset.Category
	}
	return record, nil
}
