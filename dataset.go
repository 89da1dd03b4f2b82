package refuadata

import (
	"encoding/json"
	"net/url"
	"path"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Format identifies the tabular layout of a dataset's raw file.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatJSONL Format = "jsonl"
)

// Compression describes how a raw file is wrapped on disk.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionZip   Compression = "zip"
	CompressionInfer Compression = "infer"
)

// PaginationMode selects how the next page of an API source is resolved.
type PaginationMode string

const (
	// PaginationNone fetches a single page.
	PaginationNone PaginationMode = "none"
	// PaginationChembl follows the page_meta.next value in the response
	// body, resolved relative to the just-fetched URL.
	PaginationChembl PaginationMode = "chembl"
	// PaginationLinkHeader follows the rel="next" entry of the HTTP Link
	// response header.
	PaginationLinkHeader PaginationMode = "link_header"
)

// URLMode selects how a multi-URL dataset treats its sources.
type URLMode string

const (
	// URLModeFallback tries URLs in order; the first success wins.
	URLModeFallback URLMode = "fallback"
	// URLModeConcat requires every URL and merges the outputs into one
	// raw artifact.
	URLModeConcat URLMode = "concat"
)

// APIConfig configures a paginated API source.
type APIConfig struct {
	Endpoint      string            `json:"endpoint" yaml:"endpoint"`
	Params        map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Pagination    PaginationMode    `json:"pagination,omitempty" yaml:"pagination,omitempty"`
	ItemsPath     string            `json:"items_path,omitempty" yaml:"items_path,omitempty"`
	PageSizeParam string            `json:"page_size_param,omitempty" yaml:"page_size_param,omitempty"`
	PageSize      int               `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	MaxPages      int               `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
	MaxRows       int               `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`
}

func (a *APIConfig) paginationMode() PaginationMode {
	if a.Pagination == "" {
		return PaginationNone
	}
	return a.Pagination
}

// Signature is the canonical, order-independent encoding of an API source's
// request shape. Two fetches with equal signatures would issue the same
// requests, so a cached raw artifact with a matching signature is reusable.
type Signature struct {
	Endpoint      string            `json:"endpoint"`
	Params        map[string]string `json:"params"`
	Headers       map[string]string `json:"headers"`
	Pagination    PaginationMode    `json:"pagination"`
	ItemsPath     string            `json:"items_path"`
	PageSizeParam string            `json:"page_size_param"`
	PageSize      int               `json:"page_size"`
	MaxPages      int               `json:"max_pages"`
	MaxRows       int               `json:"max_rows"`
}

// Signature returns the canonical request signature for this API source.
func (a *APIConfig) Signature() Signature {
	return Signature{
		Endpoint:      a.Endpoint,
		Params:        copyStringMap(a.Params),
		Headers:       copyStringMap(a.Headers),
		Pagination:    a.paginationMode(),
		ItemsPath:     a.ItemsPath,
		PageSizeParam: a.PageSizeParam,
		PageSize:      a.PageSize,
		MaxPages:      a.MaxPages,
		MaxRows:       a.MaxRows,
	}
}

// Digest returns a compact fingerprint of the signature. Map keys marshal in
// sorted order, so the digest is independent of parameter ordering.
func (s Signature) Digest() string {
	payload, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Dataset describes one catalog entry: identity, sources, and format.
// Exactly one of URLs or API drives fetch strategy selection. The pair
// (ID, Version) is the sole cache-path key.
type Dataset struct {
	ID          string      `json:"dataset_id" yaml:"dataset_id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Source      string      `json:"source" yaml:"source"`
	Homepage    string      `json:"homepage" yaml:"homepage"`
	LicenseName string      `json:"license_name" yaml:"license_name"`
	LicenseURL  string      `json:"license_url,omitempty" yaml:"license_url,omitempty"`
	Format      Format      `json:"file_format" yaml:"file_format"`
	Category    string      `json:"category" yaml:"category"`
	URLs        []string    `json:"urls,omitempty" yaml:"urls,omitempty"`
	API         *APIConfig  `json:"api,omitempty" yaml:"api,omitempty"`
	UsageNotes  []string    `json:"usage_notes,omitempty" yaml:"usage_notes,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Delimiter   string      `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Compression Compression `json:"compression,omitempty" yaml:"compression,omitempty"`
	Version     string      `json:"version,omitempty" yaml:"version,omitempty"`
	Filename    string      `json:"filename,omitempty" yaml:"filename,omitempty"`
	URLMode     URLMode     `json:"url_mode,omitempty" yaml:"url_mode,omitempty"`
}

func (d *Dataset) version() string {
	if d.Version == "" {
		return "latest"
	}
	return d.Version
}

func (d *Dataset) urlMode() URLMode {
	if d.URLMode == "" {
		return URLModeFallback
	}
	return d.URLMode
}

func (d *Dataset) compression() Compression {
	if d.Compression == "" {
		return CompressionInfer
	}
	return d.Compression
}

// PreferredFilename returns the filesystem name used for the raw artifact:
// the explicit filename hint, dataset_id.jsonl for API sources, the first
// URL's basename, or dataset_id plus the format extension.
func (d *Dataset) PreferredFilename() string {
	if d.Filename != "" {
		return d.Filename
	}
	if d.API != nil {
		return d.ID + ".jsonl"
	}
	if len(d.URLs) > 0 {
		if parsed, err := url.Parse(d.URLs[0]); err == nil {
			if name := path.Base(parsed.Path); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	switch d.Format {
	case FormatTSV:
		return d.ID + ".tsv"
	case FormatJSONL:
		return d.ID + ".jsonl"
	default:
		return d.ID + ".csv"
	}
}

// Default usage notes keyed by category, applied when a dataset carries no
// explicit notes.
var categoryUsageDefaults = map[string]string{
	"compound_library":  "Use for compound library curation, screening, and molecular pretraining.",
	"target_activity":   "Use for ligand-target activity modeling and potency benchmarking.",
	"toxicity":          "Use for toxicity risk prediction and safety classification tasks.",
	"admet":             "Use for ADMET property prediction and developability screening.",
	"safety":            "Use for pharmacovigilance and safety endpoint modeling.",
	"virtual_screening": "Use for virtual screening and hit prioritization workflows.",
	"physchem":          "Use for physicochemical property modeling and feature engineering.",
	"assays":            "Use for assay landscape analysis and protocol-level benchmarking.",
	"targets":           "Use for target selection, annotation, and target-space definition.",
	"target_families":   "Use for family-focused target programs and panel design.",
}

// ResolvedUsageNotes returns explicit usage notes or a category-derived
// fallback note.
func (d *Dataset) ResolvedUsageNotes() []string {
	if len(d.UsageNotes) > 0 {
		return append([]string(nil), d.UsageNotes...)
	}
	if note, ok := categoryUsageDefaults[d.Category]; ok {
		return []string{note}
	}
	return []string{d.Description}
}

func (d *Dataset) sourceType() string {
	if d.API != nil {
		return "api"
	}
	return "file"
}

// Snapshot is the denormalized copy of a descriptor embedded in metadata and
// manifests so descriptor drift can be detected after the fact.
type Snapshot struct {
	DatasetID   string      `json:"dataset_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	UsageNotes  []string    `json:"usage_notes"`
	Category    string      `json:"category"`
	SourceType  string      `json:"source_type"`
	Source      string      `json:"source"`
	Homepage    string      `json:"homepage"`
	LicenseName string      `json:"license_name"`
	LicenseURL  string      `json:"license_url"`
	Version     string      `json:"version"`
	Format      Format      `json:"file_format"`
	Compression Compression `json:"compression"`
	Delimiter   string      `json:"delimiter"`
	Filename    string      `json:"filename"`
	URLMode     URLMode     `json:"url_mode"`
	Tags        []string    `json:"tags"`
	URLs        []string    `json:"urls"`
	API         *Signature  `json:"api,omitempty"`
}

// Snapshot returns the normalized descriptor snapshot for cache metadata,
// manifests, and CLI output.
func (d *Dataset) Snapshot() *Snapshot {
	snapshot := &Snapshot{
		DatasetID:   d.ID,
		Name:        d.Name,
		Description: d.Description,
		UsageNotes:  d.ResolvedUsageNotes(),
		Category:    d.Category,
		SourceType:  d.sourceType(),
		Source:      d.Source,
		Homepage:    d.Homepage,
		LicenseName: d.LicenseName,
		LicenseURL:  d.LicenseURL,
		Version:     d.version(),
		Format:      d.Format,
		Compression: d.compression(),
		Delimiter:   d.Delimiter,
		Filename:    d.PreferredFilename(),
		URLMode:     d.urlMode(),
		Tags:        append([]string(nil), d.Tags...),
		URLs:        append([]string(nil), d.URLs...),
	}
	if d.API != nil {
		sig := d.API.Signature()
		snapshot.API = &sig
	}
	return snapshot
}

// snapshotsEqual compares two snapshots by their canonical JSON encoding,
// which survives a round trip through metadata files.
func snapshotsEqual(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}
