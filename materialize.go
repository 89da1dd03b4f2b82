package refuadata

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	defaultChunkSize       = 100000
	defaultValidateTimeout = 20 * time.Second
)

// Manager ties the catalog, store, downloader, and prober together and
// exposes the bulk operations the CLI is built on.
type Manager struct {
	catalog    *Catalog
	store      Store
	downloader *Downloader
	prober     *Prober
	nowFunc    NowFunc
}

// ManagerOption defines a function that configures a Manager.
type ManagerOption func(*Manager)

// WithCatalog sets the catalog to resolve dataset IDs against.
func WithCatalog(catalog *Catalog) ManagerOption {
	return func(m *Manager) {
		m.catalog = catalog
	}
}

// WithStore sets the cache store.
func WithStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithDownloader sets the downloader.
func WithDownloader(downloader *Downloader) ManagerOption {
	return func(m *Manager) {
		m.downloader = downloader
	}
}

// WithProber sets the source prober.
func WithProber(prober *Prober) ManagerOption {
	return func(m *Manager) {
		m.prober = prober
	}
}

// WithManagerNowFunc sets a custom time function for manifest timestamps.
func WithManagerNowFunc(nowFunc NowFunc) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = nowFunc
	}
}

// NewManager creates a Manager. Collaborators not supplied via options get
// defaults: the built-in catalog, a cache at DefaultCacheRoot, and a
// downloader and prober sharing the store's filesystem.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{nowFunc: time.Now}
	for _, option := range options {
		option(m)
	}
	if m.catalog == nil {
		m.catalog = DefaultCatalog()
	}
	if m.store == nil {
		m.store = Open(DefaultCacheRoot())
	}
	if m.downloader == nil {
		m.downloader = NewDownloader(m.store)
	}
	if m.prober == nil {
		m.prober = NewProber(WithProbeFs(m.store.Fs()))
	}
	return m
}

// Datasets lists catalog entries, filtered by tag when one is given.
func (m *Manager) Datasets(tag string) []*Dataset {
	if tag == "" {
		return m.catalog.List()
	}
	return m.catalog.FilterByTag(tag)
}

// Fetch downloads one dataset's raw artifact by catalog ID.
func (m *Manager) Fetch(ctx context.Context, datasetID string, opts FetchOptions) (*FetchResult, error) {
	dataset, err := m.catalog.Get(datasetID)
	if err != nil {
		return nil, err
	}
	return m.downloader.Fetch(ctx, dataset, opts)
}

// FetchMany downloads every dataset matching the tag (all when empty),
// stopping at the first failure.
func (m *Manager) FetchMany(ctx context.Context, tag string, opts FetchOptions) ([]*FetchResult, error) {
	var results []*FetchResult
	for _, dataset := range m.Datasets(tag) {
		result, err := m.downloader.Fetch(ctx, dataset, opts)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// MaterializeOptions control one materialization.
type MaterializeOptions struct {
	// Force rebuilds the parquet output even when the manifest says the
	// cached parts are current, and forces a raw re-download.
	Force bool
	// Refresh revalidates the raw artifact against the source first.
	Refresh bool
	// ChunkSize is the row count per parquet part. Zero means the default.
	ChunkSize int
	// Timeout bounds each network request of the underlying fetch.
	Timeout time.Duration
}

func (o MaterializeOptions) chunkSize() (int, error) {
	if o.ChunkSize == 0 {
		return defaultChunkSize, nil
	}
	if o.ChunkSize < 1 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", o.ChunkSize)
	}
	return o.ChunkSize, nil
}

// Materialize converts a dataset's raw artifact into chunked parquet parts.
// A manifest whose recorded checksum matches the raw artifact, with every
// listed part still on disk, short-circuits into a cache hit.
func (m *Manager) Materialize(ctx context.Context, datasetID string, opts MaterializeOptions) (*MaterializeResult, error) {
	dataset, err := m.catalog.Get(datasetID)
	if err != nil {
		return nil, err
	}
	chunkSize, err := opts.chunkSize()
	if err != nil {
		return nil, err
	}

	fetch, err := m.downloader.Fetch(ctx, dataset, FetchOptions{
		Force:   opts.Force,
		Refresh: opts.Refresh,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	fs := m.store.Fs()
	parquetDir := m.store.ParquetDir(dataset)
	manifestPath := m.store.ManifestFile(dataset)

	if !opts.Force {
		if result, ok := m.manifestCacheHit(dataset, fetch, parquetDir, manifestPath); ok {
			return result, nil
		}
	}

	if err := fs.RemoveAll(parquetDir); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", parquetDir, err)
	}
	if err := fs.MkdirAll(parquetDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", parquetDir, err)
	}

	reader, err := openChunkReader(fs, dataset, fetch.RawPath, chunkSize)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var (
		partNames []string
		partPaths []string
		rowCount  int64
	)
	for {
		ch, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", dataset.ID, err)
		}
		name := fmt.Sprintf("part-%05d.parquet", len(partNames))
		path := filepath.Join(parquetDir, name)
		if err := writeParquetPart(fs, path, ch); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", dataset.ID, err)
		}
		partNames = append(partNames, name)
		partPaths = append(partPaths, path)
		rowCount += int64(len(ch.rows))
	}
	if len(partNames) == 0 {
		return nil, fmt.Errorf("dataset %q: %w", dataset.ID, ErrNoRows)
	}

	manifest := &Manifest{
		DatasetID:   dataset.ID,
		Version:     dataset.version(),
		GeneratedAt: m.nowFunc().UTC().Format(time.RFC3339Nano),
		Source: ManifestSource{
			URL:      fetch.SourceURL,
			RawPath:  fetch.RawPath,
			Checksum: fetch.Checksum,
		},
		RowCount: rowCount,
		Parts:    partNames,
		Dataset:  dataset.Snapshot(),
	}
	if err := m.store.WriteJSON(manifestPath, manifest); err != nil {
		return nil, err
	}

	return &MaterializeResult{
		DatasetID:      dataset.ID,
		Version:        dataset.version(),
		ParquetDir:     parquetDir,
		ManifestPath:   manifestPath,
		Parts:          partPaths,
		RowCount:       rowCount,
		SourceChecksum: fetch.Checksum,
	}, nil
}

// manifestCacheHit reports whether the existing parquet output is still
// valid for the fetched raw artifact: matching checksum, a non-empty part
// list, and every part present on disk.
func (m *Manager) manifestCacheHit(dataset *Dataset, fetch *FetchResult, parquetDir, manifestPath string) (*MaterializeResult, bool) {
	manifest := &Manifest{}
	found, err := m.store.ReadJSON(manifestPath, manifest)
	if err != nil || !found {
		return nil, false
	}
	if manifest.Source.Checksum == "" || manifest.Source.Checksum != fetch.Checksum {
		return nil, false
	}
	if len(manifest.Parts) == 0 {
		return nil, false
	}

	fs := m.store.Fs()
	if exists, err := afero.DirExists(fs, parquetDir); err != nil || !exists {
		return nil, false
	}
	partPaths := make([]string, len(manifest.Parts))
	for i, name := range manifest.Parts {
		path := filepath.Join(parquetDir, name)
		if exists, err := afero.Exists(fs, path); err != nil || !exists {
			return nil, false
		}
		partPaths[i] = path
	}

	return &MaterializeResult{
		DatasetID:      dataset.ID,
		Version:        dataset.version(),
		ParquetDir:     parquetDir,
		ManifestPath:   manifestPath,
		Parts:          partPaths,
		RowCount:       manifest.RowCount,
		CacheHit:       true,
		SourceChecksum: fetch.Checksum,
	}, true
}

// MaterializeMany materializes every dataset matching the tag (all when
// empty), stopping at the first failure.
func (m *Manager) MaterializeMany(ctx context.Context, tag string, opts MaterializeOptions) ([]*MaterializeResult, error) {
	var results []*MaterializeResult
	for _, dataset := range m.Datasets(tag) {
		result, err := m.Materialize(ctx, dataset.ID, opts)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// ValidateOptions select the datasets to probe.
type ValidateOptions struct {
	// DatasetIDs probes specific catalog entries. Empty means use Tag.
	DatasetIDs []string
	// Tag probes every dataset carrying the tag. Empty means all.
	Tag string
	// Timeout bounds each probe request. Zero means the default.
	Timeout time.Duration
}

// ValidateSources probes the selected datasets' sources without
// downloading them.
func (m *Manager) ValidateSources(ctx context.Context, opts ValidateOptions) ([]SourceValidationResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultValidateTimeout
	}

	var datasets []*Dataset
	if len(opts.DatasetIDs) > 0 {
		for _, id := range opts.DatasetIDs {
			dataset, err := m.catalog.Get(id)
			if err != nil {
				return nil, err
			}
			datasets = append(datasets, dataset)
		}
	} else {
		datasets = m.Datasets(opts.Tag)
	}

	var results []SourceValidationResult
	for _, dataset := range datasets {
		results = append(results, m.prober.ValidateDataset(ctx, dataset, timeout)...)
	}
	return results, nil
}
