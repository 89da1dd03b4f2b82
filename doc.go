/*
Package refuadata fetches public drug-discovery datasets into a local
content-checked cache and materializes them as chunked parquet.

# Overview

refuadata turns a catalog of dataset descriptors into reproducible local
artifacts. Each dataset is fetched once into a raw cache keyed by
(dataset_id, version), verified by checksum, and converted on demand into
SNAPPY-compressed parquet parts with a manifest recording exactly which
bytes they came from.

# Core Architecture

The cache uses a four-level structure under one root:
  - raw/ - Raw source artifacts as downloaded
  - parquet/ - Chunked parquet parts per dataset
  - _meta/raw/ - Fetch metadata sidecars (checksums, validators, signatures)
  - _meta/parquet/ - Materialization manifests

Fetching supports ordered multi-URL fallback, multi-URL concatenation with
header dedupe, local files with staleness detection, and paginated JSON
APIs (ChEMBL-style body pagination and Link-header pagination) flattened
into JSON-Lines. Conditional HTTP requests revalidate cached artifacts
without re-downloading unchanged sources.

# Basic Usage

Materializing a catalog dataset:

	mgr := refuadata.NewManager()
	result, err := mgr.Materialize(ctx, "tox21", refuadata.MaterializeOptions{})
	if err != nil {
	    log.Fatalf("materialize failed: %v", err)
	}
	fmt.Printf("%d rows in %d parts under %s\n",
	    result.RowCount, len(result.Parts), result.ParquetDir)

Fetching only the raw artifact:

	fetch, err := mgr.Fetch(ctx, "zinc250k", refuadata.FetchOptions{})

Probing sources without downloading:

	results, err := mgr.ValidateSources(ctx, refuadata.ValidateOptions{
	    DatasetIDs: []string{"chembl_activities"},
	})

# Configuration Options

Collaborators are wired with functional options:

	store := refuadata.Open("/data/cache", refuadata.WithFs(afero.NewMemMapFs()))
	mgr := refuadata.NewManager(
	    refuadata.WithStore(store),
	    refuadata.WithCatalog(catalog),
	)

The cache root defaults to $REFUA_DATA_HOME, falling back to
~/.cache/refua-data.

# Error Handling

The package defines several error types:

  - ErrNoRows: materialization produced zero data rows
  - ConfigError: a descriptor that cannot be acted on
  - DownloadError: every source attempt of a fetch failed; unwraps to the
    per-source attempt errors

Always check for these when orchestrating bulk operations:

	if errors.Is(err, refuadata.ErrNoRows) {
	    // empty source, nothing to materialize
	}
*/
package refuadata
