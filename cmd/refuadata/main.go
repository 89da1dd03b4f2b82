package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/refualabs/refuadata"
)

const usage = `usage: refuadata <command> [flags]

Commands:
  list                      List catalog datasets
  fetch <dataset>           Download a dataset's raw artifact
  materialize <dataset>     Fetch and convert a dataset to parquet
  materialize-all           Materialize every dataset (optionally by --tag)
  validate [dataset...]     Probe dataset sources without downloading
  provenance <dataset>      Print the provenance summary of a materialization
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "refuadata:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}
	command, rest := args[0], args[1:]

	flags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	cacheDir := flags.String("cache-dir", refuadata.DefaultCacheRoot(), "cache root directory")
	catalogPath := flags.String("catalog", "", "YAML catalog file (default: built-in catalog)")
	force := flags.Bool("force", false, "ignore cached artifacts and re-download")
	refresh := flags.Bool("refresh", false, "revalidate cached artifacts against the source")
	timeout := flags.Duration("timeout", 0, "per-request timeout (0 = default)")
	chunkSize := flags.Int("chunk-size", 0, "rows per parquet part (0 = default)")
	tag := flags.String("tag", "", "restrict bulk commands to datasets with this tag")
	if err := flags.Parse(rest); err != nil {
		return err
	}

	catalog := refuadata.DefaultCatalog()
	if *catalogPath != "" {
		loaded, err := refuadata.LoadCatalog(afero.NewOsFs(), *catalogPath)
		if err != nil {
			return err
		}
		catalog = loaded
	}

	store := refuadata.Open(*cacheDir)
	mgr := refuadata.NewManager(
		refuadata.WithCatalog(catalog),
		refuadata.WithStore(store),
	)
	ctx := context.Background()

	switch command {
	case "list":
		return runList(mgr, *tag)
	case "fetch":
		if flags.NArg() != 1 {
			return fmt.Errorf("fetch requires exactly one dataset ID")
		}
		return runFetch(ctx, mgr, flags.Arg(0), *force, *refresh, *timeout)
	case "materialize":
		if flags.NArg() != 1 {
			return fmt.Errorf("materialize requires exactly one dataset ID")
		}
		result, err := mgr.Materialize(ctx, flags.Arg(0), materializeOptions(*force, *refresh, *chunkSize, *timeout))
		if err != nil {
			return err
		}
		printMaterialize(result)
		return nil
	case "materialize-all":
		results, err := mgr.MaterializeMany(ctx, *tag, materializeOptions(*force, *refresh, *chunkSize, *timeout))
		for _, result := range results {
			printMaterialize(result)
		}
		return err
	case "validate":
		return runValidate(ctx, mgr, flags.Args(), *tag, *timeout)
	case "provenance":
		if flags.NArg() != 1 {
			return fmt.Errorf("provenance requires exactly one dataset ID")
		}
		return runProvenance(store, catalog, flags.Arg(0))
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func materializeOptions(force, refresh bool, chunkSize int, timeout time.Duration) refuadata.MaterializeOptions {
	return refuadata.MaterializeOptions{
		Force:     force,
		Refresh:   refresh,
		ChunkSize: chunkSize,
		Timeout:   timeout,
	}
}

func runList(mgr *refuadata.Manager, tag string) error {
	for _, dataset := range mgr.Datasets(tag) {
		line := fmt.Sprintf("%-24s %-12s %s", dataset.ID, dataset.Category, dataset.Name)
		if len(dataset.Tags) > 0 {
			line += " [" + strings.Join(dataset.Tags, ",") + "]"
		}
		fmt.Println(line)
	}
	return nil
}

func runFetch(ctx context.Context, mgr *refuadata.Manager, datasetID string, force, refresh bool, timeout time.Duration) error {
	result, err := mgr.Fetch(ctx, datasetID, refuadata.FetchOptions{
		Force:   force,
		Refresh: refresh,
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	status := "downloaded"
	if result.CacheHit {
		status = "cached"
	}
	if result.Refreshed {
		status += " (refreshed)"
	}
	fmt.Printf("%s %s -> %s (%d bytes, sha256 %s)\n",
		status, result.DatasetID, result.RawPath, result.BytesDownloaded, result.Checksum)
	return nil
}

func printMaterialize(result *refuadata.MaterializeResult) {
	status := "materialized"
	if result.CacheHit {
		status = "cached"
	}
	fmt.Printf("%s %s: %d rows in %d parts under %s\n",
		status, result.DatasetID, result.RowCount, len(result.Parts), result.ParquetDir)
}

func runValidate(ctx context.Context, mgr *refuadata.Manager, datasetIDs []string, tag string, timeout time.Duration) error {
	results, err := mgr.ValidateSources(ctx, refuadata.ValidateOptions{
		DatasetIDs: datasetIDs,
		Tag:        tag,
		Timeout:    timeout,
	})
	if err != nil {
		return err
	}
	failed := 0
	for _, result := range results {
		status := "ok"
		if !result.OK {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-4s %-24s %-9s %s (%dms)",
			status, result.DatasetID, result.SourceType, result.Source, result.Latency.Milliseconds())
		if result.Error != "" {
			fmt.Printf(": %s", result.Error)
		}
		fmt.Println()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed validation", failed, len(results))
	}
	return nil
}

func runProvenance(store refuadata.Store, catalog *refuadata.Catalog, datasetID string) error {
	dataset, err := catalog.Get(datasetID)
	if err != nil {
		return err
	}
	record, err := refuadata.Summarize(store.Fs(), store.ManifestFile(dataset))
	if err != nil {
		return err
	}
	fmt.Printf("dataset:      %s (%s)\n", record.DatasetID, record.Version)
	if record.DatasetName != "" {
		fmt.Printf("name:         %s\n", record.DatasetName)
	}
	fmt.Printf("rows:         %d\n", record.RowCount)
	fmt.Printf("parts:        %d\n", record.PartsCount)
	fmt.Printf("source:       %s\n", record.SourceURL)
	fmt.Printf("sha256:       %s\n", record.Checksum)
	if record.LicenseName != "" {
		fmt.Printf("license:      %s\n", record.LicenseName)
	}
	fmt.Printf("generated_at: %s\n", record.GeneratedAt)
	fmt.Printf("manifest:     %s\n", record.ManifestPath)
	return nil
}
