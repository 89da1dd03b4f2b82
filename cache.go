package refuadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Store is the cache backend used by the downloader and materializer.
// Paths returned by the accessor methods are resolved against the store's
// filesystem, which need not be the OS filesystem.
type Store interface {
	// Ensure creates the cache directory skeleton.
	Ensure() error
	// RawFile returns the path of a dataset's raw artifact.
	RawFile(dataset *Dataset) string
	// RawMetaFile returns the path of a dataset's raw metadata sidecar.
	RawMetaFile(dataset *Dataset) string
	// ParquetDir returns the directory holding a dataset's parquet parts.
	ParquetDir(dataset *Dataset) string
	// ManifestFile returns the path of a dataset's parquet manifest.
	ManifestFile(dataset *Dataset) string
	// ReadJSON decodes a JSON document into the target value. A missing
	// file reports found=false with a nil error.
	ReadJSON(path string, into any) (found bool, err error)
	// WriteJSON atomically writes a value as indented JSON.
	WriteJSON(path string, payload any) error
	// FileChecksum returns the hex checksum of a file's content.
	FileChecksum(path string) (string, error)
	// Fs exposes the backing filesystem.
	Fs() afero.Fs
}

// Cache is the filesystem-backed Store implementation.
type Cache struct {
	root     string
	fs       afero.Fs
	hashFunc HashFunc
}

// Option defines a function that configures a Cache.
type Option func(*Cache)

// Open creates a cache rooted at the given directory. The directory skeleton
// is created lazily by Ensure, not here, so opening a cache never touches
// the disk.
func Open(root string, options ...Option) *Cache {
	cache := &Cache{
		root:     root,
		fs:       afero.NewOsFs(),
		hashFunc: defaultHashFunc,
	}
	for _, option := range options {
		option(cache)
	}
	return cache
}

// DefaultCacheRoot resolves the cache directory: the REFUA_DATA_HOME
// environment variable when set, otherwise ~/.cache/refua-data.
func DefaultCacheRoot() string {
	if root := os.Getenv("REFUA_DATA_HOME"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "refua-data")
	}
	return filepath.Join(home, ".cache", "refua-data")
}

// Ensure creates the cache directory skeleton.
func (c *Cache) Ensure() error {
	dirs := []string{
		filepath.Join(c.root, "raw"),
		filepath.Join(c.root, "parquet"),
		filepath.Join(c.root, "_meta", "raw"),
		filepath.Join(c.root, "_meta", "parquet"),
	}
	for _, dir := range dirs {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}
	return nil
}

// RawFile returns raw/<id>/<version>/<preferred filename>.
func (c *Cache) RawFile(dataset *Dataset) string {
	return filepath.Join(c.root, "raw", dataset.ID, dataset.version(), dataset.PreferredFilename())
}

// RawMetaFile returns _meta/raw/<id>/<version>/<preferred filename>.json.
func (c *Cache) RawMetaFile(dataset *Dataset) string {
	return filepath.Join(c.root, "_meta", "raw", dataset.ID, dataset.version(), dataset.PreferredFilename()+".json")
}

// ParquetDir returns parquet/<id>/<version>.
func (c *Cache) ParquetDir(dataset *Dataset) string {
	return filepath.Join(c.root, "parquet", dataset.ID, dataset.version())
}

// ManifestFile returns _meta/parquet/<id>/<version>/manifest.json.
func (c *Cache) ManifestFile(dataset *Dataset) string {
	return filepath.Join(c.root, "_meta", "parquet", dataset.ID, dataset.version(), "manifest.json")
}

// ReadJSON decodes the JSON document at path into the target value.
// A missing file is not an error: it reports found=false.
func (c *Cache) ReadJSON(path string, into any) (bool, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return true, nil
}

// WriteJSON marshals the payload as two-space-indented JSON and writes it
// atomically: first to a uniquely named temp sibling, then renamed into
// place.
func (c *Cache) WriteJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp := tempName(path)
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// FileChecksum returns the hex checksum of the file at path.
func (c *Cache) FileChecksum(path string) (string, error) {
	return checksumFile(c.fs, path, c.hashFunc)
}

// Fs returns the backing filesystem.
func (c *Cache) Fs() afero.Fs {
	return c.fs
}

// tempName derives a unique temp sibling for an in-flight write, so a
// crashed run never collides with a later one.
func tempName(path string) string {
	return path + ".tmp-" + uuid.NewString()[:8]
}
