package refuadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// HashFunc constructs the hash used for raw-file checksums.
type HashFunc func() hash.Hash

// NowFunc supplies timestamps for metadata and manifests.
type NowFunc func() time.Time

// defaultHashFunc is SHA-256. Checksums guard cached artifacts against
// corruption and descriptor drift, so a cryptographic digest is the default.
func defaultHashFunc() hash.Hash {
	return sha256.New()
}

// Checksums stream the file in fixed-size blocks.
const checksumBlockSize = 4 * 1024 * 1024 // 4MiB

// bufferPool is a pool of byte slices used for file I/O during checksumming
// and download streaming.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, checksumBlockSize)
		return &buffer
	},
}

// checksumFile streams a file through the hash and returns the hex digest.
func checksumFile(fs afero.Fs, path string, hashFunc HashFunc) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := hashFunc()

	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	if _, err := io.CopyBuffer(h, f, buffer); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
