package artifact

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/omniforge/zonemind/internal/models"
)

// hashReadBuffer is the chunk size for streaming hash computation. Large
// enough to keep ISO-sized reads efficient without pinning memory.
const hashReadBuffer = 1 << 20

func hasherFor(algorithm models.ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case models.ChecksumMD5:
		return md5.New(), nil
	case models.ChecksumSHA1:
		return sha1.New(), nil
	case models.ChecksumSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// HashFile stream-reads a file and returns its hex digest. The context is
// checked between chunks so multi-gigabyte hashes stay cancellable.
func HashFile(ctx context.Context, path string, algorithm models.ChecksumAlgorithm) (string, error) {
	h, err := hasherFor(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, hashReadBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
