package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"rekkord/rekkorderr"
)

// PathFor returns the cache database path for a given repository URL,
// under the user's cache directory. Repository URLs are hashed rather
// than used verbatim as a
// filename since they may contain characters ('/', ':') that are not safe
// path components across all platforms.
func PathFor(repositoryURL string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", rekkorderr.New(rekkorderr.Io, "locate cache dir", err)
	}
	sum := sha256.Sum256([]byte(repositoryURL))
	dir := filepath.Join(base, "rekkord")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", rekkorderr.New(rekkorderr.Io, "locate cache dir", err)
	}
	return filepath.Join(dir, hex.EncodeToString(sum[:])+".db"), nil
}
