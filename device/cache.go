package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/njchilds90/gossa/internal/blob"
)

// Cache keeps built CUDA artifacts in a blob store so a kernel with the same
// source and build flags is compiled once per store rather than once per
// process.
type Cache struct {
	store  blob.Store
	logger *slog.Logger
}

// NewCache wraps store. A nil store yields a nil Cache, which never hits.
func NewCache(store blob.Store, logger *slog.Logger) *Cache {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger}
}

// ArtifactKey names the artifacts of source digest built with flags.
func ArtifactKey(digest string, flags []string) string {
	h := sha256.New()
	h.Write([]byte(digest))
	for _, f := range flags {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return "kernels/" + hex.EncodeToString(h.Sum(nil))[:32]
}

// fetch copies key/name to dst. It reports false on a miss.
func (c *Cache) fetch(ctx context.Context, key, name, dst string, mode os.FileMode) (bool, error) {
	if c == nil {
		return false, nil
	}
	_, rc, err := c.store.Get(ctx, key+"/"+name)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch %s/%s: %w", key, name, err)
	}
	defer rc.Close()
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}

// put stores the file at src as key/name. A concurrent writer storing the
// same key first is not an error.
func (c *Cache) put(ctx context.Context, key, name, src string, meta map[string]string) error {
	if c == nil {
		return nil
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = c.store.Put(ctx, key+"/"+name, f, blob.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    meta,
	})
	if errors.Is(err, blob.ErrExists) {
		return nil
	}
	return err
}

// Entries lists cached artifact keys.
func (c *Cache) Entries(ctx context.Context) ([]string, error) {
	if c == nil {
		return nil, nil
	}
	infos, err := c.store.List(ctx, "kernels/")
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, inf := range infos {
		if k, ok := strings.CutSuffix(inf.Key, "/"+harnessName); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
