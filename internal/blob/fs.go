package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const metaSuffix = ".meta"

// FS stores blobs as files under a root directory. Each blob has a JSON
// sidecar holding its Info.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("blob: filesystem root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) Driver() Driver { return DriverFilesystem }

// Root is the directory blobs live under.
func (s *FS) Root() string { return s.root }

func sanitizeKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("blob: empty key")
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	if strings.HasSuffix(clean, metaSuffix) {
		return "", fmt.Errorf("blob: key %q uses reserved suffix", key)
	}
	return clean, nil
}

func (s *FS) paths(key string) (string, string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	p := filepath.Join(s.root, filepath.FromSlash(clean))
	return p, p + metaSuffix, nil
}

func (s *FS) Put(_ context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	path, metaPath, err := s.paths(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return Info{}, fmt.Errorf("blob %s: %w", key, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return Info{}, err
	}
	defer os.Remove(tmp.Name())
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Info{}, fmt.Errorf("write blob %s: %w", key, err)
	}
	info := Info{
		Key:          key,
		Size:         n,
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(h.Sum(nil)),
		Metadata:     cloneMetadata(opts.Metadata),
		LastModified: time.Now().UTC(),
	}
	// Link fails if a concurrent writer got there first.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Info{}, fmt.Errorf("blob %s: %w", key, ErrExists)
		}
		return Info{}, err
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return Info{}, err
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return Info{}, err
	}
	return info, nil
}

func (s *FS) readInfo(key, path, metaPath string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, fmt.Errorf("blob %s: %w", key, ErrNotFound)
		}
		return Info{}, err
	}
	info := Info{Key: key, Size: st.Size(), LastModified: st.ModTime().UTC()}
	if b, err := os.ReadFile(metaPath); err == nil {
		if err := json.Unmarshal(b, &info); err != nil {
			return Info{}, fmt.Errorf("blob %s: corrupt metadata: %w", key, err)
		}
	}
	return info, nil
}

func (s *FS) Head(_ context.Context, key string) (Info, error) {
	path, metaPath, err := s.paths(key)
	if err != nil {
		return Info{}, err
	}
	return s.readInfo(key, path, metaPath)
}

func (s *FS) Get(_ context.Context, key string) (Info, io.ReadCloser, error) {
	path, metaPath, err := s.paths(key)
	if err != nil {
		return Info{}, nil, err
	}
	info, err := s.readInfo(key, path, metaPath)
	if err != nil {
		return Info{}, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, nil, err
	}
	return info, f, nil
}

func (s *FS) Delete(_ context.Context, key string) (bool, error) {
	path, metaPath, err := s.paths(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

func (s *FS) List(_ context.Context, prefix string) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, metaSuffix) || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.readInfo(key, p, p+metaSuffix)
		if err != nil {
			return err
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
