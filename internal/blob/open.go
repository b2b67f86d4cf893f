package blob

import (
	"context"
	"fmt"
)

// DriverNone disables artifact storage.
const DriverNone Driver = "none"

// Config selects and parameterizes a Store. The config package fills it from
// the GOSSA_BLOB_* environment variables.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open returns the configured Store, or nil for DriverNone.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		root := cfg.FSRoot
		if root == "" {
			root = "./gossa-artifacts"
		}
		return NewFS(root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	case DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
