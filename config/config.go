// Package config reads gossa settings from the environment and builds the
// collaborators they describe.
//
// Variables (all optional):
//
//	GOSSA_BACKEND             host | cuda (default host)
//	GOSSA_NVCC                nvcc binary
//	GOSSA_NVCC_FLAGS          extra nvcc flags, whitespace separated
//	GOSSA_PRECISION           32 | 64 (default 32)
//	GOSSA_THREADS             threads per block (default 32)
//	GOSSA_SEED                RNG seed, 0 draws one from the clock
//	GOSSA_WORKDIR             scratch directory for builds and subprocesses
//	GOSSA_KEEP_SOURCE         keep generated files (bool)
//	GOSSA_BLOB_DRIVER         fs | s3 | memory | none (default fs)
//	GOSSA_BLOB_FS_ROOT        fs driver root
//	GOSSA_BLOB_S3_BUCKET      s3 bucket
//	GOSSA_BLOB_S3_PREFIX      s3 key prefix
//	GOSSA_BLOB_S3_REGION      s3 region
//	GOSSA_BLOB_S3_ENDPOINT    s3 endpoint override (minio, localstack)
//	GOSSA_BLOB_S3_PATH_STYLE  path-style addressing (bool)
//	GOSSA_BLOB_S3_ACCESS_KEY  static credentials, with GOSSA_BLOB_S3_SECRET_KEY
//	GOSSA_LEDGER_DSN          sqlite:<path> or postgres://...
//	GOSSA_BNG_PATH            BNG2.pl
//	GOSSA_PERL                perl binary
//	GOSSA_STOCHKIT_SSA        StochKit ssa driver
//	GOSSA_LOG_LEVEL           debug | info | warn | error (default info)
//	GOSSA_LOG_FORMAT          text | json | auto (default auto)
package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/bng"
	"github.com/njchilds90/gossa/device"
	"github.com/njchilds90/gossa/internal/blob"
	"github.com/njchilds90/gossa/propensity"
	"github.com/njchilds90/gossa/stochkit"
)

// Prefix is prepended to every variable name.
const Prefix = "GOSSA_"

// Config holds the parsed environment.
type Config struct {
	Backend     string
	NVCC        string
	NVCCFlags   []string
	Precision   propensity.Precision
	Threads     int
	Seed        uint64
	WorkDir     string
	KeepSource  bool
	Blob        blob.Config
	LedgerDSN   string
	BNGPath     string
	Perl        string
	StochKitSSA string
	Log         LogConfig
}

// Default returns the settings used when no variable is set.
func Default() Config {
	return Config{
		Backend:   device.HostName,
		Precision: propensity.Single,
		Threads:   32,
		Blob:      blob.Config{Driver: blob.DriverFilesystem},
		Log:       LogConfig{Level: "info", Format: FormatAuto},
	}
}

// Load reads the process environment.
func Load() (Config, error) {
	return FromEnv(os.LookupEnv)
}

type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(name string, dst *string) {
	if v, ok := r.lookup(Prefix + name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (r *reader) path(name string, dst *string) {
	var v string
	r.str(name, &v)
	if v == "" {
		return
	}
	p, err := homedir.Expand(v)
	if err != nil {
		r.fail(name, err.Error())
		return
	}
	*dst = p
}

func (r *reader) boolean(name string, dst *bool) {
	var v string
	r.str(name, &v)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(name, "want a boolean, got "+strconv.Quote(v))
		return
	}
	*dst = b
}

func (r *reader) fail(name, reason string) {
	if r.err == nil {
		r.err = &gossa.ConfigurationError{Field: Prefix + name, Reason: reason}
	}
}

// FromEnv reads settings through lookup, which has the signature of
// os.LookupEnv. The first malformed value is reported as a
// ConfigurationError naming the variable.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	r := &reader{lookup: lookup}

	r.str("BACKEND", &c.Backend)
	c.Backend = strings.ToLower(c.Backend)
	if c.Backend != device.HostName && c.Backend != device.CUDAName {
		r.fail("BACKEND", "unknown backend "+strconv.Quote(c.Backend))
	}
	r.path("NVCC", &c.NVCC)
	var flags string
	r.str("NVCC_FLAGS", &flags)
	if flags != "" {
		c.NVCCFlags = strings.Fields(flags)
	}

	var s string
	r.str("PRECISION", &s)
	if s != "" {
		p, err := propensity.ParsePrecision(s)
		if err != nil {
			r.fail("PRECISION", err.Error())
		}
		c.Precision = p
	}
	s = ""
	r.str("THREADS", &s)
	if s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			r.fail("THREADS", "want a positive integer, got "+strconv.Quote(s))
		}
		c.Threads = n
	}
	s = ""
	r.str("SEED", &s)
	if s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			r.fail("SEED", "want an unsigned integer, got "+strconv.Quote(s))
		}
		c.Seed = n
	}
	r.path("WORKDIR", &c.WorkDir)
	r.boolean("KEEP_SOURCE", &c.KeepSource)

	s = ""
	r.str("BLOB_DRIVER", &s)
	if s != "" {
		switch d := blob.Driver(strings.ToLower(s)); d {
		case blob.DriverFilesystem, blob.DriverS3, blob.DriverMemory, blob.DriverNone:
			c.Blob.Driver = d
		default:
			r.fail("BLOB_DRIVER", "unknown driver "+strconv.Quote(s))
		}
	}
	r.path("BLOB_FS_ROOT", &c.Blob.FSRoot)
	r.str("BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	r.str("BLOB_S3_PREFIX", &c.Blob.S3.Prefix)
	r.str("BLOB_S3_REGION", &c.Blob.S3.Region)
	r.str("BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	r.boolean("BLOB_S3_PATH_STYLE", &c.Blob.S3.PathStyle)
	r.str("BLOB_S3_ACCESS_KEY", &c.Blob.S3.AccessKeyID)
	r.str("BLOB_S3_SECRET_KEY", &c.Blob.S3.SecretAccessKey)
	if c.Blob.Driver == blob.DriverS3 && c.Blob.S3.Bucket == "" {
		r.fail("BLOB_S3_BUCKET", "required by the s3 driver")
	}

	r.str("LEDGER_DSN", &c.LedgerDSN)
	r.path("BNG_PATH", &c.BNGPath)
	r.path("PERL", &c.Perl)
	r.path("STOCHKIT_SSA", &c.StochKitSSA)

	r.str("LOG_LEVEL", &c.Log.Level)
	if _, err := c.Log.level(); err != nil {
		r.fail("LOG_LEVEL", err.Error())
	}
	r.str("LOG_FORMAT", &c.Log.Format)
	c.Log.Format = strings.ToLower(c.Log.Format)
	switch c.Log.Format {
	case FormatText, FormatJSON, FormatAuto:
	default:
		r.fail("LOG_FORMAT", "want text, json or auto, got "+strconv.Quote(c.Log.Format))
	}

	if r.err != nil {
		return Config{}, r.err
	}
	return c, nil
}

// OpenBackend opens the artifact store and returns the configured backend.
// The store only backs the CUDA artifact cache.
func (c Config) OpenBackend(ctx context.Context, logger *slog.Logger) (device.Backend, error) {
	host := device.HostOptions{Logger: logger}
	if c.Backend != device.CUDAName {
		return device.New(c.Backend, host, device.CUDAOptions{})
	}
	store, err := blob.Open(ctx, c.Blob)
	if err != nil {
		return nil, &gossa.ConfigurationError{Field: Prefix + "BLOB_DRIVER", Reason: err.Error()}
	}
	return device.New(c.Backend, host, device.CUDAOptions{
		NVCC:       c.NVCC,
		Flags:      c.NVCCFlags,
		WorkDir:    c.WorkDir,
		KeepSource: c.KeepSource,
		Cache:      device.NewCache(store, logger),
		Logger:     logger,
	})
}

// BNG returns a BioNetGen runner.
func (c Config) BNG(logger *slog.Logger) *bng.Runner {
	return &bng.Runner{BNGPath: c.BNGPath, Perl: c.Perl, WorkDir: c.WorkDir, Keep: c.KeepSource, Logger: logger}
}

// StochKit returns a StochKit runner.
func (c Config) StochKit(logger *slog.Logger) *stochkit.Runner {
	return &stochkit.Runner{SSA: c.StochKitSSA, WorkDir: c.WorkDir, Keep: c.KeepSource, Logger: logger}
}
