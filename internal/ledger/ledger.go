// Package ledger keeps a table of simulation runs in SQLite or Postgres. A
// Ledger satisfies ssa.Recorder.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/njchilds90/gossa/ssa"
)

var _ ssa.Recorder = (*Ledger)(nil)

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	network TEXT NOT NULL,
	digest TEXT NOT NULL,
	backend TEXT NOT NULL,
	mode TEXT NOT NULL,
	sims INTEGER NOT NULL,
	slots INTEGER NOT NULL,
	checkpoints INTEGER NOT NULL,
	threads INTEGER NOT NULL,
	blocks INTEGER NOT NULL,
	seed BIGINT NOT NULL,
	started_ns BIGINT NOT NULL,
	elapsed_ns BIGINT NOT NULL,
	error TEXT NOT NULL
)`

// Ledger records runs.
type Ledger struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn, either "sqlite:<path>" (":memory:" works) or a
// postgres:// URL, and creates the runs table.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	var driver, src string
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		driver, src = "sqlite", strings.TrimPrefix(dsn, "sqlite:")
		if src == "" {
			return nil, errors.New("ledger: sqlite dsn needs a path")
		}
		if src != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(src), 0o750); err != nil {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
		}
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		driver, src = "pgx", dsn
	default:
		return nil, fmt.Errorf("ledger: unsupported dsn %q (want sqlite:<path> or postgres://...)", dsn)
	}
	db, err := sql.Open(driver, src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one connection so that :memory: is a single database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &Ledger{db: db, driver: driver}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// rebind rewrites ? placeholders as $n for postgres.
func (l *Ledger) rebind(q string) string {
	if l.driver != "pgx" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record inserts rec.
func (l *Ledger) Record(ctx context.Context, rec ssa.RunRecord) error {
	_, err := l.db.ExecContext(ctx, l.rebind(`INSERT INTO runs
		(id, network, digest, backend, mode, sims, slots, checkpoints, threads, blocks, seed, started_ns, elapsed_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID.String(), rec.Network, rec.Digest, rec.Backend, string(rec.Mode),
		rec.Sims, rec.Slots, rec.Checkpoints, rec.Threads, rec.Blocks,
		int64(rec.Seed), rec.Started.UnixNano(), int64(rec.Elapsed), rec.Err)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to n runs, newest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]ssa.RunRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, l.rebind(`SELECT
		id, network, digest, backend, mode, sims, slots, checkpoints, threads, blocks, seed, started_ns, elapsed_ns, error
		FROM runs ORDER BY started_ns DESC, id LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ssa.RunRecord
	for rows.Next() {
		var (
			rec              ssa.RunRecord
			id, mode         string
			seed             int64
			started, elapsed int64
		)
		if err := rows.Scan(&id, &rec.Network, &rec.Digest, &rec.Backend, &mode,
			&rec.Sims, &rec.Slots, &rec.Checkpoints, &rec.Threads, &rec.Blocks,
			&seed, &started, &elapsed, &rec.Err); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		rec.Mode = ssa.Mode(mode)
		rec.Seed = uint64(seed)
		rec.Started = time.Unix(0, started)
		rec.Elapsed = time.Duration(elapsed)
		out = append(out, rec)
	}
	return out, rows.Err()
}
