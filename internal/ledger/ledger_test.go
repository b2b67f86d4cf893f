package ledger

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gossa/ssa"
)

func record(started time.Time, seed uint64) ssa.RunRecord {
	return ssa.RunRecord{
		ID:          uuid.New(),
		Network:     "dimer",
		Digest:      "ab12",
		Backend:     "host",
		Mode:        ssa.ModeAll,
		Sims:        5,
		Slots:       32,
		Checkpoints: 11,
		Threads:     32,
		Blocks:      1,
		Seed:        seed,
		Started:     started,
		Elapsed:     1500 * time.Microsecond,
	}
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "db", "runs.db"))
	require.NoError(t, err)
	defer l.Close()

	t0 := time.Unix(1700000000, 0)
	first := record(t0, 7)
	second := record(t0.Add(time.Second), math.MaxUint64)
	second.Mode = ssa.ModeStep
	second.Err = "backend execution: cuda dispatch: exit status 3"
	require.NoError(t, l.Record(ctx, first))
	require.NoError(t, l.Record(ctx, second))
	assert.Error(t, l.Record(ctx, first), "duplicate id")

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, ssa.ModeStep, got[0].Mode)
	assert.Equal(t, uint64(math.MaxUint64), got[0].Seed)
	assert.Equal(t, second.Err, got[0].Err)
	assert.True(t, first.Started.Equal(got[1].Started))
	assert.Equal(t, first.Elapsed, got[1].Elapsed)
	assert.Equal(t, 32, got[1].Slots)

	got, err = l.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpen_BadDSN(t *testing.T) {
	ctx := context.Background()
	for _, dsn := range []string{"", "mysql://x", "sqlite:"} {
		_, err := Open(ctx, dsn)
		assert.Error(t, err, dsn)
	}
}

func TestRebind(t *testing.T) {
	pg := &Ledger{driver: "pgx"}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &Ledger{driver: "sqlite"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
