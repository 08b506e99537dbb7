package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/zoey-rw/SOaP/internal/diagnostics"
	"github.com/zoey-rw/SOaP/internal/sampler"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testDraws has 2 chains x 3 iterations of a scalar phi and a 2-element x,
// every value distinct.
func testDraws() *sampler.Draws {
	d := sampler.NewDraws(2, 3, []string{"phi", "x"}, map[string]int{"phi": 1, "x": 2})
	for c := 0; c < 2; c++ {
		for i := 0; i < 3; i++ {
			d.Set("phi", c, i, 0, float64(c*10+i)/10)
			d.Set("x", c, i, 0, float64(100+c*10+i))
			d.Set("x", c, i, 1, -float64(100+c*10+i))
		}
	}
	return d
}

func testRun(id, key, site string) Run {
	return Run{
		ID:       id,
		Key:      key,
		Site:     site,
		Burnin:   1000,
		Thin:     1,
		Seed:     math.MaxUint64,
		SpecHash: "spec-hash",
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"runs", "run_params", "draws", "diagnostics"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q not found", table)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	for name, want := range map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"user_version": "1",
	} {
		var got string
		require.NoError(t, s.db.QueryRow("PRAGMA "+name).Scan(&got))
		assert.Equal(t, want, got, name)
	}
}

func TestWriteRun_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	d := testDraws()
	report := &diagnostics.Report{
		Threshold: 1.1,
		Values:    []diagnostics.Value{{Param: "phi", PSRF: 1.01}, {Param: "x[1]", PSRF: math.Inf(1)}},
	}

	id, inserted, err := s.WriteRun(ctx, testRun("run-1", "key-1", "HARV"), d, report)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "run-1", id)

	run, err := s.ReadRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Chains)
	assert.Equal(t, 3, run.Iterations)
	assert.Equal(t, uint64(math.MaxUint64), run.Seed)
	assert.Equal(t, int64(1), run.Seq)
	assert.False(t, run.Converged)

	got, err := s.ReadDraws(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, d.Names(), got.Names())
	for _, name := range d.Names() {
		for c := 0; c < d.Chains(); c++ {
			want, _ := d.Chain(name, c)
			have, err := got.Chain(name, c)
			require.NoError(t, err)
			assert.True(t, mat.Equal(want, have), "%s chain %d", name, c)
		}
	}

	diag, err := s.ReadDiagnostics(ctx, id)
	require.NoError(t, err)
	require.Len(t, diag, 2)
	assert.Equal(t, "phi", diag[0].Param)
	assert.Equal(t, 1.01, diag[0].PSRF)
	assert.True(t, math.IsInf(diag[1].PSRF, 1))
}

func TestWriteRun_IdempotentOnKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.WriteRun(ctx, testRun("run-1", "key-1", "HARV"), testDraws(), nil)
	require.NoError(t, err)

	id, inserted, err := s.WriteRun(ctx, testRun("run-2", "key-1", "HARV"), testDraws(), nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "run-1", id)

	runs, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	found, err := s.FindRun(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", found.ID)
}

func TestListRuns_OrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, site := range []string{"OSBS", "HARV", "OSBS"} {
		id := []string{"c", "b", "a"}[i]
		_, _, err := s.WriteRun(ctx, testRun(id, "key-"+id, site), testDraws(), nil)
		require.NoError(t, err)
	}

	all, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	osbs, err := s.ListRuns(ctx, "OSBS")
	require.NoError(t, err)
	require.Len(t, osbs, 2)
	assert.Equal(t, int64(3), osbs[1].Seq)

	latest, err := s.LatestRun(ctx, "HARV")
	require.NoError(t, err)
	assert.Equal(t, "b", latest.ID)

	empty, err := s.ListRuns(ctx, "CPER")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ReadRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.ReadDraws(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.FindRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.LatestRun(ctx, "")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.DeleteRun(ctx, "missing"), ErrRunNotFound)
}

func TestDeleteRun_Cascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.WriteRun(ctx, testRun("run-1", "key-1", "HARV"), testDraws(), &diagnostics.Report{
		Values: []diagnostics.Value{{Param: "phi", PSRF: 1}},
	})
	require.NoError(t, err)
	require.NoError(t, s.DeleteRun(ctx, "run-1"))

	for _, table := range []string{"draws", "run_params", "diagnostics"} {
		var n int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Zero(t, n, table)
	}
}

func TestWriteRun_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.WriteRun(ctx, testRun("", "key", "HARV"), testDraws(), nil)
	assert.Error(t, err)
	_, _, err = s.WriteRun(ctx, testRun("id", "key", "HARV"), nil, nil)
	assert.Error(t, err)
}
