package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/zoey-rw/SOaP/internal/diagnostics"
	"github.com/zoey-rw/SOaP/internal/sampler"
)

// ErrRunNotFound is returned when no run matches an id or key.
var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, run_key, site, label, chains, iterations, burnin, thin, seed, spec_hash, converged, seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r    Run
		seed string
	)
	if err := row.Scan(&r.ID, &r.Key, &r.Site, &r.Label, &r.Chains, &r.Iterations,
		&r.Burnin, &r.Thin, &seed, &r.SpecHash, &r.Converged, &r.Seq); err != nil {
		return Run{}, err
	}
	v, err := strconv.ParseUint(seed, 10, 64)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: invalid seed %q: %w", r.ID, seed, err)
	}
	r.Seed = v
	return r, nil
}

// ReadRun returns the run with the given id.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("read run %q: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run %q: %w", id, err)
	}
	return r, nil
}

// FindRun returns the run stored under a content-addressed key.
func (s *Store) FindRun(ctx context.Context, key string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_key = ?`, key)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("find run: %w", ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("find run: %w", err)
	}
	return r, nil
}

// LatestRun returns the most recently written run, optionally for one site.
func (s *Store) LatestRun(ctx context.Context, site string) (Run, error) {
	runs, err := s.ListRuns(ctx, site)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrRunNotFound
	}
	return runs[len(runs)-1], nil
}

// ListRuns returns runs ordered by seq then id. An empty site lists every run.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListRuns(ctx context.Context, site string) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if site != "" {
		query += ` WHERE site = ?`
		args = append(args, site)
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadDraws reconstructs the draws of a run.
func (s *Store) ReadDraws(ctx context.Context, id string) (*sampler.Draws, error) {
	run, err := s.ReadRun(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, dim FROM run_params WHERE run_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query params: %w", err)
	}
	var names []string
	dims := make(map[string]int)
	for rows.Next() {
		var (
			name string
			dim  int
		)
		if err := rows.Scan(&name, &dim); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan params: %w", err)
		}
		names = append(names, name)
		dims[name] = dim
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate params: %w", err)
	}

	d := sampler.NewDraws(run.Chains, run.Iterations, names, dims)

	rows, err = s.db.QueryContext(ctx, `
		SELECT param, idx, chain, iter, value FROM draws WHERE run_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query draws: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			param            string
			idx, chain, iter int
			value            float64
		)
		if err := rows.Scan(&param, &idx, &chain, &iter, &value); err != nil {
			return nil, fmt.Errorf("scan draws: %w", err)
		}
		if dims[param] <= idx || chain >= run.Chains || iter >= run.Iterations {
			return nil, fmt.Errorf("run %s: draw %s chain %d iter %d outside the stored shape", id, sampler.Label(param, idx, dims[param]), chain, iter)
		}
		d.Set(param, chain, iter, idx, value)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draws: %w", err)
	}

	want := 0
	for _, name := range names {
		want += dims[name] * run.Chains * run.Iterations
	}
	if count != want {
		return nil, fmt.Errorf("run %s: %d draws stored, expected %d", id, count, want)
	}
	return d, nil
}

// ReadDiagnostics returns the stored PSRF values of a run ordered by
// parameter label. Values stored as NULL are NaN.
func (s *Store) ReadDiagnostics(ctx context.Context, id string) ([]diagnostics.Value, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT param, psrf FROM diagnostics WHERE run_id = ? ORDER BY param COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	values := []diagnostics.Value{}
	for rows.Next() {
		var (
			v    diagnostics.Value
			psrf sql.NullFloat64
		)
		if err := rows.Scan(&v.Param, &psrf); err != nil {
			return nil, fmt.Errorf("scan diagnostics: %w", err)
		}
		v.PSRF = math.NaN()
		if psrf.Valid {
			v.PSRF = psrf.Float64
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return values, nil
}
