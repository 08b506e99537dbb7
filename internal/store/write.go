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

// Run describes one stored production run.
type Run struct {
	ID         string `json:"id"`
	Key        string `json:"run_key"`
	Site       string `json:"site"`
	Label      string `json:"label,omitempty"`
	Chains     int    `json:"chains"`
	Iterations int    `json:"iterations"`
	Burnin     int    `json:"burnin"`
	Thin       int    `json:"thin"`
	Seed       uint64 `json:"seed"`
	SpecHash   string `json:"spec_hash"`
	Converged  bool   `json:"converged"`
	Seq        int64  `json:"seq"`
}

// WriteRun stores a run with its draws and diagnostics in one transaction.
//
// run.ID must be set by the caller; run.Seq is assigned here. If a run with
// the same run.Key already exists nothing is written and the stored id is
// returned with inserted=false.
//
// Iterations and Chains are taken from d.
func (s *Store) WriteRun(ctx context.Context, run Run, d *sampler.Draws, report *diagnostics.Report) (id string, inserted bool, err error) {
	if run.ID == "" || run.Key == "" {
		return "", false, fmt.Errorf("write run: id and run key are required")
	}
	if d == nil || len(d.Names()) == 0 {
		return "", false, fmt.Errorf("write run: no draws")
	}
	if run.Thin < 1 {
		run.Thin = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("write run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM runs WHERE run_key = ?`, run.Key).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("write run: lookup key: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM runs`).Scan(&seq); err != nil {
		return "", false, fmt.Errorf("write run: next seq: %w", err)
	}

	converged := report != nil && report.Converged
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, run_key, site, label, chains, iterations, burnin, thin, seed, spec_hash, converged, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Key,
		run.Site,
		run.Label,
		d.Chains(),
		d.Iterations(),
		run.Burnin,
		run.Thin,
		strconv.FormatUint(run.Seed, 10), // sqlite has no unsigned 64-bit integer
		run.SpecHash,
		converged,
		seq,
	)
	if err != nil {
		return "", false, fmt.Errorf("write run: %w", err)
	}

	if err := writeDraws(ctx, tx, run.ID, d); err != nil {
		return "", false, err
	}
	if report != nil {
		if err := writeDiagnostics(ctx, tx, run.ID, report); err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("write run: commit: %w", err)
	}
	return run.ID, true, nil
}

func writeDraws(ctx context.Context, tx *sql.Tx, runID string, d *sampler.Draws) error {
	paramStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_params (run_id, position, name, dim) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write params: prepare: %w", err)
	}
	defer paramStmt.Close()

	drawStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO draws (run_id, param, idx, chain, iter, value) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write draws: prepare: %w", err)
	}
	defer drawStmt.Close()

	for pos, name := range d.Names() {
		dim := d.Dim(name)
		if _, err := paramStmt.ExecContext(ctx, runID, pos, name, dim); err != nil {
			return fmt.Errorf("write params %q: %w", name, err)
		}
		for c := 0; c < d.Chains(); c++ {
			m, err := d.Chain(name, c)
			if err != nil {
				return err
			}
			rows, cols := m.Dims()
			for it := 0; it < rows; it++ {
				for idx := 0; idx < cols; idx++ {
					if _, err := drawStmt.ExecContext(ctx, runID, name, idx, c, it, m.At(it, idx)); err != nil {
						return fmt.Errorf("write draws %s chain %d iter %d: %w", sampler.Label(name, idx, cols), c, it, err)
					}
				}
			}
		}
	}
	return nil
}

func writeDiagnostics(ctx context.Context, tx *sql.Tx, runID string, report *diagnostics.Report) error {
	for _, v := range report.Values {
		var psrf sql.NullFloat64
		if !math.IsNaN(v.PSRF) {
			psrf = sql.NullFloat64{Float64: v.PSRF, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO diagnostics (run_id, param, psrf) VALUES (?, ?, ?)
		`, runID, v.Param, psrf); err != nil {
			return fmt.Errorf("write diagnostics %q: %w", v.Param, err)
		}
	}
	return nil
}

// DeleteRun removes a run and everything stored with it.
// Returns ErrRunNotFound if the id is unknown.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete run %q: %w", id, ErrRunNotFound)
	}
	return nil
}
