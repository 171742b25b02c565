// Calibration run history backed by sqlite
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package history persists finished calibration runs so they can be
// listed and compared later.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/report"
	"gantry-twist-go/pkg/sampling"
)

// ErrNotFound is returned when no run matches an ID.
var ErrNotFound = errors.New("run not found")

// Store is the run history database.
type Store struct {
	db  *sql.DB
	log *log.Logger
}

// Open opens or creates the database at path and applies pending
// migrations. ":memory:" gives a private in-memory store.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.GetLogger("history")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases and pragmas shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", path, err)
	}
	s := &Store{db: db, log: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one row of the history listing.
type Run struct {
	report.Meta
	Mean     sql.NullFloat64
	StdDev   sql.NullFloat64
	Range    sql.NullFloat64
	HasTable bool
}

// Consume records snap. It satisfies the orchestrator's consumer
// interface.
func (s *Store) Consume(ctx context.Context, snap *report.Snapshot) error {
	if err := s.Save(ctx, snap); err != nil {
		return err
	}
	s.log.Info("Run %s recorded in history (%d samples)", snap.Meta.RunID, len(snap.Samples))
	return nil
}

// Save records a run, its samples and its table in one transaction.
// Saving the same run ID twice fails.
func (s *Store) Save(ctx context.Context, snap *report.Snapshot) error {
	if snap.Meta.RunID == "" {
		return errors.New("run ID is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m := snap.Meta
	var mean, stddev, rng sql.NullFloat64
	if len(snap.Samples) > 0 {
		sum := report.Summarize(sampling.Deltas(snap.Samples))
		mean = sql.NullFloat64{Float64: sum.Mean, Valid: true}
		stddev = sql.NullFloat64{Float64: sum.StdDev, Valid: true}
		rng = sql.NullFloat64{Float64: sum.Range, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, mode, outcome, error, debug, grid_size,
			points_completed, points_failed, total_points, z_height,
			x_min, x_max, y_min, y_max, started_at, finished_at,
			delta_mean, delta_stddev, delta_range
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, string(m.Mode), m.Outcome, m.Error, m.Debug, m.GridSize,
		m.PointsCompleted, m.PointsFailed, m.TotalPoints, m.ZHeight,
		boundMin(m.X), boundMax(m.X), boundMin(m.Y), boundMax(m.Y),
		m.StartedAt.UnixMilli(), m.FinishedAt.UnixMilli(),
		mean, stddev, rng,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", m.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (run_id, idx, x, y, z_commanded, contact, proximity, delta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, smp := range snap.Samples {
		if _, err := stmt.ExecContext(ctx, m.RunID, smp.Index, smp.X, smp.Y,
			smp.ZCommanded, smp.Contact, smp.Proximity, smp.Delta); err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", smp.Index, err)
		}
	}

	if t := snap.Table; t != nil {
		vals, err := json.Marshal(t.Values)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO compensation_tables (run_id, axis, start, end_pos, vals) VALUES (?, ?, ?, ?, ?)`,
			m.RunID, string(t.Axis), t.Start, t.End, string(vals)); err != nil {
			return fmt.Errorf("failed to insert table: %w", err)
		}
	}
	return tx.Commit()
}

// ListOptions filters List. Zero values select everything.
type ListOptions struct {
	Limit int
	Mode  grid.Mode
	Since time.Time
}

const runColumns = `
	r.id, r.mode, r.outcome, r.error, r.debug, r.grid_size,
	r.points_completed, r.points_failed, r.total_points, r.z_height,
	r.x_min, r.x_max, r.y_min, r.y_max, r.started_at, r.finished_at,
	r.delta_mean, r.delta_stddev, r.delta_range,
	t.run_id IS NOT NULL`

// List returns runs, most recent first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Run, error) {
	var where []string
	var args []any
	if opts.Mode != "" {
		where = append(where, "r.mode = ?")
		args = append(args, string(opts.Mode))
	}
	if !opts.Since.IsZero() {
		where = append(where, "r.finished_at >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	q := "SELECT " + runColumns + " FROM runs r LEFT JOIN compensation_tables t ON t.run_id = r.id"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY r.finished_at DESC, r.id"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                      Run
		mode                   string
		xMin, xMax, yMin, yMax sql.NullFloat64
		started, finished      int64
	)
	err := sc.Scan(
		&r.RunID, &mode, &r.Outcome, &r.Error, &r.Debug, &r.GridSize,
		&r.PointsCompleted, &r.PointsFailed, &r.TotalPoints, &r.ZHeight,
		&xMin, &xMax, &yMin, &yMax, &started, &finished,
		&r.Mean, &r.StdDev, &r.Range, &r.HasTable,
	)
	if err != nil {
		return Run{}, err
	}
	r.Mode = grid.Mode(mode)
	r.X = bounds(xMin, xMax)
	r.Y = bounds(yMin, yMax)
	r.StartedAt = time.UnixMilli(started)
	r.FinishedAt = time.UnixMilli(finished)
	return r, nil
}

// Resolve expands a unique ID prefix to the full run ID.
func (s *Store) Resolve(ctx context.Context, prefix string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE substr(id, 1, ?) = ? LIMIT 2`, len(prefix), prefix)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("run ID prefix %q is ambiguous", prefix)
}

// Get loads a full snapshot by ID or unique ID prefix.
func (s *Store) Get(ctx context.Context, id string) (*report.Snapshot, error) {
	id, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+
		" FROM runs r LEFT JOIN compensation_tables t ON t.run_id = r.id WHERE r.id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	snap := &report.Snapshot{Meta: run.Meta}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, x, y, z_commanded, contact, proximity, delta
		FROM samples WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var smp sampling.Sample
		if err := rows.Scan(&smp.Index, &smp.X, &smp.Y, &smp.ZCommanded,
			&smp.Contact, &smp.Proximity, &smp.Delta); err != nil {
			return nil, err
		}
		snap.Samples = append(snap.Samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if run.HasTable {
		var (
			axis string
			vals string
			t    compensation.Table
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT axis, start, end_pos, vals FROM compensation_tables WHERE run_id = ?`, id,
		).Scan(&axis, &t.Start, &t.End, &vals)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vals), &t.Values); err != nil {
			return nil, fmt.Errorf("decode table of run %s: %w", id, err)
		}
		t.Axis = compensation.Axis(axis)
		snap.Table = &t
	}
	return snap, nil
}

// Delete removes a run and everything recorded with it.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func boundMin(b *grid.Bounds) sql.NullFloat64 {
	if b == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: b.Min, Valid: true}
}

func boundMax(b *grid.Bounds) sql.NullFloat64 {
	if b == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: b.Max, Valid: true}
}

func bounds(lo, hi sql.NullFloat64) *grid.Bounds {
	if !lo.Valid || !hi.Valid {
		return nil
	}
	return &grid.Bounds{Min: lo.Float64, Max: hi.Float64}
}
