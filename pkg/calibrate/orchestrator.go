// Calibration run orchestration
//
// The orchestrator owns one run at a time: it plans the points, drives
// the sample collector, derives and writes compensation when the run
// covered every point, and hands a snapshot of the samples to consumers.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibrate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gantry-twist-go/pkg/compensation"
	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/fault"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/report"
	"gantry-twist-go/pkg/sampling"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateCancelled State = "cancelled"
)

// Homer homes the machine before a compensation run. Home is expected to
// leave the machine in absolute positioning.
type Homer interface {
	Home(ctx context.Context) error
	HomePosition(ctx context.Context) (x, y float64, err error)
}

// Consumer receives the snapshot of every finished run. Consumers run on
// their own goroutine and own the snapshot they are given.
type Consumer interface {
	Consume(ctx context.Context, snap *report.Snapshot) error
}

// Observer extends the per-point observer with run level events.
type Observer interface {
	sampling.Observer
	RunStarted(mode grid.Mode)
	RunFinished(mode grid.Mode, state State, d time.Duration)
	TableWritten(t *compensation.Table)
}

// Deps are the collaborators of an Orchestrator. Homer, Consumers,
// Observer and Logger are optional. Runtime defaults to the Writer's
// runtime and must be that runtime when set.
type Deps struct {
	Motion    sampling.Motion
	Probe     sampling.Probe
	Homer     Homer
	Writer    *compensation.Writer
	Runtime   *compensation.Runtime
	Consumers []Consumer
	Observer  Observer
	Logger    *log.Logger
}

// Request selects what to run. Zero counts use the configured values.
type Request struct {
	Mode        grid.Mode
	SampleCount int
	GridSize    int
	Debug       bool
}

// Result is what a run returns to its caller.
type Result struct {
	RunID    string
	State    State
	Stats    sampling.Stats
	Failures []sampling.Failure
	Table    *compensation.Table
}

// Status is a point-in-time view for status queries.
type Status struct {
	State     State     `json:"state"`
	RunID     string    `json:"run_id,omitempty"`
	Mode      grid.Mode `json:"mode,omitempty"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	LastState State     `json:"last_state,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Orchestrator runs calibrations. Only one run is active at a time.
type Orchestrator struct {
	settings   *Settings
	deps       Deps
	classifier *fault.Classifier
	collector  *sampling.Collector
	log        *log.Logger

	mu     sync.Mutex
	status Status

	cancelled atomic.Bool
	consumers sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New creates an orchestrator.
func New(settings *Settings, deps Deps) (*Orchestrator, error) {
	if settings == nil {
		return nil, calerrors.ConfigurationError("calibration settings are required")
	}
	if deps.Motion == nil || deps.Probe == nil {
		return nil, calerrors.ConfigurationError("motion and probe collaborators are required")
	}
	if deps.Writer == nil {
		return nil, calerrors.ConfigurationError("a compensation writer is required")
	}
	switch {
	case deps.Runtime == nil:
		deps.Runtime = deps.Writer.Runtime()
	case deps.Runtime != deps.Writer.Runtime():
		return nil, calerrors.ConfigurationError("runtime must be the compensation writer's runtime")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.GetLogger("calibrate")
	}
	var obs sampling.Observer
	if deps.Observer != nil {
		obs = deps.Observer
	}
	classifier := fault.New()
	classifier.Extend(settings.Markers...)

	return &Orchestrator{
		settings:   settings,
		deps:       deps,
		classifier: classifier,
		collector:  sampling.NewCollector(logger.WithPrefix("sampling"), obs),
		log:        logger,
		status:     Status{State: StateIdle},
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Cancel asks the active run to stop before its next point. It has no
// effect when idle.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State == StateRunning {
		o.cancelled.Store(true)
		o.log.Info("cancellation requested")
	}
}

// Wait blocks until every consumer dispatched so far has returned.
func (o *Orchestrator) Wait() {
	o.consumers.Wait()
}

// run is the state of one in-flight calibration.
type run struct {
	id      string
	req     Request
	plan    *grid.Plan
	total   int
	count   int
	homeRow bool
	opts    sampling.Options
	axis    compensation.Axis
	derive  bool
	started time.Time
}

var banner = strings.Repeat("=", 60)

// Run executes req to completion. A second call while a run is active
// fails with RUN_IN_PROGRESS. An invalid request fails with a
// CONFIGURATION error before the run starts. The returned Result is
// non-nil whenever the run started.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	r, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := o.begin(r); err != nil {
		return nil, err
	}

	res := &Result{RunID: r.id, State: StateAborted}
	var runErr error
	var samples []sampling.Sample
	defer func() {
		o.finish(r, res, runErr, samples)
	}()

	if r.homeRow {
		homeY, err := o.homeRowY(ctx)
		if err != nil {
			runErr = err
			return res, runErr
		}
		if r.plan, runErr = grid.HomeRow(o.settings.Utility.X, homeY, r.count); runErr != nil {
			return res, runErr
		}
		o.log.Info("X range: %.1f-%.1f, Y: %.1f", o.settings.Utility.X.Min, o.settings.Utility.X.Max, homeY)
	}

	if r.derive {
		resume := o.deps.Runtime.Suspend(r.axis)
		defer resume()
	}

	o.log.Info(banner)
	o.log.Info("Calibration %s (%s): %d points, Z %.3fmm", r.id, r.req.Mode, r.plan.Len(), r.opts.ZHeight)
	o.log.Info(banner)

	collected, err := o.collector.Run(ctx, r.plan, o.deps.Motion, o.deps.Probe, r.opts)
	if collected != nil {
		res.Stats = collected.Stats
		res.Failures = collected.Failures
		samples = collected.Samples
	}
	switch {
	case err != nil:
		runErr = err
		return res, runErr
	case res.Stats.Cancelled:
		res.State = StateCancelled
		return res, nil
	}
	res.State = StateCompleted

	if !r.derive {
		return res, nil
	}
	if res.Stats.Completed == 0 || res.Stats.Completed != res.Stats.TotalPlanned {
		o.log.Warn("Compensation not applied: %d/%d points measured", res.Stats.Completed, res.Stats.TotalPlanned)
		return res, nil
	}
	bounds, _ := r.plan.AxisBounds()
	table, err := compensation.Reduce(samples, r.axis, bounds)
	if err == nil {
		err = o.deps.Writer.Write(table)
	}
	if err != nil {
		res.State = StateAborted
		runErr = err
		return res, runErr
	}
	res.Table = table
	if o.deps.Observer != nil {
		o.deps.Observer.TableWritten(table)
	}
	o.log.Info("New compensation range: start=%s end=%s", fmtFloat(table.Start), fmtFloat(table.End))
	o.log.Info("New Z compensations: %s", fmtValues(table.Values))
	return res, nil
}

// begin moves idle to running.
func (o *Orchestrator) begin(r *run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State == StateRunning {
		return calerrors.RunInProgressError()
	}
	r.id, r.started = o.newID(), o.now()
	o.status = Status{
		State:     StateRunning,
		RunID:     r.id,
		Mode:      r.req.Mode,
		Total:     r.total,
		LastState: o.status.LastState,
		LastError: o.status.LastError,
	}
	o.cancelled.Store(false)
	if o.deps.Observer != nil {
		o.deps.Observer.RunStarted(r.req.Mode)
	}
	return nil
}

// prepare validates req and builds its plan without touching the machine
// or the run state. The compensation-only row is planned once homing has
// fixed its Y.
func (o *Orchestrator) prepare(req Request) (*run, error) {
	r := &run{req: req}
	if err := o.plan(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (o *Orchestrator) plan(r *run) error {
	a, u := o.settings.Axis, o.settings.Utility
	opts := sampling.Options{
		Classifier: o.classifier,
		Stop:       o.cancelled.Load,
		OnSample:   o.progress,
	}

	var err error
	switch mode := r.req.Mode; {
	case mode == grid.AxisX || mode == grid.AxisY:
		r.axis, r.derive = compensation.AxisX, true
		start, end, fixed, names := a.StartX, a.EndX, a.CalibrateY, "calibrate_start_x, calibrate_end_x and calibrate_y"
		if mode == grid.AxisY {
			r.axis = compensation.AxisY
			start, end, fixed, names = a.StartY, a.EndY, a.CalibrateX, "calibrate_start_y, calibrate_end_y and calibrate_x"
		}
		if start == nil || end == nil || fixed == nil {
			return calerrors.ConfigurationError("%s calibration requires %s to be defined", strings.ToUpper(string(r.axis)), names).
				SetSection(compensation.Section)
		}
		count := pick(r.req.SampleCount, a.SampleCount)
		if count < 2 || count > 10 {
			return calerrors.ConfigurationError("SAMPLE_COUNT must be between 2 and 10, got %d", count)
		}
		req := grid.Request{Mode: mode, Fixed: fixed, Count: count}
		b := grid.Bounds{Min: *start, Max: *end}
		if mode == grid.AxisX {
			req.X = &b
		} else {
			req.Y = &b
		}
		if r.plan, err = grid.New(req); err != nil {
			return err
		}
		opts.ZHeight, opts.Feedrate = a.ZHeight, a.Speed
		opts.SettleDelay, opts.PointDelay = a.SettleDelay, a.PointDelay
		opts.NoResult = sampling.PolicyFail

	case mode == grid.HomeRowMode:
		r.axis, r.derive, r.homeRow = compensation.AxisX, true, true
		if err := u.X.Validate("x"); err != nil {
			return err
		}
		r.count = pick(r.req.GridSize, u.GridSize)
		row, err := grid.HomeRow(u.X, u.Y.Mid(), r.count)
		if err != nil {
			return err
		}
		r.total = row.Len()
		o.utilityOptions(&opts)
		opts.NoResult = sampling.PolicyFail

	case mode.IsGrid():
		x, y := u.X, u.Y
		if r.plan, err = grid.New(grid.Request{Mode: mode, X: &x, Y: &y, Count: pick(r.req.GridSize, u.GridSize)}); err != nil {
			return err
		}
		o.utilityOptions(&opts)
		opts.NoResult = sampling.PolicyTruncate

	default:
		return calerrors.ConfigurationError("unknown sampling mode %q", string(mode))
	}

	r.opts = opts
	if r.plan != nil {
		r.total = r.plan.Len()
	}
	return nil
}

func (o *Orchestrator) utilityOptions(opts *sampling.Options) {
	u := o.settings.Utility
	opts.ZHeight, opts.Feedrate = u.ZHeight, u.Feedrate()
	opts.SettleDelay, opts.PointDelay = u.SettleDelay, u.PointDelay
}

// homeRowY homes the machine and picks the Y of the compensation row:
// calibrate_y when configured, else the homed Y, else the middle of the
// Y range. The Klipper gantry_twist_utility module uses the same order.
func (o *Orchestrator) homeRowY(ctx context.Context) (float64, error) {
	u := o.settings.Utility
	if o.deps.Homer != nil {
		o.log.Info("Homing all axes...")
		if err := o.deps.Homer.Home(ctx); err != nil {
			if o.classifier.IsFatal(err) {
				return 0, calerrors.FatalDeviceError(0, err)
			}
			return 0, fmt.Errorf("homing: %w", err)
		}
	}
	if u.CalibrateY != nil {
		return *u.CalibrateY, nil
	}
	if o.deps.Homer != nil {
		_, y, err := o.deps.Homer.HomePosition(ctx)
		if err == nil {
			return y, nil
		}
		o.log.WithError(err).Warn("home position unavailable, using the middle of the Y range")
	}
	return u.Y.Mid(), nil
}

func (o *Orchestrator) progress(s sampling.Sample) {
	o.mu.Lock()
	o.status.Completed++
	o.mu.Unlock()
}

// finish records the terminal state, dispatches the snapshot and returns
// the orchestrator to idle.
func (o *Orchestrator) finish(r *run, res *Result, runErr error, samples []sampling.Sample) {
	finished := o.now()
	if runErr != nil {
		res.State = StateAborted
		o.log.WithError(runErr).Error(fmt.Sprintf("Calibration %s aborted", r.id))
	} else {
		o.log.Info("Calibration %s %s: %d/%d points successful", r.id, res.State, res.Stats.Completed, res.Stats.TotalPlanned)
	}

	if r.plan != nil {
		snap := &report.Snapshot{
			Meta: report.Meta{
				RunID:           r.id,
				Mode:            r.req.Mode,
				X:               r.plan.X,
				Y:               r.plan.Y,
				GridSize:        r.plan.Size,
				PointsCompleted: res.Stats.Completed,
				PointsFailed:    res.Stats.Failed,
				TotalPoints:     r.plan.Len(),
				ZHeight:         r.opts.ZHeight,
				StartedAt:       r.started,
				FinishedAt:      finished,
				Outcome:         string(res.State),
				Debug:           r.req.Debug,
			},
			Samples: samples,
			Table:   res.Table,
		}
		o.dispatch(snap.Clone())
	}

	if o.deps.Observer != nil {
		o.deps.Observer.RunFinished(r.req.Mode, res.State, finished.Sub(r.started))
	}

	o.mu.Lock()
	o.status.State = StateIdle
	o.status.LastState = res.State
	o.status.LastError = ""
	if runErr != nil {
		o.status.LastError = runErr.Error()
	}
	o.cancelled.Store(false)
	o.mu.Unlock()
}

// dispatch hands snap to every consumer on a separate goroutine. Each
// consumer gets its own copy.
func (o *Orchestrator) dispatch(snap *report.Snapshot) {
	if len(o.deps.Consumers) == 0 {
		return
	}
	consumers := append([]Consumer(nil), o.deps.Consumers...)
	o.consumers.Add(1)
	go func() {
		defer o.consumers.Done()
		ctx := context.Background()
		for i, c := range consumers {
			s := snap
			if i < len(consumers)-1 {
				s = snap.Clone()
			}
			if err := c.Consume(ctx, s); err != nil {
				o.log.WithError(err).WithField("run_id", snap.Meta.RunID).Warn("snapshot consumer failed")
			}
		}
	}()
}

func pick(override, configured int) int {
	if override > 0 {
		return override
	}
	return configured
}

func fmtFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

func fmtValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.6f", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
