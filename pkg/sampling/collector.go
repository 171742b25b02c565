// Sequential sampling loop for gantry twist calibration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sampling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/fault"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/log"
)

// Motion executes moves on the machine.
type Motion interface {
	// MoveTo queues a move. feedrate is in mm/s.
	MoveTo(ctx context.Context, x, y, z, feedrate float64) error

	// WaitMoves blocks until queued motion has finished.
	WaitMoves(ctx context.Context) error

	// Dwell pauses the toolhead for d.
	Dwell(ctx context.Context, d time.Duration) error
}

// Probe runs a contact versus proximity compare at the current position.
type Probe interface {
	// Compare returns nil with a nil error when the probe produced no data.
	Compare(ctx context.Context) (*Reading, error)
}

// Policy decides what a missing probe result does to the run.
type Policy int

const (
	// PolicyFail ends the run with a NO_PROBE_RESULT error.
	PolicyFail Policy = iota

	// PolicyTruncate stops sampling with a warning and keeps what was
	// collected.
	PolicyTruncate
)

func (p Policy) String() string {
	if p == PolicyTruncate {
		return "truncate"
	}
	return "fail"
}

// Point outcomes reported to an Observer.
const (
	OutcomeOK          = "ok"
	OutcomeRecoverable = "recoverable"
	OutcomeFatal       = "fatal"
	OutcomeNoResult    = "no_result"
)

// Observer receives per-point outcomes, for metrics.
type Observer interface {
	ObservePoint(outcome string, d time.Duration)
}

// Options configures one run.
type Options struct {
	ZHeight     float64
	Feedrate    float64 // mm/s
	SettleDelay time.Duration
	PointDelay  time.Duration
	NoResult    Policy

	// Classifier defaults to the package default markers.
	Classifier *fault.Classifier

	// OnSample is called after each sample is recorded.
	OnSample func(Sample)

	// Stop is an extra cancellation check made with the Cancel flag.
	Stop func() bool
}

// Stats summarises a run. Completed+Failed+NotAttempted == TotalPlanned
// except for the point a fatal error aborted on.
type Stats struct {
	Completed    int  `json:"completed" yaml:"completed"`
	Failed       int  `json:"failed" yaml:"failed"`
	NotAttempted int  `json:"not_attempted" yaml:"not_attempted"`
	TotalPlanned int  `json:"total_planned" yaml:"total_planned"`
	Cancelled    bool `json:"cancelled" yaml:"cancelled"`
	Truncated    bool `json:"truncated" yaml:"truncated"`
}

// Failure records a recoverable point failure.
type Failure struct {
	Index int
	Point grid.Point
	Err   error
}

// Result is the output of a run. It is returned even when Run fails.
type Result struct {
	Samples  []Sample
	Failures []Failure
	Stats    Stats
}

// Collector drives the per-point protocol. One run at a time.
type Collector struct {
	log      *log.Logger
	observer Observer

	running   atomic.Bool
	cancelled atomic.Bool
}

// NewCollector creates a collector. observer may be nil.
func NewCollector(logger *log.Logger, observer Observer) *Collector {
	if logger == nil {
		logger = log.GetLogger("sampling")
	}
	return &Collector{log: logger, observer: observer}
}

// Cancel asks the running loop to stop before its next point. The point
// in flight is finished. It has no effect when no run is active.
func (c *Collector) Cancel() {
	if c.running.Load() {
		c.cancelled.Store(true)
	}
}

// Running reports whether a run is active.
func (c *Collector) Running() bool {
	return c.running.Load()
}

// Run measures every point of plan in order.
//
// A fatal fault returns a FATAL_DEVICE error, a missing probe result under
// PolicyFail returns NO_PROBE_RESULT. Recoverable failures are counted
// and the loop moves on. The returned Result is valid in every case.
func (c *Collector) Run(ctx context.Context, plan *grid.Plan, motion Motion, probe Probe, opts Options) (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, calerrors.RunInProgressError()
	}
	defer func() {
		c.cancelled.Store(false)
		c.running.Store(false)
	}()

	classifier := opts.Classifier
	if classifier == nil {
		classifier = fault.New()
	}

	total := plan.Len()
	res := &Result{
		Samples: make([]Sample, 0, total),
		Stats:   Stats{TotalPlanned: total},
	}
	aborted := 0
	defer func() {
		res.Stats.NotAttempted = total - res.Stats.Completed - res.Stats.Failed - aborted
		c.logTally(res.Stats)
	}()

	for i := 0; i < total; i++ {
		if c.cancelled.Load() || (opts.Stop != nil && opts.Stop()) || ctx.Err() != nil {
			res.Stats.Cancelled = true
			c.log.Warn("Calibration cancelled before point %d/%d", i+1, total)
			return res, nil
		}

		idx, pt := i+1, plan.At(i)
		c.log.Info("Point %d/%d: X%.2f Y%.2f", idx, total, pt.X, pt.Y)

		start := time.Now()
		sample, err := c.measure(ctx, idx, pt, motion, probe, opts)
		if err != nil {
			switch {
			case ctx.Err() != nil && errors.Is(err, ctx.Err()):
				res.Stats.Cancelled = true
				c.log.Warn("Point %d/%d interrupted: %v", idx, total, err)
				return res, nil

			case calerrors.Is(err, calerrors.ErrNoProbeResult):
				c.observe(OutcomeNoResult, start)
				if opts.NoResult == PolicyTruncate {
					res.Stats.Truncated = true
					aborted = 1
					c.log.Warn("Point %d/%d: no probe result, stopping with %d points collected", idx, total, res.Stats.Completed)
					return res, nil
				}
				aborted = 1
				c.log.Error("Point %d/%d: no probe result", idx, total)
				return res, err

			case classifier.IsFatal(err):
				c.observe(OutcomeFatal, start)
				aborted = 1
				c.log.WithError(err).Error(fmt.Sprintf("Point %d/%d: fatal error, aborting", idx, total))
				return res, calerrors.FatalDeviceError(idx, err)

			default:
				c.observe(OutcomeRecoverable, start)
				res.Stats.Failed++
				res.Failures = append(res.Failures, Failure{Index: idx, Point: pt, Err: calerrors.RecoverablePointError(idx, err)})
				c.log.WithError(err).Warn(fmt.Sprintf("Point %d/%d failed, continuing", idx, total))
				continue
			}
		}

		res.Samples = append(res.Samples, sample)
		res.Stats.Completed++
		c.observe(OutcomeOK, start)
		c.log.Info("Point %d/%d: delta=%.6f contact=%.6f", idx, total, sample.Delta, sample.Contact)
		if opts.OnSample != nil {
			opts.OnSample(sample)
		}

		if err := motion.Dwell(ctx, opts.PointDelay); err != nil {
			if classifier.IsFatal(err) {
				c.log.WithError(err).Error(fmt.Sprintf("Point %d/%d: fatal error after sample", idx, total))
				return res, calerrors.FatalDeviceError(idx, err)
			}
			if ctx.Err() == nil {
				c.log.WithError(err).Warn("point delay failed")
			}
		}
	}
	return res, nil
}

// measure runs steps move, settle and compare for one point.
func (c *Collector) measure(ctx context.Context, idx int, pt grid.Point, motion Motion, probe Probe, opts Options) (Sample, error) {
	if err := motion.MoveTo(ctx, pt.X, pt.Y, opts.ZHeight, opts.Feedrate); err != nil {
		return Sample{}, fmt.Errorf("move to X%.3f Y%.3f: %w", pt.X, pt.Y, err)
	}
	if err := motion.WaitMoves(ctx); err != nil {
		return Sample{}, fmt.Errorf("wait for moves: %w", err)
	}
	if err := motion.Dwell(ctx, opts.SettleDelay); err != nil {
		return Sample{}, fmt.Errorf("settle: %w", err)
	}
	reading, err := probe.Compare(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("probe compare: %w", err)
	}
	if reading == nil {
		return Sample{}, calerrors.NoProbeResultError(idx)
	}
	return NewSample(idx, pt, opts.ZHeight, *reading)
}

func (c *Collector) observe(outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObservePoint(outcome, time.Since(start))
	}
}

func (c *Collector) logTally(s Stats) {
	c.log.WithFields(log.Fields{
		"failed":        s.Failed,
		"not_attempted": s.NotAttempted,
		"cancelled":     s.Cancelled,
		"truncated":     s.Truncated,
	}).Infof("%d/%d points successful", s.Completed, s.TotalPlanned)
	if s.Failed > 0 {
		c.log.Warn("Failed points: %d", s.Failed)
	}
}
