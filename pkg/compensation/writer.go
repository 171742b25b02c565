// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package compensation

import (
	"sync"

	"gantry-twist-go/pkg/config"
	"gantry-twist-go/pkg/log"
)

// Writer stages tables into config and installs them in the runtime.
// It never saves the config file; that is a separate SAVE_CONFIG step.
type Writer struct {
	mu      sync.Mutex
	stager  config.Stager
	runtime *Runtime
	log     *log.Logger
}

// NewWriter creates a writer over stager and rt.
func NewWriter(stager config.Stager, rt *Runtime, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.GetLogger("compensation")
	}
	return &Writer{stager: stager, runtime: rt, log: logger}
}

// Runtime returns the runtime the writer installs tables in.
func (w *Writer) Runtime() *Runtime {
	return w.runtime
}

// Write renders t, stages all three keys in one batch and then installs
// t itself in the runtime. If staging fails the runtime keeps its
// previous table.
func (w *Writer) Write(t *Table) error {
	payload, err := Payload(t)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.stager.SetOptions(Section, payload); err != nil {
		return err
	}
	w.runtime.SetTable(t)

	keys := t.Axis.Keys()
	w.log.WithFields(log.Fields{
		keys.Values: payload[keys.Values],
		keys.Start:  payload[keys.Start],
		keys.End:    payload[keys.End],
	}).Info("compensation staged, run SAVE_CONFIG to persist")
	return nil
}
