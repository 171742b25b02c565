// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/log"
)

// Renderer writes a report folder for every finished run:
//
//	<Dir>/<yyyymmdd_hhmmss>[_DEBUG]_<mode>_<run>/
//	    meta.yaml       run metadata, summary and table
//	    samples.csv     one row per sample
//	    snapshot.json   the full snapshot
//	    *.png           charts, when PNG is set
//	    report.html     interactive page, when HTML is set
//
// Charts and analysis need at least two samples.
type Renderer struct {
	Dir  string
	PNG  bool
	HTML bool
	Log  *log.Logger
}

// NewRenderer creates a renderer writing PNG and HTML output under dir.
func NewRenderer(dir string, logger *log.Logger) *Renderer {
	if logger == nil {
		logger = log.GetLogger("report")
	}
	return &Renderer{Dir: dir, PNG: true, HTML: true, Log: logger}
}

// Consume renders snap. It satisfies the orchestrator's consumer
// interface.
func (r *Renderer) Consume(ctx context.Context, snap *Snapshot) error {
	dir, files, err := r.Render(ctx, snap)
	if err != nil {
		return err
	}
	r.Log.Info("Report for run %s written to %s (%d files)", snap.Meta.RunID, dir, len(files))
	return nil
}

// metaFile is the layout of meta.yaml.
type metaFile struct {
	Meta     Meta                `yaml:"meta"`
	Analysis *Analysis           `yaml:"analysis,omitempty"`
	Table    *compensation.Table `yaml:"table,omitempty"`
}

// Render writes the report folder and returns its path and the files
// written.
func (r *Renderer) Render(ctx context.Context, snap *Snapshot) (string, []string, error) {
	dir := filepath.Join(r.Dir, FolderName(snap.Meta))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var analysis *Analysis
	if len(snap.Samples) >= 2 {
		a, err := Analyze(snap.Samples, snap.Meta.Mode)
		if err != nil {
			return dir, nil, err
		}
		analysis = a
	} else {
		r.Log.Warn("Not enough data points to analyse run %s (need at least 2)", snap.Meta.RunID)
	}

	var files []string
	write := func(name string, fn func(f *os.File) error) error {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		files = append(files, path)
		return nil
	}

	mf := metaFile{Meta: snap.Meta, Analysis: analysis, Table: snap.Table}
	if err := write("meta.yaml", func(f *os.File) error {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(mf); err != nil {
			return err
		}
		return enc.Close()
	}); err != nil {
		return dir, files, err
	}
	if err := write("samples.csv", func(f *os.File) error { return WriteCSV(f, snap) }); err != nil {
		return dir, files, err
	}
	if err := write("snapshot.json", func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}); err != nil {
		return dir, files, err
	}

	if analysis == nil {
		return dir, files, nil
	}
	if err := ctx.Err(); err != nil {
		return dir, files, err
	}
	if r.PNG {
		pngs, err := WritePlots(dir, tag(snap.Meta), snap, analysis)
		files = append(files, pngs...)
		if err != nil {
			return dir, files, err
		}
	}
	if r.HTML {
		if err := write("report.html", func(f *os.File) error { return WriteHTML(f, snap, analysis) }); err != nil {
			return dir, files, err
		}
	}
	return dir, files, nil
}

// FolderName is the timestamped report folder of a run. The first eight
// characters of the run ID keep runs finishing in the same second apart.
func FolderName(m Meta) string {
	name := m.FinishedAt.Format("20060102_150405") + tag(m) + "_" + string(m.Mode)
	if id := m.RunID; id != "" {
		name += "_" + id[:min(8, len(id))]
	}
	return name
}

func tag(m Meta) string {
	if m.Debug {
		return "_DEBUG"
	}
	return ""
}

var csvHeader = []string{"index", "x", "y", "z_commanded", "contact_z", "proximity_z", "delta"}

// WriteCSV writes the samples of snap, one row each, with full precision.
func WriteCSV(out io.Writer, snap *Snapshot) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, s := range snap.Samples {
		row := []string{strconv.Itoa(s.Index), ff(s.X), ff(s.Y), ff(s.ZCommanded), ff(s.Contact), ff(s.Proximity), ff(s.Delta)}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
