// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sampling

import (
	"fmt"
	"math"

	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/grid"
)

// Reading is one probe compare result.
type Reading struct {
	Contact   float64
	Proximity float64
}

// ReadingFromDelta builds a Reading from a probe that reports the contact
// height and the contact-minus-proximity delta.
func ReadingFromDelta(contact, delta float64) Reading {
	return Reading{Contact: contact, Proximity: contact - delta}
}

// Sample is one measurement at a commanded position. Delta is derived
// from the two readings and Proximity+Delta == Contact holds exactly.
type Sample struct {
	Index      int     `json:"index" yaml:"index"`
	X          float64 `json:"x" yaml:"x"`
	Y          float64 `json:"y" yaml:"y"`
	ZCommanded float64 `json:"z_commanded" yaml:"z_commanded"`
	Contact    float64 `json:"contact" yaml:"contact"`
	Proximity  float64 `json:"proximity" yaml:"proximity"`
	Delta      float64 `json:"delta" yaml:"delta"`
}

// NewSample derives Delta from r. When the floating point subtraction
// does not round-trip, Proximity is re-derived from Contact and Delta
// once; readings that still do not satisfy the identity, or that are not
// finite, are rejected.
func NewSample(index int, pt grid.Point, z float64, r Reading) (Sample, error) {
	if !finite(r.Contact) || !finite(r.Proximity) {
		return Sample{}, calerrors.InvalidReadingError(
			fmt.Sprintf("non-finite reading contact=%v proximity=%v, probe may be off the bed", r.Contact, r.Proximity))
	}
	prox := r.Proximity
	delta := r.Contact - prox
	if prox+delta != r.Contact {
		prox = r.Contact - delta
		delta = r.Contact - prox
	}
	if !finite(delta) || prox+delta != r.Contact {
		return Sample{}, calerrors.InvalidReadingError(
			fmt.Sprintf("reading contact=%v proximity=%v does not reconstruct", r.Contact, r.Proximity))
	}
	return Sample{
		Index:      index,
		X:          pt.X,
		Y:          pt.Y,
		ZCommanded: z,
		Contact:    r.Contact,
		Proximity:  prox,
		Delta:      delta,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Deltas returns the deltas of samples in order.
func Deltas(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Delta
	}
	return out
}
