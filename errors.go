// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrMalformedInput is wrapped by every construction-time invariant
// violation (bad dimensions, duplicate ids, negative counts, ...).
var ErrMalformedInput = errors.New("malformed input")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}

// DegenerateCellError reports a cell with zero total counts.
type DegenerateCellError struct {
	Cell string
}

func (e *DegenerateCellError) Error() string {
	return fmt.Sprintf("cell %q has zero total counts", e.Cell)
}

// RankDeficiencyError is returned when the requested embedding
// dimension exceeds the effective rank of the matrix.
type RankDeficiencyError struct {
	Requested int
	Rank      int
}

func (e *RankDeficiencyError) Error() string {
	return fmt.Sprintf("requested %d components but matrix has effective rank %d", e.Requested, e.Rank)
}

// DisconnectedGraphError reports a neighbor graph with more than one
// connected component. It is never fatal: isolated cells end up in
// singleton clusters.
type DisconnectedGraphError struct {
	Components int
	Isolated   []string
}

func (e *DisconnectedGraphError) Error() string {
	return fmt.Sprintf("neighbor graph has %d connected components (%d isolated cells)", e.Components, len(e.Isolated))
}

// ZeroVarianceFeatureError reports a feature that was skipped by the
// differential tester because its values are constant over the
// analyzed cells.
type ZeroVarianceFeatureError struct {
	Feature string
}

func (e *ZeroVarianceFeatureError) Error() string {
	return fmt.Sprintf("feature %q has zero variance", e.Feature)
}

// EmptyOverlapWarning reports a gene whose extended window overlaps
// no peak. The gene keeps an all-zero row.
type EmptyOverlapWarning struct {
	Gene string
}

func (e *EmptyOverlapWarning) Error() string {
	return fmt.Sprintf("gene %q: no overlapping peaks", e.Gene)
}

// InsufficientBackgroundError reports a GC/accessibility bin with too
// few peaks to draw background peaks from. Its peaks were pooled with
// the nearest non-empty bin instead.
type InsufficientBackgroundError struct {
	Bin       int
	Available int
	Needed    int
	MergedBin int
}

func (e *InsufficientBackgroundError) Error() string {
	return fmt.Sprintf("background bin %d has %d peaks (need %d), merged into bin %d", e.Bin, e.Available, e.Needed, e.MergedBin)
}

// Report collects the non-fatal anomalies found by one stage. It is
// safe to add to a Report from multiple goroutines.
type Report struct {
	Stage     string
	mtx       sync.Mutex
	anomalies []error
}

func newReport(stage string) *Report {
	return &Report{Stage: stage}
}

func (r *Report) add(err error) {
	if err == nil {
		return
	}
	r.mtx.Lock()
	r.anomalies = append(r.anomalies, err)
	r.mtx.Unlock()
}

// Anomalies returns the errors recorded so far, in the order they
// were added.
func (r *Report) Anomalies() []error {
	if r == nil {
		return nil
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]error(nil), r.anomalies...)
}

// Len returns the number of recorded anomalies.
func (r *Report) Len() int {
	if r == nil {
		return 0
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.anomalies)
}

// Count returns the number of recorded anomalies for which match
// returns true.
func (r *Report) Count(match func(error) bool) int {
	n := 0
	for _, err := range r.Anomalies() {
		if match(err) {
			n++
		}
	}
	return n
}

// Log writes a summary of the report, plus the first few anomalies,
// at warning level.
func (r *Report) Log() {
	errs := r.Anomalies()
	if len(errs) == 0 {
		return
	}
	log.WithFields(log.Fields{
		"stage":     r.Stage,
		"anomalies": len(errs),
	}).Warnf("%s: %d anomalies", r.Stage, len(errs))
	for i, err := range errs {
		if i >= 10 {
			log.Warnf("%s: ... and %d more", r.Stage, len(errs)-i)
			break
		}
		log.Warnf("%s: %s", r.Stage, err)
	}
}
