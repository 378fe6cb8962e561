// File path: internal/session/epochs.go
package session

import (
	"fmt"
	"math"

	"github.com/neuropil/neuropil/internal/frame"
)

// DefaultEpochThresholds drops short spontaneous-activity epochs, which are
// usually padding between stimulus sets rather than real recording blocks.
func DefaultEpochThresholds() map[string]float64 {
	return map[string]float64{"spontaneous_activity": 90.0}
}

// sameBlock treats two block values as equal when both are missing, both are
// NaN, or both hold the same number. Missing and NaN are the same absence.
func sameBlock(a float64, aOK bool, b float64, bOK bool) bool {
	aAbsent := !aOK || math.IsNaN(a)
	bAbsent := !bOK || math.IsNaN(b)
	if aAbsent || bAbsent {
		return aAbsent == bAbsent
	}
	return a == b
}

// StimulusEpochs collapses the presentation table into maximal contiguous
// runs of a constant stimulus block, in id order. Each epoch spans from its
// first presentation's start to its last presentation's stop and carries the
// first row's stimulus name. Epochs shorter than their name's threshold are
// dropped; a nil thresholds map applies DefaultEpochThresholds.
func StimulusEpochs(presentations *frame.Frame, thresholds map[string]float64) (*frame.Frame, error) {
	if presentations == nil {
		return nil, fmt.Errorf("presentations table required")
	}
	if thresholds == nil {
		thresholds = DefaultEpochThresholds()
	}
	ordered, err := presentations.SortedBy("stimulus_presentation_id")
	if err != nil {
		return nil, fmt.Errorf("stimulus epochs: %w", err)
	}
	out, err := frame.New(
		frame.ColumnSpec{Name: "start_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "stop_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "stimulus_name", Kind: frame.KindString},
		frame.ColumnSpec{Name: "stimulus_block", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "duration", Kind: frame.KindFloat},
	)
	if err != nil {
		return nil, err
	}
	if ordered.Len() == 0 {
		return out, nil
	}

	emit := func(first, last int) error {
		start, startOK := ordered.Float("start_time", first)
		stop, stopOK := ordered.Float("stop_time", last)
		if !startOK || !stopOK {
			id, _ := ordered.Uint("stimulus_presentation_id", first)
			return fmt.Errorf("stimulus epochs: presentation %d has no timing", id)
		}
		duration := stop - start
		values := map[string]interface{}{
			"start_time": start,
			"stop_time":  stop,
			"duration":   duration,
		}
		name, nameOK := ordered.Str("stimulus_name", first)
		if nameOK {
			values["stimulus_name"] = name
			if threshold, limited := thresholds[name]; limited && duration < threshold {
				return nil
			}
		}
		if block, ok := ordered.Float("stimulus_block", first); ok && !math.IsNaN(block) {
			values["stimulus_block"] = block
		}
		return out.AppendRow(values)
	}

	runStart := 0
	prevBlock, prevOK := ordered.Float("stimulus_block", 0)
	for i := 1; i < ordered.Len(); i++ {
		block, ok := ordered.Float("stimulus_block", i)
		if sameBlock(prevBlock, prevOK, block, ok) {
			continue
		}
		if err := emit(runStart, i-1); err != nil {
			return nil, err
		}
		runStart = i
		prevBlock, prevOK = block, ok
	}
	if err := emit(runStart, ordered.Len()-1); err != nil {
		return nil, err
	}
	return out, nil
}
