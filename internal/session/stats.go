// File path: internal/session/stats.go
package session

import (
	"fmt"
	"math"
	"sort"

	"github.com/neuropil/neuropil/internal/frame"
)

// ConditionwiseSpikeStatistics aggregates spikes per (condition, unit) pair
// over the selected presentations. Every pair is reported even when no spike
// matched, so silent units show an explicit zero. With useRates each
// presentation contributes count/duration instead of the raw count. The
// sample standard deviation uses n-1 and is NaN for single-presentation
// conditions; the standard error is std/sqrt(n).
func ConditionwiseSpikeStatistics(presentations *frame.Frame, spikes map[uint64][]float64, presentationIDs, unitIDs []uint64, useRates bool) (*frame.Frame, error) {
	if presentations == nil {
		return nil, fmt.Errorf("presentations table required")
	}
	if !presentations.HasColumn("stimulus_condition_id") {
		return nil, fmt.Errorf("conditionwise statistics: presentations carry no stimulus_condition_id")
	}

	var wanted map[uint64]struct{}
	if presentationIDs != nil {
		wanted = make(map[uint64]struct{}, len(presentationIDs))
		for _, id := range presentationIDs {
			wanted[id] = struct{}{}
		}
	}
	type presInfo struct {
		id       uint64
		duration float64
	}
	byCondition := make(map[uint64][]presInfo)
	for i := 0; i < presentations.Len(); i++ {
		id, ok := presentations.Uint("stimulus_presentation_id", i)
		if !ok {
			return nil, fmt.Errorf("conditionwise statistics: presentation id missing at row %d", i)
		}
		if wanted != nil {
			if _, want := wanted[id]; !want {
				continue
			}
		}
		condition, ok := presentations.Uint("stimulus_condition_id", i)
		if !ok {
			return nil, fmt.Errorf("conditionwise statistics: presentation %d has no condition id", id)
		}
		duration, ok := presentations.Float("duration", i)
		if !ok {
			start, startOK := presentations.Float("start_time", i)
			stop, stopOK := presentations.Float("stop_time", i)
			if !startOK || !stopOK {
				if useRates {
					return nil, fmt.Errorf("conditionwise statistics: presentation %d has no duration", id)
				}
				duration = math.NaN()
			} else {
				duration = stop - start
			}
		}
		byCondition[condition] = append(byCondition[condition], presInfo{id: id, duration: duration})
	}

	assigned, err := PresentationwiseSpikeTimes(presentations, spikes, presentationIDs, unitIDs)
	if err != nil {
		return nil, err
	}
	counts := make(map[uint64]map[uint64]int)
	for i := 0; i < assigned.Len(); i++ {
		pres, _ := assigned.Uint("stimulus_presentation_id", i)
		unit, _ := assigned.Uint("unit_id", i)
		perUnit := counts[pres]
		if perUnit == nil {
			perUnit = make(map[uint64]int)
			counts[pres] = perUnit
		}
		perUnit[unit]++
	}

	conditions := make([]uint64, 0, len(byCondition))
	for condition := range byCondition {
		conditions = append(conditions, condition)
	}
	sort.Slice(conditions, func(i, j int) bool { return conditions[i] < conditions[j] })
	units := selectUnits(spikes, unitIDs)

	out, err := frame.New(
		frame.ColumnSpec{Name: "stimulus_condition_id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "unit_id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "presentation_count", Kind: frame.KindInt},
		frame.ColumnSpec{Name: "spike_count", Kind: frame.KindInt},
		frame.ColumnSpec{Name: "spike_mean", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "spike_std", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "spike_sem", Kind: frame.KindFloat},
	)
	if err != nil {
		return nil, err
	}
	for _, condition := range conditions {
		group := byCondition[condition]
		for _, unit := range units {
			total := 0
			values := make([]float64, 0, len(group))
			for _, pres := range group {
				count := counts[pres.id][unit]
				total += count
				if useRates {
					values = append(values, float64(count)/pres.duration)
				} else {
					values = append(values, float64(count))
				}
			}
			mean, std, sem := summarize(values)
			err := out.AppendRow(map[string]interface{}{
				"stimulus_condition_id": condition,
				"unit_id":               unit,
				"presentation_count":    int64(len(group)),
				"spike_count":           int64(total),
				"spike_mean":            mean,
				"spike_std":             std,
				"spike_sem":             sem,
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// summarize returns mean, sample standard deviation, and standard error of
// the mean. One observation yields NaN spread.
func summarize(values []float64) (mean, std, sem float64) {
	n := float64(len(values))
	if n == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / n
	if len(values) < 2 {
		return mean, math.NaN(), math.NaN()
	}
	sq := 0.0
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / (n - 1))
	sem = std / math.Sqrt(n)
	return mean, std, sem
}
