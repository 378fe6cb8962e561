// File path: internal/session/stats_test.go
package session

import (
	"math"
	"testing"

	"github.com/neuropil/neuropil/internal/frame"
)

func conditionedPresentations(t *testing.T) *frame.Frame {
	t.Helper()
	return newPresentations(t, []map[string]interface{}{
		{"stimulus_presentation_id": uint64(0), "start_time": 0.0, "stop_time": 1.0,
			"stimulus_name": "flashes", "stimulus_condition_id": uint64(0)},
		{"stimulus_presentation_id": uint64(1), "start_time": 10.0, "stop_time": 11.0,
			"stimulus_name": "flashes", "stimulus_condition_id": uint64(0)},
		{"stimulus_presentation_id": uint64(2), "start_time": 20.0, "stop_time": 21.0,
			"stimulus_name": "drifting_gratings", "stimulus_condition_id": uint64(1)},
	}, frame.ColumnSpec{Name: "stimulus_condition_id", Kind: frame.KindUint})
}

func statsRow(t *testing.T, stats *frame.Frame, condition, unit uint64) map[string]interface{} {
	t.Helper()
	for i := 0; i < stats.Len(); i++ {
		c, _ := stats.Uint("stimulus_condition_id", i)
		u, _ := stats.Uint("unit_id", i)
		if c == condition && u == unit {
			row := make(map[string]interface{})
			for _, col := range stats.Columns() {
				if v, ok := stats.Value(col, i); ok {
					row[col] = v
				}
			}
			return row
		}
	}
	t.Fatalf("no stats row for condition %d unit %d", condition, unit)
	return nil
}

func TestConditionwiseStatsCoverSilentUnits(t *testing.T) {
	presentations := conditionedPresentations(t)
	spikes := map[uint64][]float64{
		5: {0.5, 0.6, 20.5},
		9: {},
	}
	stats, err := ConditionwiseSpikeStatistics(presentations, spikes, nil, nil, false)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// Two conditions and two units: every pair gets a row.
	if stats.Len() != 4 {
		t.Fatalf("stats rows = %d, want 4", stats.Len())
	}

	// Unit 5 fired twice in one presentation of condition 0 and never in the
	// other: counts (2, 0), mean 1, sample std sqrt(2).
	row := statsRow(t, stats, 0, 5)
	if row["presentation_count"].(int64) != 2 || row["spike_count"].(int64) != 2 {
		t.Fatalf("condition 0 unit 5 counts = %v", row)
	}
	if mean := row["spike_mean"].(float64); mean != 1.0 {
		t.Fatalf("mean = %v, want 1", mean)
	}
	if std := row["spike_std"].(float64); math.Abs(std-math.Sqrt2) > 1e-12 {
		t.Fatalf("std = %v, want sqrt(2)", std)
	}
	if sem := row["spike_sem"].(float64); math.Abs(sem-1.0) > 1e-12 {
		t.Fatalf("sem = %v, want 1", sem)
	}

	// Unit 9 never fired, yet both its pairs are reported with zeros.
	row = statsRow(t, stats, 0, 9)
	if row["spike_count"].(int64) != 0 || row["spike_mean"].(float64) != 0.0 {
		t.Fatalf("silent unit stats = %v", row)
	}
	if std := row["spike_std"].(float64); std != 0.0 {
		t.Fatalf("silent unit std = %v, want 0", std)
	}
}

func TestConditionwiseStatsSinglePresentationSpreadIsNaN(t *testing.T) {
	presentations := conditionedPresentations(t)
	spikes := map[uint64][]float64{5: {20.5}}
	stats, err := ConditionwiseSpikeStatistics(presentations, spikes, nil, nil, false)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// Condition 1 has a single presentation: the spread is undefined.
	row := statsRow(t, stats, 1, 5)
	if row["presentation_count"].(int64) != 1 {
		t.Fatalf("presentation count = %v, want 1", row["presentation_count"])
	}
	if mean := row["spike_mean"].(float64); mean != 1.0 {
		t.Fatalf("mean = %v, want 1", mean)
	}
	if std := row["spike_std"].(float64); !math.IsNaN(std) {
		t.Fatalf("std = %v, want NaN", std)
	}
	if sem := row["spike_sem"].(float64); !math.IsNaN(sem) {
		t.Fatalf("sem = %v, want NaN", sem)
	}
}

func TestConditionwiseStatsRatesDivideByDuration(t *testing.T) {
	// No duration column: the fallback derives it from start and stop.
	f, err := frame.New(
		frame.ColumnSpec{Name: "stimulus_presentation_id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "start_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "stop_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "stimulus_condition_id", Kind: frame.KindUint},
	)
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	rows := []map[string]interface{}{
		{"stimulus_presentation_id": uint64(0), "start_time": 0.0, "stop_time": 2.0,
			"stimulus_condition_id": uint64(0)},
		{"stimulus_presentation_id": uint64(1), "start_time": 10.0, "stop_time": 11.0,
			"stimulus_condition_id": uint64(0)},
	}
	for _, row := range rows {
		if err := f.AppendRow(row); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Four spikes over 2s, then two spikes over 1s: both rates are 2 Hz.
	spikes := map[uint64][]float64{5: {0.1, 0.2, 0.3, 0.4, 10.2, 10.7}}
	stats, err := ConditionwiseSpikeStatistics(f, spikes, nil, nil, true)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	row := statsRow(t, stats, 0, 5)
	if mean := row["spike_mean"].(float64); math.Abs(mean-2.0) > 1e-12 {
		t.Fatalf("rate mean = %v, want 2", mean)
	}
	if std := row["spike_std"].(float64); math.Abs(std) > 1e-12 {
		t.Fatalf("rate std = %v, want 0", std)
	}
	// The spike count stays a raw total even in rate mode.
	if total := row["spike_count"].(int64); total != 6 {
		t.Fatalf("spike count = %v, want 6", total)
	}
}

func TestConditionwiseStatsFilterPresentations(t *testing.T) {
	presentations := conditionedPresentations(t)
	spikes := map[uint64][]float64{5: {0.5, 10.5, 20.5}}
	stats, err := ConditionwiseSpikeStatistics(presentations, spikes, []uint64{0, 2}, nil, false)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// Presentation 1 is excluded, so condition 0 counts one presentation.
	row := statsRow(t, stats, 0, 5)
	if row["presentation_count"].(int64) != 1 || row["spike_count"].(int64) != 1 {
		t.Fatalf("filtered stats = %v", row)
	}
}

func TestConditionwiseStatsRequireConditionColumn(t *testing.T) {
	f := newPresentations(t, []map[string]interface{}{
		{"stimulus_presentation_id": uint64(0), "start_time": 0.0, "stop_time": 1.0,
			"stimulus_name": "flashes"},
	})
	if _, err := ConditionwiseSpikeStatistics(f, nil, nil, nil, false); err == nil {
		t.Fatal("expected error when conditions are not assigned")
	}
}
