// File path: internal/session/epochs_test.go
package session

import (
	"math"
	"testing"
)

func epochRows() []map[string]interface{} {
	return []map[string]interface{}{
		// Appended out of id order on purpose.
		{"stimulus_presentation_id": uint64(4), "start_time": 40.0, "stop_time": 140.0,
			"stimulus_name": "spontaneous_activity"},
		{"stimulus_presentation_id": uint64(0), "start_time": 0.0, "stop_time": 10.0,
			"stimulus_name": "drifting_gratings", "stimulus_block": 0.0},
		{"stimulus_presentation_id": uint64(1), "start_time": 10.0, "stop_time": 20.0,
			"stimulus_name": "drifting_gratings", "stimulus_block": 0.0},
		{"stimulus_presentation_id": uint64(5), "start_time": 140.0, "stop_time": 240.0,
			"stimulus_name": "spontaneous_activity"},
		{"stimulus_presentation_id": uint64(2), "start_time": 20.0, "stop_time": 30.0,
			"stimulus_name": "flashes", "stimulus_block": 1.0},
		{"stimulus_presentation_id": uint64(3), "start_time": 30.0, "stop_time": 40.0,
			"stimulus_name": "flashes", "stimulus_block": 1.0},
		{"stimulus_presentation_id": uint64(6), "start_time": 240.0, "stop_time": 250.0,
			"stimulus_name": "drifting_gratings", "stimulus_block": 0.0},
	}
}

func TestStimulusEpochsSplitOnBlockChange(t *testing.T) {
	f := newPresentations(t, epochRows())
	epochs, err := StimulusEpochs(f, nil)
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	type epoch struct {
		start, stop float64
		name        string
	}
	want := []epoch{
		{0.0, 20.0, "drifting_gratings"},
		{20.0, 40.0, "flashes"},
		{40.0, 240.0, "spontaneous_activity"},
		{240.0, 250.0, "drifting_gratings"},
	}
	if epochs.Len() != len(want) {
		t.Fatalf("epoch rows = %d, want %d", epochs.Len(), len(want))
	}
	for i, expected := range want {
		start, _ := epochs.Float("start_time", i)
		stop, _ := epochs.Float("stop_time", i)
		name, _ := epochs.Str("stimulus_name", i)
		duration, _ := epochs.Float("duration", i)
		if start != expected.start || stop != expected.stop || name != expected.name {
			t.Fatalf("epoch %d = (%v, %v, %q); want %+v", i, start, stop, name, expected)
		}
		if duration != expected.stop-expected.start {
			t.Fatalf("epoch %d duration = %v, want %v", i, duration, expected.stop-expected.start)
		}
	}
	// The spontaneous epoch has no block; the grating epochs carry block 0.
	if _, ok := epochs.Float("stimulus_block", 2); ok {
		t.Fatal("spontaneous epoch should have no stimulus block")
	}
	if block, ok := epochs.Float("stimulus_block", 0); !ok || block != 0.0 {
		t.Fatalf("grating epoch block = %v, %v; want 0", block, ok)
	}
}

func TestStimulusEpochsTreatNaNBlockAsMissing(t *testing.T) {
	f := newPresentations(t, []map[string]interface{}{
		{"stimulus_presentation_id": uint64(0), "start_time": 0.0, "stop_time": 50.0,
			"stimulus_name": "flashes", "stimulus_block": math.NaN()},
		{"stimulus_presentation_id": uint64(1), "start_time": 50.0, "stop_time": 100.0,
			"stimulus_name": "flashes"},
	})
	epochs, err := StimulusEpochs(f, nil)
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	// NaN and missing block values belong to the same run.
	if epochs.Len() != 1 {
		t.Fatalf("epoch rows = %d, want 1", epochs.Len())
	}
	if stop, _ := epochs.Float("stop_time", 0); stop != 100.0 {
		t.Fatalf("epoch stop = %v, want 100", stop)
	}
}

func TestStimulusEpochsDropShortSpontaneous(t *testing.T) {
	f := newPresentations(t, []map[string]interface{}{
		{"stimulus_presentation_id": uint64(0), "start_time": 0.0, "stop_time": 10.0,
			"stimulus_name": "flashes", "stimulus_block": 0.0},
		{"stimulus_presentation_id": uint64(1), "start_time": 10.0, "stop_time": 60.0,
			"stimulus_name": "spontaneous_activity"},
		{"stimulus_presentation_id": uint64(2), "start_time": 60.0, "stop_time": 70.0,
			"stimulus_name": "flashes", "stimulus_block": 1.0},
	})
	epochs, err := StimulusEpochs(f, nil)
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	// The 50s spontaneous epoch is under the 90s default and disappears.
	if epochs.Len() != 2 {
		t.Fatalf("epoch rows = %d, want 2", epochs.Len())
	}
	for i := 0; i < epochs.Len(); i++ {
		if name, _ := epochs.Str("stimulus_name", i); name == "spontaneous_activity" {
			t.Fatal("short spontaneous epoch survived the default threshold")
		}
	}
}

func TestStimulusEpochsCustomThresholds(t *testing.T) {
	f := newPresentations(t, []map[string]interface{}{
		{"stimulus_presentation_id": uint64(0), "start_time": 0.0, "stop_time": 5.0,
			"stimulus_name": "flashes", "stimulus_block": 0.0},
		{"stimulus_presentation_id": uint64(1), "start_time": 5.0, "stop_time": 55.0,
			"stimulus_name": "spontaneous_activity"},
	})

	// An explicit empty map disables all thresholds.
	epochs, err := StimulusEpochs(f, map[string]float64{})
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	if epochs.Len() != 2 {
		t.Fatalf("epoch rows with no thresholds = %d, want 2", epochs.Len())
	}

	// A flashes threshold drops the 5s flashes epoch instead.
	epochs, err = StimulusEpochs(f, map[string]float64{"flashes": 10.0})
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	if epochs.Len() != 1 {
		t.Fatalf("epoch rows with flashes threshold = %d, want 1", epochs.Len())
	}
	if name, _ := epochs.Str("stimulus_name", 0); name != "spontaneous_activity" {
		t.Fatalf("surviving epoch = %q, want spontaneous_activity", name)
	}
}
