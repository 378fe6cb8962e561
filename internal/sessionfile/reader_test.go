// File path: internal/sessionfile/reader_test.go
package sessionfile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neuropil/neuropil/internal/cache"
	"github.com/neuropil/neuropil/internal/session"
)

const fullBundle = `{
  "presentations": {
    "stimulus_presentation_id": [0, 1, 2],
    "start_time": [10.0, 11.0, 12.0],
    "stop_time": [10.25, 11.25, 12.25],
    "stimulus_name": ["drifting_gratings", "drifting_gratings", "flashes"],
    "stimulus_block": [0, 0, 1],
    "orientation": [0, 90, null],
    "phase": ["0.0", "0.25", null]
  },
  "spike_times": {
    "951814884": [12.1, 10.05, 11.3],
    "951814885": [10.1]
  },
  "invalid_times": [
    {"start_time": 5.0, "stop_time": 6.0, "tags": ["stimulus"]}
  ],
  "units": [
    {"id": 951814884, "ecephys_channel_id": 850126382, "firing_rate": 5.5, "quality": "good"},
    {"id": 951814885, "ecephys_channel_id": 850126384, "firing_rate": 0.2, "quality": "noise"}
  ],
  "running_speed": {
    "start_time": [10.0, 10.1],
    "end_time": [10.1, 10.2],
    "velocity": [3.2, 4.1]
  },
  "optogenetic_epochs": {
    "start_time": [100.0],
    "stop_time": [101.0],
    "condition": ["pulse"],
    "level": [2.5]
  },
  "rig_metadata": {"rig_name": "NP.1", "rig_geometry": {"monitor_distance_cm": 15.0}}
}`

type countingDownloader struct {
	mu      sync.Mutex
	calls   int
	payload []byte
}

func (d *countingDownloader) download(ctx context.Context, key string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.payload, nil
}

func (d *countingDownloader) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestReader(t *testing.T, payload string) (*Reader, *countingDownloader) {
	t.Helper()
	dl := &countingDownloader{payload: []byte(payload)}
	store, err := cache.New(cache.Config{
		Root:         t.TempDir(),
		MaxRetries:   1,
		Workers:      2,
		RetryBackoff: time.Millisecond,
		Timeout:      time.Second,
	}, cache.WithDownloader(dl.download))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	reader, err := New(store, "https://example.org/sessions/715093703.json")
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	return reader, dl
}

func TestReaderDecodesEverySection(t *testing.T) {
	reader, _ := newTestReader(t, fullBundle)
	ctx := context.Background()

	presentations, err := reader.Presentations(ctx)
	if err != nil {
		t.Fatalf("presentations: %v", err)
	}
	if presentations.Len() != 3 {
		t.Fatalf("presentation rows = %d, want 3", presentations.Len())
	}
	if id, ok := presentations.Uint("stimulus_presentation_id", 2); !ok || id != 2 {
		t.Fatalf("row 2 id = %v, %v; want 2", id, ok)
	}
	if orientation, ok := presentations.Float("orientation", 1); !ok || orientation != 90.0 {
		t.Fatalf("row 1 orientation = %v, %v; want 90", orientation, ok)
	}
	// JSON null is a missing cell, not a zero.
	if _, ok := presentations.Float("orientation", 2); ok {
		t.Fatal("null orientation decoded as a value")
	}
	if phase, ok := presentations.Str("phase", 0); !ok || phase != "0.0" {
		t.Fatalf("row 0 phase = %q, %v; want 0.0", phase, ok)
	}

	spikes, err := reader.SpikeTimes(ctx)
	if err != nil {
		t.Fatalf("spike times: %v", err)
	}
	train, ok := spikes[951814884]
	if !ok || len(train) != 3 {
		t.Fatalf("unit 951814884 train = %v", train)
	}
	// The fixture train arrives shuffled; the reader sorts it.
	if train[0] != 10.05 || train[2] != 12.1 {
		t.Fatalf("train not sorted: %v", train)
	}

	invalid, err := reader.InvalidTimes(ctx)
	if err != nil {
		t.Fatalf("invalid times: %v", err)
	}
	if len(invalid) != 1 || invalid[0].Start != 5.0 || invalid[0].Tags[0] != "stimulus" {
		t.Fatalf("invalid times = %+v", invalid)
	}

	units, err := reader.Units(ctx)
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if units.Len() != 2 {
		t.Fatalf("unit rows = %d, want 2", units.Len())
	}
	if id, ok := units.Uint("id", 0); !ok || id != 951814884 {
		t.Fatalf("unit 0 id = %v, %v", id, ok)
	}
	if channel, ok := units.Uint("ecephys_channel_id", 1); !ok || channel != 850126384 {
		t.Fatalf("unit 1 channel = %v, %v", channel, ok)
	}
	if quality, ok := units.Str("quality", 1); !ok || quality != "noise" {
		t.Fatalf("unit 1 quality = %q, %v", quality, ok)
	}

	speed, err := reader.RunningSpeed(ctx)
	if err != nil {
		t.Fatalf("running speed: %v", err)
	}
	if speed.Len() != 2 {
		t.Fatalf("speed rows = %d, want 2", speed.Len())
	}
	if velocity, ok := speed.Float("velocity", 1); !ok || velocity != 4.1 {
		t.Fatalf("velocity = %v, %v; want 4.1", velocity, ok)
	}

	opto, err := reader.OptogeneticEpochs(ctx)
	if err != nil {
		t.Fatalf("optogenetic epochs: %v", err)
	}
	if condition, ok := opto.Str("condition", 0); !ok || condition != "pulse" {
		t.Fatalf("opto condition = %q, %v", condition, ok)
	}

	rig, err := reader.RigMetadata(ctx)
	if err != nil {
		t.Fatalf("rig metadata: %v", err)
	}
	if rig["rig_name"] != "NP.1" {
		t.Fatalf("rig metadata = %v", rig)
	}
}

func TestReaderFetchesBundleOnce(t *testing.T) {
	reader, dl := newTestReader(t, fullBundle)
	ctx := context.Background()

	if _, err := reader.Presentations(ctx); err != nil {
		t.Fatalf("presentations: %v", err)
	}
	if _, err := reader.SpikeTimes(ctx); err != nil {
		t.Fatalf("spike times: %v", err)
	}
	if _, err := reader.Units(ctx); err != nil {
		t.Fatalf("units: %v", err)
	}
	if dl.callCount() != 1 {
		t.Fatalf("downloads = %d, want 1", dl.callCount())
	}
}

func TestReaderAbsentSectionsAreNotPresent(t *testing.T) {
	bundle := `{
	  "presentations": {
	    "stimulus_presentation_id": [0],
	    "start_time": [0.0],
	    "stop_time": [1.0],
	    "stimulus_name": ["flashes"]
	  },
	  "spike_times": {},
	  "units": [],
	  "rig_metadata": null
	}`
	reader, _ := newTestReader(t, bundle)
	ctx := context.Background()

	if _, err := reader.InvalidTimes(ctx); !errors.Is(err, session.ErrFieldNotPresent) {
		t.Fatalf("invalid times error = %v, want ErrFieldNotPresent", err)
	}
	if _, err := reader.RunningSpeed(ctx); !errors.Is(err, session.ErrFieldNotPresent) {
		t.Fatalf("running speed error = %v, want ErrFieldNotPresent", err)
	}
	if _, err := reader.OptogeneticEpochs(ctx); !errors.Is(err, session.ErrFieldNotPresent) {
		t.Fatalf("optogenetic error = %v, want ErrFieldNotPresent", err)
	}
	// An explicit null section counts as absent too.
	if _, err := reader.RigMetadata(ctx); !errors.Is(err, session.ErrFieldNotPresent) {
		t.Fatalf("rig metadata error = %v, want ErrFieldNotPresent", err)
	}

	// Present-but-empty sections stay present.
	spikes, err := reader.SpikeTimes(ctx)
	if err != nil {
		t.Fatalf("spike times: %v", err)
	}
	if len(spikes) != 0 {
		t.Fatalf("spike trains = %v, want none", spikes)
	}
}

func TestReaderRejectsRaggedColumns(t *testing.T) {
	bundle := `{
	  "presentations": {
	    "stimulus_presentation_id": [0, 1],
	    "start_time": [0.0]
	  }
	}`
	reader, _ := newTestReader(t, bundle)
	if _, err := reader.Presentations(context.Background()); err == nil {
		t.Fatal("expected error for ragged presentation columns")
	}
}

func TestReaderRejectsMalformedSpikeKeys(t *testing.T) {
	bundle := `{"spike_times": {"not-a-unit": [1.0]}}`
	reader, _ := newTestReader(t, bundle)
	_, err := reader.SpikeTimes(context.Background())
	if err == nil {
		t.Fatal("expected error for a non-numeric unit key")
	}
	if !strings.Contains(err.Error(), "not-a-unit") {
		t.Fatalf("error = %v, want the offending key named", err)
	}
}

func TestReaderBacksASessionView(t *testing.T) {
	reader, _ := newTestReader(t, fullBundle)
	view, err := reader.View(715093703)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	ctx := context.Background()

	presentations, err := view.Presentations(ctx)
	if err != nil {
		t.Fatalf("presentations: %v", err)
	}
	if !presentations.HasColumn("stimulus_condition_id") {
		t.Fatal("view did not assign conditions")
	}
	if presentations.Len() != 3 {
		t.Fatalf("presentation rows = %d, want 3", presentations.Len())
	}

	spikes, err := view.SpikeTimes(ctx)
	if err != nil {
		t.Fatalf("spike times: %v", err)
	}
	if len(spikes) != 2 {
		t.Fatalf("units with trains = %d, want 2", len(spikes))
	}
}

func TestBundleURL(t *testing.T) {
	got := BundleURL("https://example.org/data/", 715093703)
	want := "https://example.org/data/sessions/715093703.json"
	if got != want {
		t.Fatalf("bundle url = %q, want %q", got, want)
	}
}
