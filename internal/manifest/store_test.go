// File path: internal/manifest/store_test.go
package manifest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neuropil/neuropil/internal/cache"
	"github.com/neuropil/neuropil/internal/catalog"
	"github.com/neuropil/neuropil/internal/warehouse"
	"github.com/neuropil/neuropil/internal/warehouse/warehousetest"
)

func newEcephysServer(t *testing.T) *warehousetest.Server {
	t.Helper()
	srv := warehousetest.New()
	t.Cleanup(srv.Close)

	srv.SetModel("EcephysSession", []map[string]interface{}{
		{"id": 1, "published_at": "2019-10-03T00:00:00Z", "specimen_id": 701, "session_type": "brain_observatory_1.1",
			"age_in_days": 110.0, "sex": "M", "genotype": "wt/wt", "workflow_state": "uploaded"},
		{"id": 2, "published_at": "2019-10-03T00:00:00Z", "specimen_id": 702, "session_type": "functional_connectivity",
			"age_in_days": 98.0, "sex": "F", "genotype": "Sst-IRES-Cre/wt", "workflow_state": "uploaded"},
		{"id": 3, "published_at": "2019-10-03T00:00:00Z", "specimen_id": 703, "session_type": "brain_observatory_1.1",
			"age_in_days": 121.0, "sex": "M", "genotype": "wt/wt", "workflow_state": "processing"},
	})
	srv.SetModel("EcephysProbe", []map[string]interface{}{
		{"id": 10, "ecephys_session_id": 1, "name": "probeA", "sampling_rate": 29999.9, "lfp_sampling_rate": 2499.9, "phase": "3a"},
		{"id": 11, "ecephys_session_id": 2, "name": "probeB", "sampling_rate": 30000.1, "lfp_sampling_rate": 2500.1, "phase": "3a"},
		{"id": 12, "ecephys_session_id": 3, "name": "probeC", "sampling_rate": 30000.0, "lfp_sampling_rate": 2500.0, "phase": "3a"},
	})
	srv.SetModel("EcephysChannel", []map[string]interface{}{
		{"id": 100, "ecephys_probe_id": 10, "local_index": 0, "ecephys_structure_acronym": "VISp"},
		{"id": 101, "ecephys_probe_id": 10, "local_index": 1, "ecephys_structure_acronym": "LGd"},
		{"id": 102, "ecephys_probe_id": 11, "local_index": 0, "ecephys_structure_acronym": "VISp"},
		{"id": 103, "ecephys_probe_id": 12, "local_index": 0, "ecephys_structure_acronym": "CA1"},
	})
	srv.SetModel("EcephysUnit", []map[string]interface{}{
		{"id": 1000, "ecephys_channel_id": 100, "firing_rate": 5.5, "snr": 2.5},
		{"id": 1001, "ecephys_channel_id": 100, "firing_rate": 0.5, "snr": 1.5},
		{"id": 1002, "ecephys_channel_id": 102, "firing_rate": 9.0, "snr": 3.2},
		{"id": 1003, "ecephys_channel_id": 103, "firing_rate": 1.0, "snr": 1.1},
	})
	return srv
}

func newTestClient(t *testing.T, baseURL string, fetcher warehouse.Fetcher) *warehouse.Client {
	t.Helper()
	client, err := warehouse.New(warehouse.Config{
		BaseURL:    baseURL,
		PageSize:   2,
		MaxRetries: 1,
		Timeout:    5 * time.Second,
	}, fetcher)
	if err != nil {
		t.Fatalf("build warehouse client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTableBuildsDerivedColumnsAndPrunes(t *testing.T) {
	srv := newEcephysServer(t)
	store, err := New(Ecephys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	ctx := context.Background()

	sessions, err := store.Table(ctx, "sessions")
	if err != nil {
		t.Fatalf("sessions table: %v", err)
	}
	if sessions.Len() != 2 {
		t.Fatalf("sessions rows = %d, want 2 after pruning", sessions.Len())
	}
	// Session 1 owns probeA with two channels and two units.
	if got, _ := sessions.Uint("id", 0); got != 1 {
		t.Fatalf("first session id = %d, want 1", got)
	}
	if got, ok := sessions.Int("unit_count", 0); !ok || got != 2 {
		t.Fatalf("session 1 unit_count = %d, %v; want 2", got, ok)
	}
	if got, ok := sessions.Int("channel_count", 0); !ok || got != 2 {
		t.Fatalf("session 1 channel_count = %d, %v; want 2", got, ok)
	}
	if got, ok := sessions.Int("probe_count", 0); !ok || got != 1 {
		t.Fatalf("session 1 probe_count = %d, %v; want 1", got, ok)
	}
	acronyms, ok := sessions.Set("structure_acronyms", 0)
	if !ok || len(acronyms) != 2 || acronyms[0] != "LGd" || acronyms[1] != "VISp" {
		t.Fatalf("session 1 structure_acronyms = %v, want [LGd VISp]", acronyms)
	}

	probes, err := store.Table(ctx, "probes")
	if err != nil {
		t.Fatalf("probes table: %v", err)
	}
	if probes.Len() != 2 {
		t.Fatalf("probes rows = %d, want 2 after cascade pruning", probes.Len())
	}
	units, err := store.Table(ctx, "units")
	if err != nil {
		t.Fatalf("units table: %v", err)
	}
	if units.Len() != 3 {
		t.Fatalf("units rows = %d, want 3 after cascade pruning", units.Len())
	}
	// Units carry their lineage ids after annotation.
	if got, ok := units.Uint("ecephys_session_id", 0); !ok || got != 1 {
		t.Fatalf("unit 1000 ecephys_session_id = %d, %v; want 1", got, ok)
	}
}

func TestTableIsMemoizedForStoreLifetime(t *testing.T) {
	srv := newEcephysServer(t)
	store, err := New(Ecephys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Table(ctx, "sessions"); err != nil {
		t.Fatalf("first table call: %v", err)
	}
	before := srv.Requests("EcephysSession")
	if before == 0 {
		t.Fatal("expected session queries on first build")
	}
	if _, err := store.Table(ctx, "sessions"); err != nil {
		t.Fatalf("second table call: %v", err)
	}
	if _, err := store.Table(ctx, "units"); err != nil {
		t.Fatalf("units table call: %v", err)
	}
	if got := srv.Requests("EcephysSession"); got != before {
		t.Fatalf("session requests after memoized reads = %d, want %d", got, before)
	}
}

func TestTableRejectsUnknownName(t *testing.T) {
	srv := newEcephysServer(t)
	store, err := New(Ecephys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	_, err = store.Table(context.Background(), "containers")
	if err == nil || !strings.Contains(err.Error(), "unknown table") {
		t.Fatalf("ophys table on ecephys store = %v, want unknown table error", err)
	}
}

func TestSessionLookup(t *testing.T) {
	srv := newEcephysServer(t)
	store, err := New(Ecephys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	ctx := context.Background()

	row, err := store.Session(ctx, 2)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if row["session_type"] != "functional_connectivity" {
		t.Fatalf("session 2 type = %v, want functional_connectivity", row["session_type"])
	}

	_, err = store.Session(ctx, 999)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("missing session error = %v, want NotFoundError", err)
	}
	if notFound.ID != 999 || notFound.Table != "sessions" {
		t.Fatalf("NotFoundError = %+v, want id 999 in sessions", notFound)
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	srv := newEcephysServer(t)
	store, err := New(Ecephys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Table(ctx, "sessions"); err != nil {
		t.Fatalf("first build: %v", err)
	}
	before := srv.Requests("EcephysSession")
	if err := store.Invalidate(ctx, "EcephysSession"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := store.Table(ctx, "sessions"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := srv.Requests("EcephysSession"); got <= before {
		t.Fatalf("session requests after invalidate = %d, want more than %d", got, before)
	}
}

func TestCachedPagesSkipTheNetwork(t *testing.T) {
	srv := newEcephysServer(t)
	content, err := cache.New(cache.Config{
		Root:         t.TempDir(),
		MaxRetries:   1,
		Workers:      2,
		RetryBackoff: time.Millisecond,
		Timeout:      5 * time.Second,
	})
	if err != nil {
		t.Fatalf("build cache: %v", err)
	}
	ctx := context.Background()

	first, err := New(Ecephys, newTestClient(t, srv.URL, content), WithCache(content))
	if err != nil {
		t.Fatalf("build first store: %v", err)
	}
	if _, err := first.Table(ctx, "sessions"); err != nil {
		t.Fatalf("first build: %v", err)
	}
	before := srv.Requests("EcephysSession")

	second, err := New(Ecephys, newTestClient(t, srv.URL, content), WithCache(content))
	if err != nil {
		t.Fatalf("build second store: %v", err)
	}
	if _, err := second.Table(ctx, "sessions"); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if got := srv.Requests("EcephysSession"); got != before {
		t.Fatalf("session requests with warm cache = %d, want %d", got, before)
	}

	// Purging the cached session pages forces those downloads again.
	if err := second.Invalidate(ctx, "EcephysSession"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := second.Table(ctx, "sessions"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := srv.Requests("EcephysSession"); got <= before {
		t.Fatalf("session requests after purge = %d, want more than %d", got, before)
	}
}

func TestCatalogServesRestartedStore(t *testing.T) {
	srv := newEcephysServer(t)
	local := openTestCatalog(t)
	ctx := context.Background()

	first, err := New(Ecephys, newTestClient(t, srv.URL, nil), WithCatalog(local))
	if err != nil {
		t.Fatalf("build first store: %v", err)
	}
	sessions, err := first.Table(ctx, "sessions")
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	before := srv.Requests("EcephysSession")

	second, err := New(Ecephys, newTestClient(t, srv.URL, nil), WithCatalog(local))
	if err != nil {
		t.Fatalf("build second store: %v", err)
	}
	restored, err := second.Table(ctx, "sessions")
	if err != nil {
		t.Fatalf("load from catalog: %v", err)
	}
	if got := srv.Requests("EcephysSession"); got != before {
		t.Fatalf("session requests after catalog load = %d, want %d", got, before)
	}
	if restored.Len() != sessions.Len() {
		t.Fatalf("restored sessions rows = %d, want %d", restored.Len(), sessions.Len())
	}
	if got, ok := restored.Int("unit_count", 0); !ok || got != 2 {
		t.Fatalf("restored unit_count = %d, %v; want 2", got, ok)
	}
}

func openTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	local, err := catalog.Open(t.TempDir() + "/catalog.db")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	return local
}

func TestOphysBuildRollsUpContainers(t *testing.T) {
	srv := warehousetest.New()
	t.Cleanup(srv.Close)
	srv.SetModel("ExperimentContainer", []map[string]interface{}{
		{"id": 10, "specimen_id": 801, "targeted_structure": "VISp", "imaging_depth": 275, "cre_line": "Cux2-CreERT2", "failed": false},
		{"id": 11, "specimen_id": 802, "targeted_structure": "VISl", "imaging_depth": 175, "cre_line": "Rbp4-Cre_KL100", "failed": true},
		{"id": 12, "specimen_id": 803, "targeted_structure": "VISam", "imaging_depth": 375, "cre_line": "Rorb-IRES2-Cre"},
	})
	srv.SetModel("OphysExperiment", []map[string]interface{}{
		{"id": 100, "experiment_container_id": 10, "session_type": "three_session_A", "targeted_structure": "VISp", "cre_line": "Cux2-CreERT2"},
		{"id": 101, "experiment_container_id": 10, "session_type": "three_session_B", "targeted_structure": "VISp", "cre_line": "Cux2-CreERT2"},
		{"id": 102, "experiment_container_id": 11, "session_type": "three_session_A", "targeted_structure": "VISl", "cre_line": "Rbp4-Cre_KL100"},
		{"id": 103, "experiment_container_id": 99, "session_type": "three_session_C", "targeted_structure": "VISal", "cre_line": "Cux2-CreERT2"},
	})

	store, err := New(Ophys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	ctx := context.Background()

	containers, err := store.Table(ctx, "containers")
	if err != nil {
		t.Fatalf("containers table: %v", err)
	}
	if containers.Len() != 2 {
		t.Fatalf("containers rows = %d, want 2 after pruning failed", containers.Len())
	}
	if got, ok := containers.Int("session_count", 0); !ok || got != 2 {
		t.Fatalf("container 10 session_count = %d, %v; want 2", got, ok)
	}
	types, ok := containers.Set("session_types", 0)
	if !ok || len(types) != 2 || types[0] != "three_session_A" || types[1] != "three_session_B" {
		t.Fatalf("container 10 session_types = %v, want [three_session_A three_session_B]", types)
	}
	if got, ok := containers.Int("session_count", 1); !ok || got != 0 {
		t.Fatalf("container 12 session_count = %d, %v; want explicit 0", got, ok)
	}

	sessions, err := store.Table(ctx, "sessions")
	if err != nil {
		t.Fatalf("sessions table: %v", err)
	}
	if sessions.Len() != 2 {
		t.Fatalf("ophys sessions rows = %d, want 2 after cascade pruning", sessions.Len())
	}
}

func TestDuplicateRemoteIDsFailBuild(t *testing.T) {
	srv := newEcephysServer(t)
	srv.SetModel("EcephysProbe", []map[string]interface{}{
		{"id": 10, "ecephys_session_id": 1, "name": "probeA", "sampling_rate": 29999.9, "lfp_sampling_rate": 2499.9, "phase": "3a"},
		{"id": 10, "ecephys_session_id": 2, "name": "probeB", "sampling_rate": 30000.1, "lfp_sampling_rate": 2500.1, "phase": "3a"},
	})
	store, err := New(Ecephys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	_, err = store.Table(context.Background(), "sessions")
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("build with duplicate probe ids = %v, want duplicate id error", err)
	}
}

func TestMalformedRemoteRowFailsBuild(t *testing.T) {
	srv := newEcephysServer(t)
	srv.SetModel("EcephysUnit", []map[string]interface{}{
		{"id": "not-a-number", "ecephys_channel_id": 100},
	})
	store, err := New(Ecephys, newTestClient(t, srv.URL, nil))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	if _, err := store.Table(context.Background(), "sessions"); err == nil {
		t.Fatal("expected build failure from malformed unit row")
	}
}
