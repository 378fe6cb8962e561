// File path: internal/catalog/store_test.go
package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/neuropil/neuropil/internal/frame"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func sessionsFixture(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.New(
		frame.ColumnSpec{Name: "id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "session_type", Kind: frame.KindString},
		frame.ColumnSpec{Name: "sampling_rate", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "has_nwb", Kind: frame.KindBool},
		frame.ColumnSpec{Name: "structure_acronyms", Kind: frame.KindSet},
		frame.ColumnSpec{Name: "published_at", Kind: frame.KindTime},
		frame.ColumnSpec{Name: "unit_count", Kind: frame.KindInt},
	)
	if err != nil {
		t.Fatalf("build fixture schema: %v", err)
	}
	published := time.Date(2019, 10, 3, 12, 30, 0, 0, time.UTC)
	rows := []map[string]interface{}{
		{
			"id":                 uint64(715093703),
			"session_type":       "brain_observatory_1.1",
			"sampling_rate":      30000.25,
			"has_nwb":            true,
			"structure_acronyms": []string{"VISp", "LGd", "CA1"},
			"published_at":       published,
			"unit_count":         int64(884),
		},
		{
			"id":                 uint64(719161530),
			"session_type":       "functional_connectivity",
			"sampling_rate":      29999.75,
			"has_nwb":            false,
			"structure_acronyms": []string{"VISam"},
			"unit_count":         int64(602),
		},
		{
			// Sparse row: only the identifier is present.
			"id": uint64(721123822),
		},
	}
	for i, row := range rows {
		if err := f.AppendRow(row); err != nil {
			t.Fatalf("append fixture row %d: %v", i, err)
		}
	}
	return f
}

func assertFramesEqual(t *testing.T, want, got *frame.Frame) {
	t.Helper()
	if got.Len() != want.Len() {
		t.Fatalf("row count = %d, want %d", got.Len(), want.Len())
	}
	wantSchema := want.Schema()
	gotSchema := got.Schema()
	if len(gotSchema) != len(wantSchema) {
		t.Fatalf("column count = %d, want %d", len(gotSchema), len(wantSchema))
	}
	for i, spec := range wantSchema {
		if gotSchema[i] != spec {
			t.Fatalf("column %d = %+v, want %+v", i, gotSchema[i], spec)
		}
	}
	for _, spec := range wantSchema {
		for i := 0; i < want.Len(); i++ {
			wantValue, wantOK := want.Value(spec.Name, i)
			gotValue, gotOK := got.Value(spec.Name, i)
			if gotOK != wantOK {
				t.Fatalf("column %s row %d presence = %v, want %v", spec.Name, i, gotOK, wantOK)
			}
			if !wantOK {
				continue
			}
			switch spec.Kind {
			case frame.KindTime:
				if !gotValue.(time.Time).Equal(wantValue.(time.Time)) {
					t.Fatalf("column %s row %d = %v, want %v", spec.Name, i, gotValue, wantValue)
				}
			case frame.KindSet:
				wantSet := wantValue.([]string)
				gotSet := gotValue.([]string)
				if len(gotSet) != len(wantSet) {
					t.Fatalf("column %s row %d = %v, want %v", spec.Name, i, gotSet, wantSet)
				}
				for j := range wantSet {
					if gotSet[j] != wantSet[j] {
						t.Fatalf("column %s row %d = %v, want %v", spec.Name, i, gotSet, wantSet)
					}
				}
			default:
				if gotValue != wantValue {
					t.Fatalf("column %s row %d = %v (%T), want %v (%T)", spec.Name, i, gotValue, gotValue, wantValue, wantValue)
				}
			}
		}
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessions := sessionsFixture(t)

	err := store.SaveTables(ctx, "ecephys", map[string]*frame.Frame{"sessions": sessions}, "sig-1")
	if err != nil {
		t.Fatalf("save tables: %v", err)
	}
	loaded, err := store.LoadTables(ctx, "ecephys", "sig-1")
	if err != nil {
		t.Fatalf("load tables: %v", err)
	}
	got, ok := loaded["sessions"]
	if !ok {
		t.Fatalf("sessions table missing from load, got %d tables", len(loaded))
	}
	assertFramesEqual(t, sessions, got)
}

func TestLoadRejectsChangedSignature(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.SaveTables(ctx, "ecephys", map[string]*frame.Frame{"sessions": sessionsFixture(t)}, "sig-1")
	if err != nil {
		t.Fatalf("save tables: %v", err)
	}
	if _, err := store.LoadTables(ctx, "ecephys", "sig-2"); !errors.Is(err, ErrStale) {
		t.Fatalf("load with changed signature = %v, want ErrStale", err)
	}
}

func TestLoadEmptyCatalogIsStale(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.LoadTables(context.Background(), "ecephys", "sig-1"); !errors.Is(err, ErrStale) {
		t.Fatalf("load from empty catalog = %v, want ErrStale", err)
	}
}

func TestModalitiesAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.SaveTables(ctx, "ecephys", map[string]*frame.Frame{"sessions": sessionsFixture(t)}, "sig-1")
	if err != nil {
		t.Fatalf("save tables: %v", err)
	}
	if _, err := store.LoadTables(ctx, "ophys", "sig-1"); !errors.Is(err, ErrStale) {
		t.Fatalf("load of unwritten modality = %v, want ErrStale", err)
	}
}

func TestSaveOverwritesPreviousBuild(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.SaveTables(ctx, "ecephys", map[string]*frame.Frame{"sessions": sessionsFixture(t)}, "sig-1")
	if err != nil {
		t.Fatalf("first save: %v", err)
	}

	smaller, err := frame.New(frame.ColumnSpec{Name: "id", Kind: frame.KindUint})
	if err != nil {
		t.Fatalf("build smaller schema: %v", err)
	}
	if err := smaller.AppendRow(map[string]interface{}{"id": uint64(7)}); err != nil {
		t.Fatalf("append row: %v", err)
	}
	err = store.SaveTables(ctx, "ecephys", map[string]*frame.Frame{"sessions": smaller}, "sig-2")
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := store.LoadTables(ctx, "ecephys", "sig-2")
	if err != nil {
		t.Fatalf("load tables: %v", err)
	}
	assertFramesEqual(t, smaller, loaded["sessions"])
}

func TestClearRemovesModality(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.SaveTables(ctx, "ecephys", map[string]*frame.Frame{"sessions": sessionsFixture(t)}, "sig-1")
	if err != nil {
		t.Fatalf("save tables: %v", err)
	}
	if err := store.Clear(ctx, "ecephys"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := store.LoadTables(ctx, "ecephys", "sig-1"); !errors.Is(err, ErrStale) {
		t.Fatalf("load after clear = %v, want ErrStale", err)
	}
	// A cleared modality accepts a fresh build.
	err = store.SaveTables(ctx, "ecephys", map[string]*frame.Frame{"sessions": sessionsFixture(t)}, "sig-1")
	if err != nil {
		t.Fatalf("save after clear: %v", err)
	}
}
