// File path: cmd/neuropil/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/neuropil/neuropil/internal/cache"
	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/frame"
	"github.com/neuropil/neuropil/internal/manifest"
	"github.com/neuropil/neuropil/internal/selection"
	"github.com/neuropil/neuropil/internal/sessionfile"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("neuropil: .env file not loaded", "error", err)
	} else {
		logger.Info("neuropil: environment loaded from .env")
	}

	modalityFlag := flag.String("modality", defaultModality(), "manifest modality (ecephys or ophys)")
	syncMode := flag.Bool("sync", false, "build or refresh the manifest tables, then exit")
	listMode := flag.Bool("list", false, "print the session listing after applying filters")
	downloadIDs := flag.String("download", "", "comma-separated session ids whose data bundles should be cached")
	invalidatePattern := flag.String("invalidate", "", "remove cached content whose key contains this substring")
	bundleBase := flag.String("bundle-base", defaultBundleBase(), "base URL for per-session data bundles")
	sessionType := flag.String("session-type", "", "keep only sessions of this type in the listing")
	structure := flag.String("structure", "", "keep only sessions recording from this structure in the listing")
	timeoutFlag := flag.String("timeout", "15m", "overall command deadline (e.g. 30s, 15m)")
	flag.Parse()

	modality := manifest.Modality(strings.TrimSpace(*modalityFlag))
	if !modality.Valid() {
		logger.Error("neuropil: unknown modality", "modality", *modalityFlag)
		fmt.Println("modality error: choose ecephys or ophys")
		os.Exit(1)
	}
	if !*syncMode && !*listMode && strings.TrimSpace(*downloadIDs) == "" && strings.TrimSpace(*invalidatePattern) == "" {
		fmt.Println("choose at least one of -sync, -list, -download, -invalidate")
		flag.Usage()
		os.Exit(2)
	}
	if trimmed := strings.TrimSpace(*timeoutFlag); trimmed != "" {
		dur, err := time.ParseDuration(trimmed)
		if err != nil {
			logger.Error("neuropil: invalid timeout", "value", trimmed, "error", err)
			fmt.Println("timeout error:", err)
			os.Exit(1)
		}
		var release context.CancelFunc
		ctx, release = context.WithTimeout(ctx, dur)
		defer release()
	}

	logger.Info("neuropil: startup initiated", "modality", modality)

	store, err := manifest.NewFromEnv(modality)
	if err != nil {
		logger.Error("neuropil: manifest store initialization failed", "error", err)
		fmt.Println("manifest error:", err)
		os.Exit(1)
	}

	if pattern := strings.TrimSpace(*invalidatePattern); pattern != "" {
		if err := store.Invalidate(ctx, pattern); err != nil {
			logger.Error("neuropil: invalidation failed", "pattern", pattern, "error", err)
			fmt.Println("invalidate error:", err)
			os.Exit(1)
		}
		fmt.Printf("invalidated cached content matching %q\n", pattern)
	}

	if *syncMode {
		if err := runSync(ctx, store, modality); err != nil {
			logger.Error("neuropil: sync failed", "error", err)
			fmt.Println("sync error:", err)
			os.Exit(1)
		}
	}

	if *listMode {
		if err := runList(ctx, store, modality, *sessionType, *structure); err != nil {
			logger.Error("neuropil: listing failed", "error", err)
			fmt.Println("list error:", err)
			os.Exit(1)
		}
	}

	if ids := strings.TrimSpace(*downloadIDs); ids != "" {
		if err := runDownload(ctx, ids, *bundleBase); err != nil {
			logger.Error("neuropil: download failed", "error", err)
			fmt.Println("download error:", err)
			os.Exit(1)
		}
	}
}

func runSync(ctx context.Context, store *manifest.Store, modality manifest.Modality) error {
	for _, name := range manifest.TableNames(modality) {
		table, err := store.Table(ctx, name)
		if err != nil {
			return fmt.Errorf("build %s: %w", name, err)
		}
		fmt.Printf("%-12s %6d rows\n", name, table.Len())
	}
	return nil
}

func runList(ctx context.Context, store *manifest.Store, modality manifest.Modality, sessionType, structure string) error {
	sessions, err := store.Table(ctx, "sessions")
	if err != nil {
		return err
	}
	set, err := selection.NewSet(sessions, false)
	if err != nil {
		return err
	}
	if trimmed := strings.TrimSpace(sessionType); trimmed != "" {
		if err := set.FilterEqual("session_type", trimmed); err != nil {
			return err
		}
	}
	if trimmed := strings.TrimSpace(structure); trimmed != "" {
		var err error
		if modality == manifest.Ecephys {
			err = set.FilterContains("structure_acronyms", trimmed)
		} else {
			err = set.FilterEqual("targeted_structure", trimmed)
		}
		if err != nil {
			return err
		}
	}
	table, err := set.Table()
	if err != nil {
		return err
	}
	fmt.Printf("%d of %d sessions\n", set.Len(), set.BaseLen())
	for i := 0; i < table.Len(); i++ {
		fmt.Println(describeSession(table, i))
	}
	return nil
}

func describeSession(table *frame.Frame, i int) string {
	parts := make([]string, 0, 3)
	if id, ok := table.Uint("id", i); ok {
		parts = append(parts, strconv.FormatUint(id, 10))
	}
	if kind, ok := table.Str("session_type", i); ok {
		parts = append(parts, kind)
	}
	if acronyms, ok := table.Set("structure_acronyms", i); ok && len(acronyms) > 0 {
		parts = append(parts, strings.Join(acronyms, "+"))
	} else if target, ok := table.Str("targeted_structure", i); ok {
		parts = append(parts, target)
	}
	return strings.Join(parts, "  ")
}

func runDownload(ctx context.Context, rawIDs, bundleBase string) error {
	base := strings.TrimSpace(bundleBase)
	if base == "" {
		return errors.New("bundle base URL required (set -bundle-base or NEUROPIL_BUNDLE_BASE)")
	}
	var keys []string
	for _, part := range strings.Split(rawIDs, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return fmt.Errorf("session id %q: %w", trimmed, err)
		}
		keys = append(keys, sessionfile.BundleURL(base, id))
	}
	if len(keys) == 0 {
		return errors.New("no session ids to download")
	}

	content, err := cache.Default()
	if err != nil {
		return err
	}
	err = content.FetchMany(ctx, keys)
	var batchErr *cache.BatchError
	if errors.As(err, &batchErr) {
		fmt.Printf("%d of %d bundles failed:\n", len(batchErr.Failed), batchErr.Total)
		failed := make([]string, 0, len(batchErr.Failed))
		for key := range batchErr.Failed {
			failed = append(failed, key)
		}
		sort.Strings(failed)
		for _, key := range failed {
			fmt.Printf("  %s: %v\n", key, batchErr.Failed[key])
		}
		return err
	}
	if err != nil {
		return err
	}
	fmt.Printf("cached %d bundles under %s\n", len(keys), content.Root())
	return nil
}

func defaultModality() string {
	if env := strings.TrimSpace(os.Getenv("NEUROPIL_MODALITY")); env != "" {
		return env
	}
	return "ecephys"
}

func defaultBundleBase() string {
	return strings.TrimSpace(os.Getenv("NEUROPIL_BUNDLE_BASE"))
}
