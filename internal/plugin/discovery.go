package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"magpie-ai/internal/domain"
)

// ProgressFunc receives discovery progress updates. Callbacks run from
// worker goroutines but never concurrently.
type ProgressFunc func(domain.DiscoveryProgress)

// discoverDirs lists the immediate subdirectories of root that contain a
// manifest file. A missing root is not an error, the host simply has no
// plugins installed yet.
func discoverDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapOp("read plugin dir", err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(root, entry.Name(), ManifestFileName)
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(root, entry.Name()))
	}
	return dirs, nil
}

// ScanEntry is one plugin directory found by ScanRoot, with its parsed
// manifest or the parse failure.
type ScanEntry struct {
	Dir      string
	Manifest domain.PluginManifest
	Err      error
}

// ScanRoot parses the manifest of every plugin package under root without
// loading anything. Used by tooling that wants an inventory, invalid
// manifests included.
func ScanRoot(root string) ([]ScanEntry, error) {
	dirs, err := discoverDirs(root)
	if err != nil {
		return nil, err
	}

	entries := make([]ScanEntry, 0, len(dirs))
	for _, dir := range dirs {
		entry := ScanEntry{Dir: dir}
		raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
		if err != nil {
			entry.Err = err
		} else {
			entry.Manifest, entry.Err = ParseManifest(raw)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// runDiscovery loads every candidate directory with bounded parallelism.
// Individual load failures are counted, never propagated, so one broken
// plugin cannot block the rest of the scan.
func runDiscovery(ctx context.Context, dirs []string, parallelism int, load func(context.Context, string) bool, progress ProgressFunc) domain.DiscoveryResult {
	if parallelism < 1 {
		parallelism = 1
	}

	var (
		loaded  atomic.Int64
		failed  atomic.Int64
		current atomic.Int64
		mu      sync.Mutex
	)

	report := func(name, phase string) {
		if progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		progress(domain.DiscoveryProgress{
			Current:    int(current.Load()),
			Total:      len(dirs),
			PluginName: name,
			Phase:      phase,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			if gctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			name := filepath.Base(dir)
			current.Add(1)
			report(name, "loading")
			if load(gctx, dir) {
				loaded.Add(1)
			} else {
				failed.Add(1)
			}
			report(name, "done")
			return nil
		})
	}
	_ = g.Wait()

	return domain.DiscoveryResult{
		Total:  len(dirs),
		Loaded: int(loaded.Load()),
		Failed: int(failed.Load()),
	}
}
