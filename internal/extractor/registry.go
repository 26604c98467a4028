package extractor

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/types"
)

// Built-in definitions compiled into the binary. Directory definitions
// with the same ID replace them.
//
//go:embed defaults/*.yaml
var embeddedDefs embed.FS

// ReloadStats tracks registry reload activity.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Registry serves extractor definitions lock-free. The embedded
// defaults load first, then a directory of YAML files (one per
// extractor, file stem as fallback ID) overlays them by ID. With hot
// reload enabled, edits to the directory swap in a fresh set after a
// short debounce; a broken reload keeps the previous set.
type Registry struct {
	dir     string
	current atomic.Value // map[string]*Definition

	mu      sync.Mutex // guards reloads and stats
	stats   ReloadStats
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewRegistry loads the embedded defaults plus the directory (may be
// empty for defaults only) and optionally starts watching the directory.
func NewRegistry(dir string, hotReload bool) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		stopCh: make(chan struct{}),
	}

	defs, err := loadAll(dir)
	if err != nil {
		return nil, err
	}
	r.current.Store(defs)

	log.Info().
		Int("extractor_count", len(defs)).
		Str("dir", dir).
		Msg("Loaded extractor definitions")

	if hotReload && dir != "" {
		if err := r.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("dir", dir).
				Msg("Failed to start extractor watcher, hot-reload disabled")
		} else {
			log.Info().Str("dir", dir).Msg("Hot-reload enabled for extractor definitions")
		}
	}

	return r, nil
}

// Get returns the definition for an extractor ID.
func (r *Registry) Get(id string) (*Definition, error) {
	defs := r.current.Load().(map[string]*Definition)
	def, ok := defs[id]
	if !ok {
		return nil, types.NewExtractorNotFoundError(id)
	}
	return def, nil
}

// IDs lists the loaded extractor IDs, sorted.
func (r *Registry) IDs() []string {
	defs := r.current.Load().(map[string]*Definition)
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload reloads every definition from the directory. On failure the
// previous set stays active.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	defs, err := loadAll(r.dir)
	if err != nil {
		r.stats.LastError = err
		return err
	}

	r.current.Store(defs)
	r.stats.LastReloadTime = time.Now()
	r.stats.ReloadCount++
	r.stats.LastError = nil

	log.Info().
		Int("extractor_count", len(defs)).
		Int64("reload_count", r.stats.ReloadCount).
		Msg("Extractor definitions hot-reloaded")
	return nil
}

// Stats returns a copy of the reload statistics.
func (r *Registry) Stats() ReloadStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the watcher. Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// loadAll merges the embedded defaults with the directory definitions.
func loadAll(dir string) (map[string]*Definition, error) {
	defs, err := loadEmbedded()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return defs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read extractor directory: %w", err)
	}

	fromDir := make(map[string]string) // id -> file, for duplicate reporting
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isYAML(name) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		stem := strings.TrimSuffix(name, filepath.Ext(name))
		def, err := Parse(data, stem)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prev, dup := fromDir[def.ID]; dup {
			return nil, fmt.Errorf("duplicate extractor id %q in %s and %s", def.ID, prev, name)
		}
		fromDir[def.ID] = name
		defs[def.ID] = def
	}
	return defs, nil
}

// loadEmbedded parses the compiled-in definitions.
func loadEmbedded() (map[string]*Definition, error) {
	entries, err := fs.ReadDir(embeddedDefs, "defaults")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded extractors: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		name := entry.Name()
		data, err := fs.ReadFile(embeddedDefs, "defaults/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded %s: %w", name, err)
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		def, err := Parse(data, stem)
		if err != nil {
			return nil, fmt.Errorf("embedded %s: %w", name, err)
		}
		defs[def.ID] = def
	}
	return defs, nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (r *Registry) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	r.watcher = watcher

	r.wg.Add(1)
	go r.watchDir()
	return nil
}

// watchDir coalesces rapid directory changes into one reload.
func (r *Registry) watchDir() {
	defer r.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isYAML(event.Name) {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Extractor definition changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := r.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("dir", r.dir).
							Msg("Hot-reload failed, keeping previous extractors")
					}
					debouncing = false
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Extractor watcher error")

		case <-r.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
