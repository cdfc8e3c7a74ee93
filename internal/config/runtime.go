package config

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Runtime holds the live RoutingPlan snapshot. Readers take one snapshot per
// request and keep using it even if a reload swaps the plan mid-flight.
type Runtime struct {
	path    string
	current atomic.Pointer[Config]

	mu          sync.Mutex
	lastCheckAt time.Time
	lastMtime   time.Time
	loadedAtMs  int64
	lastDigest  [32]byte
}

const minReloadCheckInterval = 800 * time.Millisecond

// NewRuntime wraps an initial snapshot loaded from path.
func NewRuntime(path string, initial *Config) *Runtime {
	r := &Runtime{path: path, loadedAtMs: time.Now().UnixMilli()}
	r.current.Store(initial)
	if st, err := os.Stat(path); err == nil {
		r.lastMtime = st.ModTime()
	}
	if data, err := os.ReadFile(path); err == nil {
		r.lastDigest = sha256.Sum256(data)
	}
	return r
}

// Snapshot returns the current immutable plan.
func (r *Runtime) Snapshot() *Config {
	return r.current.Load()
}

// Path returns the backing configuration file path.
func (r *Runtime) Path() string { return r.path }

// LoadedAtMs reports when the current snapshot was installed.
func (r *Runtime) LoadedAtMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadedAtMs
}

// SourceMtime reports the modification time of the file behind the current
// snapshot, zero when unknown.
func (r *Runtime) SourceMtime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMtime
}

// MaybeReload swaps in a new snapshot when the file changed on disk. Checks
// are rate-limited so the per-request call stays cheap.
func (r *Runtime) MaybeReload() {
	r.mu.Lock()
	if time.Since(r.lastCheckAt) < minReloadCheckInterval {
		r.mu.Unlock()
		return
	}
	r.lastCheckAt = time.Now()
	lastMtime := r.lastMtime
	r.mu.Unlock()

	st, err := os.Stat(r.path)
	if err != nil || st.ModTime().Equal(lastMtime) {
		return
	}
	if _, err := r.ForceReload(); err != nil {
		log.WithError(err).Warn("failed to reload config from disk")
	}
}

// ForceReload re-reads the file unconditionally and reports whether the
// installed snapshot changed. A parse failure keeps the previous snapshot.
func (r *Runtime) ForceReload() (changed bool, err error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return false, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(data)

	var mtime time.Time
	if st, statErr := os.Stat(r.path); statErr == nil {
		mtime = st.ModTime()
	}

	r.mu.Lock()
	changed = digest != r.lastDigest
	r.lastDigest = digest
	r.lastMtime = mtime
	r.loadedAtMs = time.Now().UnixMilli()
	r.mu.Unlock()

	r.current.Store(cfg)
	if changed {
		log.WithField("path", r.path).Info("runtime config reloaded")
	}
	return changed, nil
}

// Watch reloads the snapshot when the file changes, until ctx is done.
// Editors replace files instead of writing in place, so the parent directory
// is watched and events are debounced.
func (r *Runtime) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	trigger := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		case <-trigger:
			if _, err := r.ForceReload(); err != nil {
				log.WithError(err).Warn("failed to reload config after change event")
			}
		}
	}
}
