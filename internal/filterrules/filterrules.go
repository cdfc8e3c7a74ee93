// Package filterrules applies ordered textual rewrite rules to request
// bodies before they are forwarded upstream. The rule file is hot-reloaded
// when it changes; a broken file or a failing rule never blocks a request.
package filterrules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Rule is one rewrite step. Op "replace" substitutes Source with Target;
// op "remove" deletes Source.
type Rule struct {
	Op     string `json:"op"`
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
}

func (r Rule) valid() bool {
	if r.Source == "" {
		return false
	}
	switch r.Op {
	case "replace", "remove":
		return true
	}
	return false
}

// Engine holds the current rule set and reloads it from disk on change.
type Engine struct {
	path string

	mu        sync.RWMutex
	rules     []Rule
	lastMtime time.Time
	lastCheck time.Time
}

const minCheckInterval = 800 * time.Millisecond

// New creates an engine for the given rule file. An empty path yields a
// no-op engine. The file is loaded eagerly; load errors are logged and
// leave the engine empty.
func New(path string) *Engine {
	e := &Engine{path: path}
	if path != "" {
		if err := e.reload(); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("failed to load filter rules")
		}
	}
	return e
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

func (e *Engine) reload() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse filter rules %s: %w", e.path, err)
	}
	kept := rules[:0]
	for _, r := range rules {
		if r.valid() {
			kept = append(kept, r)
		}
	}

	var mtime time.Time
	if st, statErr := os.Stat(e.path); statErr == nil {
		mtime = st.ModTime()
	}

	e.mu.Lock()
	e.rules = kept
	e.lastMtime = mtime
	e.mu.Unlock()
	return nil
}

func (e *Engine) maybeReload() {
	if e.path == "" {
		return
	}
	e.mu.RLock()
	recent := time.Since(e.lastCheck) < minCheckInterval
	lastMtime := e.lastMtime
	e.mu.RUnlock()
	if recent {
		return
	}

	e.mu.Lock()
	e.lastCheck = time.Now()
	e.mu.Unlock()

	st, err := os.Stat(e.path)
	if err != nil {
		return
	}
	if st.ModTime().Equal(lastMtime) {
		return
	}
	if err := e.reload(); err != nil {
		log.WithError(err).WithField("path", e.path).Warn("failed to reload filter rules; keeping previous set")
	}
}

// Apply runs the rule set over body. Rules apply in declared order; a rule
// that does not match simply has no effect.
func (e *Engine) Apply(body []byte) []byte {
	e.maybeReload()

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	if len(rules) == 0 {
		return body
	}

	s := string(body)
	for _, r := range rules {
		switch r.Op {
		case "replace":
			s = strings.ReplaceAll(s, r.Source, r.Target)
		case "remove":
			s = strings.ReplaceAll(s, r.Source, "")
		}
	}
	return []byte(s)
}

// Watch reloads the rule file on filesystem events until ctx is done.
// It complements the per-request mtime check so long-idle proxies still
// pick up edits promptly.
func (e *Engine) Watch(ctx context.Context) error {
	if e.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(e.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(e.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := e.reload(); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Warn("failed to reload filter rules after change event")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("filter rule watcher error")
		}
	}
}
