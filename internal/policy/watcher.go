package policy

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceDelay coalesces the event bursts editors produce for one save.
const debounceDelay = 100 * time.Millisecond

// RuleSource yields the rule set to enforce. A bare *Rules is a fixed
// source; a Watcher swaps the set when its file changes.
type RuleSource interface {
	Current() *Rules
}

// Watcher hot-reloads a rule file. The parent directory is watched rather
// than the file itself so the rename-over saves editors do keep working.
// A reload that fails leaves the previous rules in force.
type Watcher struct {
	path   string
	logger zerolog.Logger
	rules  atomic.Pointer[Rules]
	fsw    *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed; later load failures only log.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	rules, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start policy watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:   path,
		logger: logger,
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	w.rules.Store(rules)
	go w.watch()
	return w, nil
}

// Current returns the most recently loaded rule set.
func (w *Watcher) Current() *Rules { return w.rules.Load() }

// Close stops watching. The last loaded rules stay readable.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) watch() {
	defer close(w.done)
	base := filepath.Base(w.path)
	var reload <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			reload = time.After(debounceDelay)
		case <-reload:
			reload = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("policy watcher error")
		}
	}
}

func (w *Watcher) reload() {
	rules, err := Load(w.path)
	if err != nil {
		// The previous rules stay in force.
		w.logger.Error().Err(err).Str("path", w.path).Msg("policy reload failed")
		return
	}
	w.rules.Store(rules)
	w.logger.Info().
		Str("path", w.path).
		Int("rules", len(rules.Rules)).
		Str("default", string(rules.Default)).
		Msg("policy rules reloaded")
}
