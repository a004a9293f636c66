package prompts

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"termlink/internal/clock"
	"termlink/internal/session"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeFunc is called with the new template set after each successful
// reload.
type ChangeFunc func([]session.StopPrompt)

// Watcher keeps the templates of one file loaded.
type Watcher struct {
	path     string
	debounce time.Duration
	clock    clock.Clock
	onChange ChangeFunc
	log      zerolog.Logger

	mu      sync.RWMutex
	current []session.StopPrompt
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithClock replaces the real clock used for debouncing.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// NewWatcher loads path once and returns a Watcher for it. A file that
// fails to parse is an error here; later bad edits are logged and the last
// good set is kept.
func NewWatcher(path string, onChange ChangeFunc, log zerolog.Logger, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		clock:    clock.Real(),
		onChange: onChange,
		log:      log.With().Str("component", "prompts").Str("path", path).Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	prompts, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	w.current = prompts
	return w, nil
}

// Current returns the loaded templates.
func (w *Watcher) Current() []session.StopPrompt {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.current)
}

// Run watches the file's directory until ctx is cancelled. Watching the
// directory catches editors that replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsW.Close()

	if err := fsW.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	debouncer := clock.NewDebouncer(w.clock)
	defer debouncer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsW.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			debouncer.Schedule(w.path, w.debounce, w.reload)

		case err, ok := <-fsW.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("prompts watcher error")
		}
	}
}

func (w *Watcher) reload() {
	prompts, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("keeping previous prompt templates")
		return
	}

	w.mu.Lock()
	if slices.Equal(prompts, w.current) {
		w.mu.Unlock()
		return
	}
	w.current = prompts
	w.mu.Unlock()

	w.log.Info().Int("count", len(prompts)).Msg("prompt templates reloaded")
	if w.onChange != nil {
		w.onChange(slices.Clone(prompts))
	}
}
