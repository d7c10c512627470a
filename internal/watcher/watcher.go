// Package watcher tails agent transcript files and feeds parsed items
// into the session host.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"agent-sync/internal/clock"
	"agent-sync/internal/metrics"
	"agent-sync/internal/timeline"
	"agent-sync/internal/toolcall"
	"agent-sync/internal/transcript"
)

const debounceInterval = 500 * time.Millisecond

var ErrAlreadyWatching = errors.New("agent transcript already watched")

// Sink receives parsed transcript items. session.Manager satisfies it.
type Sink interface {
	Append(agentID string, items ...timeline.Item) ([]timeline.Entry, error)
	Rotate(agentID string) (string, error)
}

// Watcher monitors transcript files, one per agent.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*transcriptWatcher // agentID → watcher
	sink     Sink
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	debounce time.Duration
}

type transcriptWatcher struct {
	agentID   string
	path      string
	provider  toolcall.Provider
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	// mu serializes tails; offset and parser belong to it.
	mu     sync.Mutex
	parser *transcript.Parser
	offset int64
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithClock(c clock.Clock) Option { return func(w *Watcher) { w.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(w *Watcher) { w.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Watcher) { w.metrics = m } }

// WithDebounce sets how long the watcher waits after the last write
// before reading the file.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// New creates a new transcript watcher.
func New(sink Sink, opts ...Option) *Watcher {
	w := &Watcher{
		watchers: make(map[string]*transcriptWatcher),
		sink:     sink,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		debounce: debounceInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch reads the transcript at path into the agent's timeline and
// keeps following it. The parent directory is watched so a transcript
// that does not exist yet, or is replaced, is picked up.
func (w *Watcher) Watch(agentID, path string, provider toolcall.Provider) error {
	w.mu.RLock()
	_, exists := w.watchers[agentID]
	w.mu.RUnlock()
	if exists {
		return ErrAlreadyWatching
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	tw := &transcriptWatcher{
		agentID:   agentID,
		path:      filepath.Clean(path),
		provider:  provider,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		parser:    transcript.NewParser(provider, w.logger, w.metrics),
	}

	w.mu.Lock()
	if _, exists := w.watchers[agentID]; exists {
		w.mu.Unlock()
		fsW.Close()
		return ErrAlreadyWatching
	}
	w.watchers[agentID] = tw
	w.mu.Unlock()

	if err := w.tail(tw); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("initial transcript read failed", zap.String("agent_id", agentID), zap.Error(err))
	}

	go w.watchLoop(tw)
	return nil
}

// Unwatch stops following an agent's transcript.
func (w *Watcher) Unwatch(agentID string) {
	w.mu.Lock()
	tw, ok := w.watchers[agentID]
	if ok {
		delete(w.watchers, agentID)
	}
	w.mu.Unlock()

	if ok {
		close(tw.cancel)
		tw.fsWatcher.Close()
	}
}

// Sync reads whatever has been written to the agent's transcript since
// the last read, without waiting for a file event.
func (w *Watcher) Sync(agentID string) error {
	w.mu.RLock()
	tw, ok := w.watchers[agentID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s: not watched", agentID)
	}
	return w.tail(tw)
}

// Offset reports how far into the transcript the watcher has read.
func (w *Watcher) Offset(agentID string) (int64, bool) {
	w.mu.RLock()
	tw, ok := w.watchers[agentID]
	w.mu.RUnlock()
	if !ok {
		return 0, false
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.offset, true
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(tw *transcriptWatcher) {
	var timer *clock.Timer

	for {
		select {
		case <-tw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-tw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != tw.path {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Info("transcript removed", zap.String("agent_id", tw.agentID), zap.String("path", tw.path))
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = w.clock.AfterFunc(w.debounce, func() {
				if err := w.tail(tw); err != nil {
					w.logger.Warn("transcript read failed", zap.String("agent_id", tw.agentID), zap.Error(err))
				}
			})

		case err, ok := <-tw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("agent_id", tw.agentID), zap.Error(err))
		}
	}
}

// tail appends everything written since the last read. A file that
// shrank was truncated or replaced: the agent starts a new epoch and
// the file is read from the beginning.
func (w *Watcher) tail(tw *transcriptWatcher) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	info, err := os.Stat(tw.path)
	if err != nil {
		return err
	}
	if info.Size() < tw.offset {
		w.logger.Info("transcript truncated, rotating epoch",
			zap.String("agent_id", tw.agentID),
			zap.Int64("size", info.Size()),
			zap.Int64("offset", tw.offset),
		)
		if _, err := w.sink.Rotate(tw.agentID); err != nil {
			return fmt.Errorf("rotate %s: %w", tw.agentID, err)
		}
		tw.offset = 0
		tw.parser = transcript.NewParser(tw.provider, w.logger, w.metrics)
	}
	if info.Size() == tw.offset {
		return nil
	}

	items, offset, err := tw.parser.ReadFrom(tw.path, tw.offset)
	tw.offset = offset
	if len(items) > 0 {
		if _, aerr := w.sink.Append(tw.agentID, items...); aerr != nil {
			return fmt.Errorf("append to %s: %w", tw.agentID, aerr)
		}
		w.logger.Debug("transcript items appended",
			zap.String("agent_id", tw.agentID),
			zap.Int("items", len(items)),
			zap.Int64("offset", offset),
		)
	}
	return err
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}
