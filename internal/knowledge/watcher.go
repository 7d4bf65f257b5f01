package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type changeKind int

const (
	changeNone changeKind = iota
	changeNew
	changeUpdated
	changeDeleted
)

// Watcher turns file system events in the documents directory into update
// cycles. Events are collected until the directory has been quiet for the
// debounce interval.
type Watcher struct {
	ingestor *Ingestor
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]changeKind
}

type WatcherConfig struct {
	Ingestor *Ingestor
	Dir      string
	Debounce time.Duration // default 2s
	Logger   *slog.Logger
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		ingestor: cfg.Ingestor,
		dir:      cfg.Dir,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		pending:  make(map[string]changeKind),
	}
}

// Run watches until ctx is cancelled. A pending batch is flushed before
// returning only if ctx is still live.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create documents dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching documents directory", "dir", w.dir, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.record(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// record folds one event into the pending set and reports whether it counted.
func (w *Watcher) record(ev fsnotify.Event) bool {
	name, kind := w.classify(ev)
	if kind == changeNone {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.pending[name]
	switch {
	case prev == changeNew && kind == changeUpdated:
		// a write right after a create is still a new file
	case prev == changeDeleted && kind != changeDeleted:
		w.pending[name] = changeUpdated
	default:
		w.pending[name] = kind
	}
	return true
}

// classify maps an event to the source file it concerns. Metadata record
// changes count as an update of their source file.
func (w *Watcher) classify(ev fsnotify.Event) (string, changeKind) {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return "", changeNone
	}

	ext := strings.ToLower(filepath.Ext(base))
	if ext == ".yaml" || ext == ".csv" {
		if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
			return "", changeNone
		}
		source := w.sourceFor(strings.TrimSuffix(base, filepath.Ext(base)))
		if source == "" {
			return "", changeNone
		}
		return source, changeUpdated
	}
	if !Supported(base) {
		return "", changeNone
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return base, changeDeleted
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			return "", changeNone
		}
		return base, changeNew
	case ev.Has(fsnotify.Write):
		return base, changeUpdated
	}
	return "", changeNone
}

func (w *Watcher) sourceFor(id string) string {
	for _, ext := range []string{".pdf", ".txt", ".md"} {
		if _, err := os.Stat(filepath.Join(w.dir, id+ext)); err == nil {
			return id + ext
		}
	}
	return ""
}

// drain returns the pending changes as an update request and resets them.
func (w *Watcher) drain() UpdateRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	var req UpdateRequest
	for name, kind := range w.pending {
		switch kind {
		case changeNew:
			req.NewFiles = append(req.NewFiles, name)
		case changeUpdated:
			req.UpdatedFiles = append(req.UpdatedFiles, name)
		case changeDeleted:
			req.DeletedFiles = append(req.DeletedFiles, name)
		}
	}
	w.pending = make(map[string]changeKind)
	sort.Strings(req.NewFiles)
	sort.Strings(req.UpdatedFiles)
	sort.Strings(req.DeletedFiles)
	return req
}

func (w *Watcher) flush(ctx context.Context) {
	req := w.drain()
	if req.Empty() || ctx.Err() != nil {
		return
	}
	report, err := w.ingestor.Update(ctx, req)
	if err != nil {
		w.logger.Error("watched update failed", "error", err)
		return
	}
	w.logger.Info("watched update applied",
		"ingested", len(report.Ingested), "deleted", len(report.Deleted), "skipped", len(report.Skipped))
}
