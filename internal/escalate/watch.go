package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/retrograph/retrograph/internal/engine"
)

// ResolutionWatcher turns files dropped into a directory into human
// resolutions: writing <ticketID>.resolved resolves that ticket, with the
// file's contents as the note.
type ResolutionWatcher struct {
	dir      string
	resolver Resolver
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// NewResolutionWatcher watches dir for resolution files. The directory is
// created if missing.
func NewResolutionWatcher(dir string, resolver Resolver, logger *slog.Logger) (*ResolutionWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resolutions dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &ResolutionWatcher{dir: dir, resolver: resolver, watcher: w, logger: logger}, nil
}

// Run processes resolution files until the context is cancelled. Files
// already present at startup are applied first, so resolutions written
// while the engine was down are not lost.
func (rw *ResolutionWatcher) Run(ctx context.Context) error {
	defer rw.watcher.Close()

	entries, err := os.ReadDir(rw.dir)
	if err != nil {
		return fmt.Errorf("scan resolutions dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			rw.apply(filepath.Join(rw.dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				rw.apply(event.Name)
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			rw.logger.Warn("resolution watcher error", "error", err)
		}
	}
}

func (rw *ResolutionWatcher) apply(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".resolved") {
		return
	}
	ticketID := strings.TrimSuffix(base, ".resolved")

	note, err := os.ReadFile(path)
	if err != nil {
		rw.logger.Warn("read resolution file", "path", path, "error", err)
		return
	}

	if err := rw.resolver.Resolve(ticketID, engine.ResolutionHumanResolved, strings.TrimSpace(string(note))); err != nil {
		rw.logger.Warn("apply resolution", "ticket", ticketID, "error", err)
		return
	}
	rw.logger.Info("ticket resolved by operator", "ticket", ticketID)
}
