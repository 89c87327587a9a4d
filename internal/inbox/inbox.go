// Package inbox ingests photos dropped into a watched folder. Each
// supported image file becomes a cataloged item: the file is handed to
// the ingestor, then moved into a processed/ subfolder so the drop
// folder only ever holds work still to do.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/curio/internal/logging"
)

const (
	// settleWindow is how long a file must stay quiet after its last
	// write before it is ingested. Camera apps and network copies write
	// in bursts; ingesting mid-copy yields truncated images.
	settleWindow = 500 * time.Millisecond

	processedDir = "processed"
)

// Ingestor receives a settled photo file's contents.
type Ingestor interface {
	IngestPhoto(ctx context.Context, filename string, data []byte) error
}

// Watcher monitors a flat drop folder for new photos.
type Watcher struct {
	dir    string
	ingest Ingestor
	logger *slog.Logger
	settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a Watcher over dir. The directory is created if
// missing.
func NewWatcher(dir string, ingest Ingestor, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	if err := os.MkdirAll(filepath.Join(dir, processedDir), 0o700); err != nil {
		return nil, fmt.Errorf("creating inbox directory: %w", err)
	}

	return &Watcher{
		dir:     dir,
		ingest:  ingest,
		logger:  logger,
		settle:  settleWindow,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Watch processes files already present in the inbox, then blocks
// monitoring for new ones until the context is cancelled. Intended to
// run in a background goroutine.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching inbox directory: %w", err)
	}

	if err := w.scanExisting(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()

			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("inbox watch error", slog.String("error", err.Error()))
		}
	}
}

// scanExisting ingests photos that arrived while the watcher was down.
func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scanning inbox: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !supportedPhoto(entry.Name()) {
			continue
		}

		w.processFile(ctx, filepath.Join(w.dir, entry.Name()))
	}

	return nil
}

// handleEvent re-arms the settle timer for a photo on every write, so
// ingestion only fires once the file has stopped changing.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if !supportedPhoto(filepath.Base(event.Name)) {
		return
	}

	path := event.Name

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}

	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		w.processFile(ctx, path)
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

// processFile ingests one settled photo and moves it to processed/.
// Failures leave the file in place for the next scan.
func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading inbox photo",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	name := filepath.Base(path)

	if err := w.ingest.IngestPhoto(ctx, name, data); err != nil {
		w.logger.Warn("ingesting inbox photo",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	dest := filepath.Join(w.dir, processedDir, name)
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("archiving processed photo",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("inbox photo ingested", slog.String("file", name))
}

// supportedPhoto reports whether a filename looks like an image the
// catalog can ingest. Hidden files and partial downloads are skipped.
func supportedPhoto(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}
