// Package spool feeds webhook deliveries dropped as JSON files into a
// directory to the ingest receiver.
//
// Writers must create files under another name (or another directory)
// and rename them into place as "*.json"; a file is read as soon as it
// appears.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
)

// FailedDir is the subdirectory terminal failures are moved to.
const FailedDir = "failed"

// Receiver accepts one delivery; *ingest.Receiver implements it.
type Receiver interface {
	Receive(ctx context.Context, d ingest.Delivery) (*task.Handle, error)
}

// Outcome is what happened to one spool file.
type Outcome int

const (
	// Done means the import completed and the file was removed.
	Done Outcome = iota
	// Failed means the delivery can never succeed and was moved to failed/.
	Failed
	// Kept means a retryable failure; the file stays for the next replay.
	Kept
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Kept:
		return "kept"
	default:
		return "unknown"
	}
}

// Spool watches a directory for delivery files.
type Spool struct {
	dir      string
	receiver Receiver
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New returns a spool over dir, creating dir and its failed/ subdirectory.
func New(dir string, receiver Receiver, logger *zap.Logger) (*Spool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, FailedDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}
	return &Spool{
		dir:      dir,
		receiver: receiver,
		logger:   logger.Named("spool").With(zap.String("dir", dir)),
	}, nil
}

// Dir returns the watched directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Start replays files already present and then watches for new ones until
// ctx is done or Stop is called.
func (s *Spool) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("spool already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch spool directory %s: %w", s.dir, err)
	}
	s.watcher = watcher
	s.done = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Replay(ctx); err != nil {
			s.logger.Warn("replay failed", zap.Error(err))
		}
		s.processEvents(ctx)
	}()
	return nil
}

// Stop stops watching and waits for the file in flight.
func (s *Spool) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Replay processes every file currently in the spool, oldest name first,
// and returns how each one ended.
func (s *Spool) Replay(ctx context.Context) (map[string]Outcome, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isDelivery(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	outcomes := make(map[string]Outcome, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes[name] = s.Process(ctx, filepath.Join(s.dir, name))
	}
	return outcomes, nil
}

func (s *Spool) processEvents(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isDelivery(event.Name) || filepath.Dir(event.Name) != filepath.Clean(s.dir) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				s.Process(ctx, event.Name)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// Process imports one file and waits for the import to finish.
func (s *Spool) Process(ctx context.Context, path string) Outcome {
	log := s.logger.With(zap.String("file", filepath.Base(path)))

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// already handled through an earlier event
		return Done
	}
	if err != nil {
		log.Warn("failed to read delivery", zap.Error(err))
		return Kept
	}

	var d ingest.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return s.fail(log, path, syncerr.BadRequest("invalid delivery file: %v", err))
	}

	h, err := s.receiver.Receive(ctx, d)
	if err == nil {
		err = ingest.Settle(ctx, h)
	}
	switch {
	case err == nil:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove delivery", zap.Error(err))
		}
		log.Info("delivery imported", zap.String("token", h.Token()))
		return Done
	case syncerr.IsTerminal(err):
		return s.fail(log, path, err)
	default:
		log.Warn("delivery kept for retry", zap.Error(err))
		return Kept
	}
}

func (s *Spool) fail(log *zap.Logger, path string, cause error) Outcome {
	target := filepath.Join(s.dir, FailedDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		log.Error("failed to move delivery aside", zap.Error(err))
		return Kept
	}
	log.Warn("delivery failed", zap.Error(cause))
	return Failed
}

func isDelivery(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
