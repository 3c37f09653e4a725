package progress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher emits the task ref of a progress file when it changes on disk.
// Watches a root directory non-recursively plus its immediate child
// directories, debouncing bursts of nearby writes into one event.
type Watcher struct {
	root   string
	logger *slog.Logger
	events chan string
}

func NewWatcher(root string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, logger: logger, events: make(chan string, 16)}
}

// Events returns the channel of changed task refs (derived from the
// changed file's base name without its extension).
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("progress watcher: new watcher: %w", err)
	}

	abs, err := filepath.Abs(w.root)
	if err != nil {
		return fmt.Errorf("progress watcher: abs: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("progress watcher: add root: %w", err)
		}
	}
	if entries, err := os.ReadDir(abs); err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				_ = fsw.Add(filepath.Join(abs, ent.Name()))
			}
		}
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		pending := make(map[string]bool)
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			for ref := range pending {
				select {
				case w.events <- ref:
				default:
				}
			}
			pending = make(map[string]bool)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fsw.Add(ev.Name)
					continue
				}
				ref := taskRefFromPath(ev.Name)
				if ref == "" {
					continue
				}
				pending[ref] = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(150 * time.Millisecond)
					timerC = timer.C
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("progress watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	return nil
}

func taskRefFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".md") {
		return ""
	}
	return strings.TrimSuffix(base, ".md")
}
