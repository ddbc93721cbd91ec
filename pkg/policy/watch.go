package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watch reports changes to policy files under paths. Files are watched
// through their directory so that editors replacing a file are noticed.
// Events closer together than debounce are reported once, with the name of
// the last file changed. The channel is closed when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, debounce time.Duration) (<-chan string, error) {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watched := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return nil, fmt.Errorf("no policy path could be watched")
	}

	changes := make(chan string, 1)
	go l.processEvents(ctx, watcher, debounce, changes)

	l.logger.Info().
		Int("paths", watched).
		Dur("debounce", debounce).
		Msg("Started watching policy paths")
	return changes, nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration, changes chan<- string) {
	defer close(changes)
	defer watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
		last    string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !IsPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			last = event.Name
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			select {
			case changes <- last:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
