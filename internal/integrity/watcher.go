package integrity

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// TamperEvent reports a filesystem change to a watched trust artifact.
type TamperEvent struct {
	Path string
	Op   string
}

// DigestWatcher watches the trusted digest file for modification while the
// system runs. Changing the trust anchor after launch is an anomaly worth
// surfacing even though verification itself happens only at launch time.
type DigestWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *zap.Logger

	events chan TamperEvent

	closeOnce sync.Once
	done      chan struct{}
}

// WatchDigest starts watching the digest file at path. fsnotify watches the
// containing directory so that editors replacing the file (rename-over) are
// still observed.
func WatchDigest(path string, logger *zap.Logger) (*DigestWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve digest path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	dw := &DigestWatcher{
		watcher: w,
		path:    abs,
		logger:  logger,
		events:  make(chan TamperEvent, 8),
		done:    make(chan struct{}),
	}
	go dw.run()
	return dw, nil
}

// Events delivers tamper events until the watcher is closed.
func (dw *DigestWatcher) Events() <-chan TamperEvent { return dw.events }

func (dw *DigestWatcher) run() {
	defer close(dw.events)
	for {
		select {
		case ev, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != dw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			dw.logger.Warn("trusted digest file changed on disk",
				zap.String("path", dw.path),
				zap.String("op", ev.Op.String()))
			select {
			case dw.events <- TamperEvent{Path: dw.path, Op: ev.Op.String()}:
			default:
				// Slow consumer; the log line above already recorded it.
			}
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warn("digest watcher error", zap.Error(err))
		case <-dw.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (dw *DigestWatcher) Close() error {
	var err error
	dw.closeOnce.Do(func() {
		close(dw.done)
		err = dw.watcher.Close()
	})
	return err
}
