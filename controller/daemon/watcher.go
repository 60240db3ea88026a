package daemon

import (
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const (
	// DefaultSettleDelay is how long the job directory must be quiet before a notification is emitted, so that
	// descriptors are not read while they are still being written.
	DefaultSettleDelay = 500 * time.Millisecond
)

// JobDirWatcher notifies its owner when descriptors are created in, written to or moved into the job directory.
//
// Bursts of file system events are coalesced: one notification is emitted once no event has been observed for the
// settle delay, and at most one notification is ever pending.
type JobDirWatcher struct {
	log logger.Logger

	watcher     *fsnotify.Watcher
	settleDelay time.Duration
	notify      chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewJobDirWatcher starts watching dir. A non-positive settleDelay is replaced by DefaultSettleDelay.
func NewJobDirWatcher(dir string, settleDelay time.Duration) (*JobDirWatcher, error) {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file system watcher")
	}

	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch job directory \"%s\"", dir)
	}

	w := &JobDirWatcher{
		watcher:     watcher,
		settleDelay: settleDelay,
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	config.InitLogger(&w.log, w)

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Notifications returns the channel on which the watcher signals that new descriptors may be available.
func (w *JobDirWatcher) Notifications() <-chan struct{} {
	return w.notify
}

func (w *JobDirWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
		w.wg.Wait()
	})

	return err
}

func (w *JobDirWatcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.settleDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			w.log.Debug("Job directory event: %v", event)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.settleDelay)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.log.Error("FileWatcher error: %v", err)
		case <-timer.C:
			select {
			case w.notify <- struct{}{}:
			default:
			}
		}
	}
}
