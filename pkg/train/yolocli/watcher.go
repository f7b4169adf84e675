// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package yolocli

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// resultsWatcher signals on Changed whenever the results file may have changed.
//
// It watches the run directory with fsnotify, and also signals every poll interval in case events are
// missed (e.g.: network file systems).
type resultsWatcher struct {
	watcher      *fsnotify.Watcher
	path         string
	pollInterval time.Duration
	changed      chan struct{}
	stopCh       chan struct{}
	doneCh       chan struct{}
}

func newResultsWatcher(resultsPath string, pollInterval time.Duration) (*resultsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	resultsPath = filepath.Clean(resultsPath)
	if err = watcher.Add(filepath.Dir(resultsPath)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch %q", filepath.Dir(resultsPath))
	}
	return &resultsWatcher{
		watcher:      watcher,
		path:         resultsPath,
		pollInterval: pollInterval,
		changed:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Changed returns the channel signaled on changes. Multiple changes are coalesced into one signal.
func (w *resultsWatcher) Changed() <-chan struct{} { return w.changed }

// Start the watching loop, non-blocking.
func (w *resultsWatcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop the watcher and wait for the loop to exit.
func (w *resultsWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		klog.Warningf("failed to close watcher of %q: %v", w.path, err)
	}
}

func (w *resultsWatcher) notify() {
	select {
	case w.changed <- struct{}{}:
	default:
		// A change is already pending.
	}
}

// run is the main event loop for the watcher.
func (w *resultsWatcher) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == w.path && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.notify()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("watching %q: %v", w.path, err)
		case <-ticker.C:
			w.notify()
		}
	}
}
