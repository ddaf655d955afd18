// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher reloads a PolicyEngine whenever its policy file changes.
//
// # Description
//
// Watches the directory containing the policy file rather than the file
// itself, because most editors and config-management tools replace files by
// writing a temp file and renaming it over the original, which would orphan
// a direct file watch. Events are debounced so a save that produces several
// filesystem events triggers one reload.
//
// A reload that fails (malformed YAML, bad pattern, inconsistent roles)
// leaves the previously loaded policy in effect and logs the error.
//
// # Thread Safety
//
// Safe for concurrent use. Reloads are serialized by the watch goroutine.
type PolicyWatcher struct {
	engine   *PolicyEngine
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewPolicyWatcher creates a watcher for the policy file at path.
//
// # Inputs
//
//   - engine: The engine to reload. Must already hold a valid policy.
//   - path: Policy file to watch.
//   - logger: Destination for reload outcomes. Must not be nil.
//
// # Outputs
//
//   - *PolicyWatcher: Ready-to-use watcher (call Start to begin watching).
//   - error: Non-nil if the underlying filesystem watcher could not be created.
func NewPolicyWatcher(engine *PolicyEngine, path string, logger *slog.Logger) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{
		engine:   engine,
		path:     filepath.Clean(path),
		watcher:  watcher,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The watch goroutine exits when ctx is canceled or
// Stop is called.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *PolicyWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *PolicyWatcher) run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.engine.Reload(w.path); err != nil {
				w.logger.Error("policy reload failed; previous policy stays active",
					"path", w.path, "error", err)
				continue
			}
			w.logger.Info("policy reloaded", "path", w.path, "roles", len(w.engine.Roles()))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}
