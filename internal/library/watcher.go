// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package library

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/storage"
)

// DefaultDebounce is how long a file must be quiet before it is re-indexed.
const DefaultDebounce = 250 * time.Millisecond

// Watcher re-indexes conversation files as they change on disk. Bursts of
// events for one file are debounced into a single refresh.
type Watcher struct {
	lib      *Library
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time // file name -> last change

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChange func(name string)
}

// Watch starts watching the store directory. onChange, if not nil, is
// called after each entry is refreshed or removed.
func (l *Library) Watch(debounce time.Duration, onChange func(name string)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}
	if err := fw.Add(l.store.BaseDir); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", l.store.BaseDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		lib:      l,
		watcher:  fw,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.processPending()
	log.Debug().Str("dir", l.store.BaseDir).Msg("Watching conversations")
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !storage.IsConversationFile(name) {
				continue
			}
			// Atomic saves show up as Create (rename onto the target), plain
			// writes as Write. Remove and Rename mean the name is gone.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending[name] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Conversation watcher error")
		}
	}
}

func (w *Watcher) processPending() {
	defer w.wg.Done()

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()

			w.mu.Lock()
			var ready []string
			for name, changed := range w.pending {
				if now.Sub(changed) >= w.debounce {
					ready = append(ready, name)
					delete(w.pending, name)
				}
			}
			w.mu.Unlock()

			for _, name := range ready {
				// Refresh removes the entry when the file is gone.
				if err := w.lib.Refresh(name); err != nil {
					log.Warn().Err(err).Str("path", name).Msg("Could not re-index conversation")
					continue
				}
				if w.onChange != nil {
					w.onChange(name)
				}
			}
		}
	}
}
