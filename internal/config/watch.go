package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce soaks up the write/rename bursts editors produce when saving.
const debounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and passes the result
// to onReload. It watches the containing directory because most editors
// replace the file (write to temp, rename over) rather than writing in
// place, which would otherwise invalidate a direct file watch.
//
// Watch blocks until ctx is cancelled. Unparseable edits are logged and
// skipped; the previous config stays in effect.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(path)
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounce)
				pendingC = pending.C
			} else {
				// The timer may have fired without its tick being
				// consumed yet; drain it or the stale tick would
				// trigger an immediate, un-debounced reload.
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(debounce)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			cfg, err := Load(path)
			if err != nil {
				log.Printf("Config reload skipped: %v", err)
				continue
			}
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Config watch error: %v", err)
		}
	}
}
