package preset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the catalog when files under the preset directory
// change. Reloads are debounced: editors and atomic-rename writers emit
// bursts of events per save. A reload that fails keeps the previous
// catalog in effect.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preset watcher: %w", err)
	}
	// Watching the directory rather than individual files survives
	// rename-based saves, which replace the watched inode.
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch preset directory %s: %w", c.dir, err)
	}
	c.watcher = w

	c.log.Info("watching preset directory", zap.String("dir", c.dir))
	go c.watchLoop(ctx)
	go c.reloadLoop(ctx)
	return nil
}

// Close stops the watcher goroutines. Safe to call without Watch.
func (c *Catalog) Close() error {
	c.once.Do(func() { close(c.done) })
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				c.triggerReload()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Error("preset watcher error", zap.Error(err))
		}
	}
}

func (c *Catalog) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case <-c.done:
			stop()
			return
		case <-c.reload:
			stop()
			timer = time.AfterFunc(c.debounce, func() {
				if err := c.Reload(); err != nil {
					c.log.Error("preset catalog reload failed, keeping previous catalog", zap.Error(err))
					return
				}
				c.log.Info("preset catalog reloaded", zap.Int("presets", c.Len()))
			})
		}
	}
}

func (c *Catalog) triggerReload() {
	select {
	case c.reload <- struct{}{}:
	default:
		// Reload already pending.
	}
}
