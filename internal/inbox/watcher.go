// Package inbox watches a directory for operator instruction files. Each
// dropped file becomes one queued instruction; the file is consumed (renamed
// with a .done suffix) so a restart does not replay it.
package inbox

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Queue is where consumed instructions go. Satisfied by store.Store.
type Queue interface {
	EnqueueInstruction(text string) (string, error)
}

// Watcher monitors the inbox directory and enqueues instruction files.
type Watcher struct {
	inboxDir string
	watcher  *fsnotify.Watcher
	queue    Queue
}

func NewWatcher(inboxDir string, queue Queue) (*Watcher, error) {
	if err := os.MkdirAll(inboxDir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		inboxDir: inboxDir,
		watcher:  watcher,
		queue:    queue,
	}, nil
}

// Start watches until ctx is cancelled. Files present at startup are
// consumed first.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.inboxDir); err != nil {
		return err
	}

	if err := w.consumeExisting(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.watcher.Errors:
			if err != nil {
				return err
			}
		case event := <-w.watcher.Events:
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.consume(event.Name)
			}
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) consumeExisting() error {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.consume(filepath.Join(w.inboxDir, entry.Name()))
	}
	return nil
}

// consume parses one instruction file, enqueues it, and marks the file done.
// Parse failures skip the file rather than aborting the watch loop.
func (w *Watcher) consume(path string) {
	if !eligible(path) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("inbox read error %s: %v (skipping)", path, err)
		return
	}

	msg, err := ParseMessage(data, Defaults{Mode: "influence"})
	if err != nil {
		log.Printf("inbox parse error %s: %v (skipping)", path, err)
		w.markDone(path)
		return
	}
	if msg.Mode != "influence" {
		log.Printf("inbox unsupported mode %q from %s (skipping)", msg.Mode, path)
		w.markDone(path)
		return
	}

	id, err := w.queue.EnqueueInstruction(msg.Instruction)
	if err != nil {
		log.Printf("inbox enqueue error %s: %v (will retry on next event)", path, err)
		return
	}
	log.Printf("inbox queued instruction %s from %s", id, filepath.Base(path))
	w.markDone(path)
}

func (w *Watcher) markDone(path string) {
	if err := os.Rename(path, path+".done"); err != nil && !os.IsNotExist(err) {
		log.Printf("inbox rename error %s: %v", path, err)
	}
}

// eligible skips consumed files, hidden files, and editor temp files.
func eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "#") {
		return false
	}
	switch filepath.Ext(name) {
	case ".done", ".tmp", ".swp":
		return false
	}
	return true
}
