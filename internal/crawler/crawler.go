// Package crawler finds traced session snapshots under a directory.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"linea/internal/ir"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile holds gitignore-style patterns, relative to the scanned root,
// for snapshot files to skip.
const IgnoreFile = ".lineaignore"

// SnapshotFunc receives each decoded snapshot. Returning an error stops
// the scan.
type SnapshotFunc func(path string, snap *ir.Snapshot) error

// Crawler scans a directory for snapshot files.
type Crawler struct {
	ignored    []string
	extensions []string
	logger     *slog.Logger
}

// NewCrawler creates a new crawler instance.
func NewCrawler(logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		ignored:    []string{".git", ".ipynb_checkpoints", "__pycache__", "node_modules", "venv"},
		extensions: []string{".yaml", ".yml", ".json"},
		logger:     logger,
	}
}

// matcher filters paths under one root.
type matcher struct {
	root     string
	patterns *ignore.GitIgnore
	c        *Crawler
}

func (c *Crawler) matcher(root string) (*matcher, error) {
	m := &matcher{root: root, c: c}
	patterns, err := ignore.CompileIgnoreFile(filepath.Join(root, IgnoreFile))
	switch {
	case err == nil:
		m.patterns = patterns
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}
	return m, nil
}

func (m *matcher) skipDir(path string) bool {
	if path == m.root {
		return false
	}
	name := filepath.Base(path)
	for _, ign := range m.c.ignored {
		if name == ign {
			return true
		}
	}
	return false
}

func (m *matcher) wants(path string) bool {
	if filepath.Base(path) == IgnoreFile {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	found := false
	for _, e := range m.c.extensions {
		if ext == e {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, dir := range strings.Split(filepath.Dir(rel), "/") {
		for _, ign := range m.c.ignored {
			if dir == ign {
				return false
			}
		}
	}
	return m.patterns == nil || !m.patterns.MatchesPath(rel)
}

// ScanSnapshots walks root and decodes every snapshot file in lexical path
// order. Files that fail to decode are logged and skipped. If root is a
// file it is decoded directly and a failure is returned.
func (c *Crawler) ScanSnapshots(root string, onSnapshot SnapshotFunc) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		snap, err := ir.LoadSnapshot(root)
		if err != nil {
			return err
		}
		return onSnapshot(root, snap)
	}

	m, err := c.matcher(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if m.skipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}

		if !m.wants(path) {
			return nil
		}
		snap, err := ir.LoadSnapshot(path)
		if err != nil {
			c.logger.Warn("skipping unreadable snapshot", "path", path, "error", err)
			return nil
		}
		return onSnapshot(path, snap)
	})
}

// Watcher reports snapshot files created or rewritten under a root.
type Watcher struct {
	m       *matcher
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// Watch registers root and its subdirectories. Events are delivered once
// Run is called; files written after Watch returns are not missed.
func (c *Crawler) Watch(root string) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", root)
	}
	m, err := c.matcher(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{m: m, watcher: fw, logger: c.logger}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.m.skipDir(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Run decodes snapshots as they change until ctx is done or onSnapshot
// fails. A file that does not decode yet, such as one still being written,
// is skipped until its next write.
func (w *Watcher) Run(ctx context.Context, onSnapshot SnapshotFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("cannot watch directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.m.wants(event.Name) {
				continue
			}
			snap, err := ir.LoadSnapshot(event.Name)
			if err != nil {
				w.logger.Debug("snapshot not readable yet", "path", event.Name, "error", err)
				continue
			}
			if err := onSnapshot(event.Name, snap); err != nil {
				return err
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
