package crawler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"linea/internal/graph"
	"linea/internal/ir"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestCrawler_ScanSnapshots(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "b", "train.json"), `{"session": {"id": "train"}}`)
	write(t, filepath.Join(root, "a.yaml"), "session:\n  id: prep\n")
	write(t, filepath.Join(root, "notes.txt"), "not a snapshot")
	write(t, filepath.Join(root, "broken.yml"), "session: [\n")
	write(t, filepath.Join(root, ".git", "ignored.yaml"), "session:\n  id: git\n")
	write(t, filepath.Join(root, ".ipynb_checkpoints", "old.yaml"), "session:\n  id: old\n")

	var sessions []graph.LineaID
	err := NewCrawler(nil).ScanSnapshots(root, func(path string, snap *ir.Snapshot) error {
		sessions = append(sessions, snap.Session.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []graph.LineaID{"prep", "train"}, sessions, "lexical order, broken and ignored files skipped")
}

func TestCrawler_ScanSnapshots_SingleFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "trace.yaml")
	write(t, good, "session:\n  id: one\n")

	_, err := NewCrawler(nil).Watch(good)
	assert.Error(t, err, "only directories can be watched")

	var got []string
	require.NoError(t, NewCrawler(nil).ScanSnapshots(good, func(path string, _ *ir.Snapshot) error {
		got = append(got, path)
		return nil
	}))
	assert.Equal(t, []string{good}, got)

	bad := filepath.Join(dir, "bad.yaml")
	write(t, bad, "session: [\n")
	err = NewCrawler(nil).ScanSnapshots(bad, func(string, *ir.Snapshot) error { return nil })
	assert.Error(t, err, "a file given directly must decode")
}

func TestCrawler_ScanSnapshots_StopsOnCallbackError(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.yaml"), "session:\n  id: a\n")
	write(t, filepath.Join(root, "b.yaml"), "session:\n  id: b\n")

	stop := errors.New("stop")
	calls := 0
	err := NewCrawler(nil).ScanSnapshots(root, func(string, *ir.Snapshot) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestCrawler_ScanSnapshots_IgnoreFile(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, IgnoreFile), "drafts/\n*.json\n")
	write(t, filepath.Join(root, "keep.yaml"), "session:\n  id: keep\n")
	write(t, filepath.Join(root, "drafts", "wip.yaml"), "session:\n  id: wip\n")
	write(t, filepath.Join(root, "sub", "train.json"), `{"session": {"id": "train"}}`)

	var sessions []graph.LineaID
	require.NoError(t, NewCrawler(nil).ScanSnapshots(root, func(_ string, snap *ir.Snapshot) error {
		sessions = append(sessions, snap.Session.ID)
		return nil
	}))
	assert.Equal(t, []graph.LineaID{"keep"}, sessions)
}

func TestWatcher_Run(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "nested"), 0o755))

	w, err := NewCrawler(nil).Watch(root)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan graph.LineaID, 8)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ string, snap *ir.Snapshot) error {
			got <- snap.Session.ID
			return nil
		})
	}()

	// Write then rename so the watcher never sees a half-written file.
	tmp := filepath.Join(root, "nested", "trace.tmp")
	write(t, tmp, "session:\n  id: live\n")
	require.NoError(t, os.Rename(tmp, filepath.Join(root, "nested", "trace.yaml")))

	select {
	case id := <-got:
		assert.Equal(t, graph.LineaID("live"), id)
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot was not reported")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
