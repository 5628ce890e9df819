package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	mu    sync.Mutex
	paths []string
}

func (s *seen) handle(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.paths = append(s.paths, ev.Path)
	s.mu.Unlock()
	return nil
}

func (s *seen) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "drafts"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".cache"), 0o755))

	w, err := New(root, WithExtension(".md"), WithDebounce(200*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var s seen
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, s.handle) }()

	write := func(rel, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644))
	}
	write("hello.md", "one")
	write("hello.md", "two")
	write("notes.txt", "ignored")
	write(".cache/x.md", "ignored")
	write("drafts/nested.md", "nested")

	require.Eventually(t, func() bool { return len(s.Paths()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.ElementsMatch(t, []string{"hello.md", "drafts/nested.md"}, s.Paths(), "writes settle into one event per file")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestShouldIgnore(t *testing.T) {
	w := &Watcher{ignoreDirs: map[string]bool{"node_modules": true}}

	tests := []struct {
		name string
		want bool
	}{
		{"", true},
		{".git", true},
		{"node_modules", true},
		{"posts", false},
		{"a.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.ShouldIgnore(tt.name))
		})
	}
}
