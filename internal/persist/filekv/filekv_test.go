package filekv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
)

func TestStore_GetSet(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "scrollr/state"); err != nil || ok {
		t.Fatalf("Get on empty dir: ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "scrollr/state", []byte(`{"revision":1}`)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get(ctx, "scrollr/state")
	if err != nil || !ok || string(got) != `{"revision":1}` {
		t.Fatalf("Get = %q ok=%v err=%v", got, ok, err)
	}
}

func TestStore_KeyWithSlashIsOneFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Set(context.Background(), "a/b", []byte("x")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].IsDir() {
		t.Fatalf("directory entries = %v, want a single file", entries)
	}
	if _, err := os.Stat(filepath.Join(dir, "a")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("key created a subdirectory: %v", err)
	}
}

func TestStore_WatchSeesOtherWriter(t *testing.T) {
	dir := t.TempDir()
	watcher, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Close()
	writer, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan string, 8)
	stop, err := watcher.Watch(ctx, "k", func(v []byte) { seen <- string(v) })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := writer.Set(ctx, "k", []byte("from-elsewhere")); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-seen:
		if v != "from-elsewhere" {
			t.Fatalf("watch saw %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not observe write")
	}
}

func TestStore_ClosedRejects(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), "k", nil); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("Set after close = %v, want ErrClosed", err)
	}
	if _, err := s.Watch(context.Background(), "k", func([]byte) {}); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("Watch after close = %v, want ErrClosed", err)
	}
}
