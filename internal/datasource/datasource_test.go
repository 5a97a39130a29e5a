package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MachariaP/linesearchd/internal/index"
)

func writeDataFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write data file: %v", err)
	}
}

func TestIndexedContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	writeDataFile(t, path, "alpha\nbeta\n")
	idx, err := index.Build(path, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	src := NewIndexed(idx)

	exists, err := src.Contains(context.Background(), []byte("alpha"))
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !exists {
		t.Fatal("expected alpha to exist")
	}
	exists, err = src.Contains(context.Background(), []byte("gamma"))
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if exists {
		t.Fatal("expected gamma to be absent")
	}
}

func TestIndexedDoesNotObserveFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	writeDataFile(t, path, "alpha\n")
	idx, err := index.Build(path, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	src := NewIndexed(idx)

	writeDataFile(t, path, "beta\n")
	exists, err := src.Contains(context.Background(), []byte("alpha"))
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !exists {
		t.Fatal("fast mode must keep serving the snapshot")
	}
}

func TestRereadContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	writeDataFile(t, path, "7;0;6;28;0;23;5;0;\nhello world\n")
	src := NewReread(path, 0)

	exists, err := src.Contains(context.Background(), []byte("hello world"))
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !exists {
		t.Fatal("expected hello world to exist")
	}
	exists, err = src.Contains(context.Background(), []byte("hello worl"))
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if exists {
		t.Fatal("prefix must not match")
	}
}

func TestRereadObservesFileSwap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	writeDataFile(t, path, "hello world\n")
	src := NewReread(path, 0)

	exists, err := src.Contains(context.Background(), []byte("hello world"))
	if err != nil || !exists {
		t.Fatalf("expected match before swap, got exists=%v err=%v", exists, err)
	}

	writeDataFile(t, path, "something else\n")
	exists, err = src.Contains(context.Background(), []byte("hello world"))
	if err != nil {
		t.Fatalf("contains after swap: %v", err)
	}
	if exists {
		t.Fatal("reread mode must observe the swapped file")
	}
}

func TestRereadMissingFileErrors(t *testing.T) {
	src := NewReread(filepath.Join(t.TempDir(), "missing.txt"), 0)
	if _, err := src.Contains(context.Background(), []byte("anything")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRereadHonoursContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3*checkEvery; i++ {
		if _, err := f.WriteString("filler-line-that-never-matches\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewReread(path, 0)
	if _, err := src.Contains(ctx, []byte("absent")); err == nil {
		t.Fatal("expected context cancellation to surface")
	}
}
