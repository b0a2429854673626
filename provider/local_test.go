package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalProvider_Stat(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)
	ctx := context.Background()

	testFile := "test-stat.txt"
	testContent := []byte("hello stat")
	if err := os.WriteFile(filepath.Join(tempBase, testFile), testContent, 0644); err != nil {
		t.Fatal(err)
	}

	info, err := p.Stat(ctx, testFile)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Name() != testFile {
		t.Errorf("expected %q, got %q", testFile, info.Name())
	}
	if info.Size() != int64(len(testContent)) {
		t.Errorf("expected size %d, got %d", len(testContent), info.Size())
	}
	if info.IsDir() {
		t.Errorf("expected isDir to be false")
	}

	if _, err := p.Stat(ctx, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalProvider_List(t *testing.T) {
	tempBase := t.TempDir()
	if err := os.Mkdir(filepath.Join(tempBase, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempBase, "file1.txt"), []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}

	p := NewLocalProvider(tempBase)
	infos, err := p.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(infos))
	}

	found := map[string]bool{}
	for _, info := range infos {
		found[info.Name()] = info.IsDir()
	}
	if isDir, ok := found["subdir"]; !ok || !isDir {
		t.Errorf("expected subdir to be listed as a directory")
	}
	if isDir, ok := found["file1.txt"]; !ok || isDir {
		t.Errorf("expected file1.txt to be listed as a file")
	}
}

func TestLocalProvider_OpenRead(t *testing.T) {
	tempBase := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempBase, "read.txt"), []byte("read me"), 0644); err != nil {
		t.Fatal(err)
	}

	p := NewLocalProvider(tempBase)
	rc, err := p.OpenRead(context.Background(), "read.txt")
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "read me" {
		t.Errorf("expected %q, got %q", "read me", data)
	}
}

func TestLocalProvider_OpenReadStopsAfterCancel(t *testing.T) {
	tempBase := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempBase, "read.txt"), []byte("read me"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := NewLocalProvider(tempBase).OpenRead(ctx, "read.txt")
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	defer rc.Close()

	cancel()
	if _, err := rc.Read(make([]byte, 4)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLocalProvider_WriteCommitsOnClose(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)

	w, err := p.OpenWrite(context.Background(), "nested/dir/out.txt")
	if err != nil {
		t.Fatalf("OpenWrite failed: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	finalPath := filepath.Join(tempBase, "nested", "dir", "out.txt")
	if _, err := os.Stat(finalPath); !os.IsNotExist(err) {
		t.Fatalf("final path visible before commit: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected %q, got %q", "hello", data)
	}
	assertNoTempFiles(t, filepath.Dir(finalPath))
}

func TestLocalProvider_AbortLeavesNothing(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)

	w, err := p.OpenWrite(context.Background(), "out.txt")
	if err != nil {
		t.Fatalf("OpenWrite failed: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted from Close after Abort, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempBase, "out.txt")); !os.IsNotExist(err) {
		t.Errorf("expected no file at final path, got %v", err)
	}
	assertNoTempFiles(t, tempBase)
}

func TestLocalProvider_WriteHasFileMode(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)

	w, err := p.OpenWrite(context.Background(), "out.txt")
	if err != nil {
		t.Fatalf("OpenWrite failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(tempBase, "out.txt"))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	// Chmod is not subject to the umask.
	want := os.FileMode(0644)
	if got := info.Mode().Perm(); got != want {
		t.Errorf("expected mode %v, got %v", want, got)
	}
}

func TestLocalProvider_OpenWriteFailsWhenChmodFails(t *testing.T) {
	defer func(orig func(*os.File, os.FileMode) error) { chmodFile = orig }(chmodFile)
	errChmod := errors.New("chmod refused")
	chmodFile = func(*os.File, os.FileMode) error { return errChmod }

	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)

	w, err := p.OpenWrite(context.Background(), "out.txt")
	if !errors.Is(err, errChmod) {
		t.Fatalf("expected chmod error, got writer=%v err=%v", w, err)
	}
	assertNoTempFiles(t, tempBase)
}

func TestLocalProvider_CloseAfterCancelDoesNotCommit(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := p.OpenWrite(ctx, "out.txt")
	if err != nil {
		t.Fatalf("OpenWrite failed: %v", err)
	}
	if _, err := w.Write([]byte("late")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	cancel()
	if err := w.Close(); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempBase, "out.txt")); !os.IsNotExist(err) {
		t.Errorf("expected no file at final path, got %v", err)
	}
	assertNoTempFiles(t, tempBase)
}

func TestLocalProvider_CommitReplacesExisting(t *testing.T) {
	tempBase := t.TempDir()
	finalPath := filepath.Join(tempBase, "out.txt")
	if err := os.WriteFile(finalPath, []byte("old content"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := NewLocalProvider(tempBase).OpenWrite(context.Background(), "out.txt")
	if err != nil {
		t.Fatalf("OpenWrite failed: %v", err)
	}
	_, _ = w.Write([]byte("new"))

	// Until commit, readers still see the old file in full.
	data, _ := os.ReadFile(finalPath)
	if string(data) != "old content" {
		t.Errorf("expected old content before commit, got %q", data)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, _ = os.ReadFile(finalPath)
	if string(data) != "new" {
		t.Errorf("expected %q, got %q", "new", data)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempPrefix) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
