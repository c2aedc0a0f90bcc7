package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempRoot(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempRoot(t)
	content := []byte{0x89, 'P', 'N', 'G'}
	if err := s.Write("payloads/ab/abc.png", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("payloads/ab/abc.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("del.bin", []byte("bye"))
	if err := s.Delete("del.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("del.bin"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	ok, err := s.Exists("del.bin")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("deleted key still exists")
	}
}

func TestList(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("payloads/aa/a.png", []byte("a"))
	_ = s.Write("payloads/bb/b.jpg", []byte("bb"))
	_ = s.Write("thumbs/aa/a.jpg", []byte("t"))

	items, err := s.List("payloads")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	for _, it := range items {
		if filepath.IsAbs(it.Key) || it.Size == 0 {
			t.Errorf("unexpected item %+v", it)
		}
	}
}

func TestListMissingDir(t *testing.T) {
	s := tempRoot(t)
	items, err := s.List("nothing-here")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty list, got %d", len(items))
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempRoot(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.png",
		"/etc/shadow",
		"payloads/../../x.png",
		"payloads//x.png",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteNoLeftovers(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("atomic.bin", []byte("original content"))
	if err := s.Write("atomic.bin", []byte("updated content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.bin")
	if string(got) != "updated content" {
		t.Errorf("expected updated content, got %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Root(), tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "quire-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestSymlinkEscapeBlocked(t *testing.T) {
	s := tempRoot(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(s.Root(), "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := s.Read("link/secret.txt"); err == nil {
		t.Error("read through symlink escaped the root")
	}
	if err := s.Write("link/planted.txt", []byte("x")); err == nil {
		t.Error("write through symlink escaped the root")
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("payloads/aa/a.png", []byte("a"))
	if err := os.WriteFile(filepath.Join(s.Root(), "payloads", "aa", tmpPrefix+"partial"), []byte("p"), 0o644); err != nil {
		t.Fatal(err)
	}
	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Key != "payloads/aa/a.png" {
		t.Errorf("items = %+v", items)
	}
}

func TestWriteRejectsEmptyKey(t *testing.T) {
	if err := tempRoot(t).Write("", []byte("x")); err == nil {
		t.Error("expected error for empty key")
	}
}
