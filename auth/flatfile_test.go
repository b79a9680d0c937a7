package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFlatFileAuthenticate(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "passwd")
	if err := os.WriteFile(path, []byte("alice:"+hash+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	f := &FlatFile{Path: path}
	if _, err := f.Authenticate("alice", "hunter2"); err != nil {
		t.Fatalf("expected success: %v", err)
	}
	if _, err := f.Authenticate("alice", "wrong"); err != ErrBadCredentials {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	if _, err := f.Authenticate("bob", "hunter2"); err != ErrBadCredentials {
		t.Fatalf("expected ErrBadCredentials for unknown user, got %v", err)
	}
}
