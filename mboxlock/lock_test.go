package mboxlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLock(t *testing.T) {
	p := filepath.Join(t.TempDir(), "box")
	if err := os.WriteFile(p, []byte("From x\n"), 0660); err != nil {
		t.Fatalf("write file: %v", err)
	}
	f, err := os.OpenFile(p, os.O_RDWR, 0660)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	l, err := Acquire(f, true, time.Second)
	if err != nil {
		t.Fatalf("acquire write lock: %v", err)
	}
	if !l.Write() {
		t.Fatalf("lock not a write lock")
	}

	if err := l.Downgrade(time.Second); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	if l.Write() {
		t.Fatalf("lock still a write lock after downgrade")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
