package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Bolt {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndFingerprint(t *testing.T) {
	l := openTemp(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if _, ok, err := l.Fingerprint("p1"); ok || err != nil {
		t.Fatalf("fresh ledger: ok=%v err=%v", ok, err)
	}
	if err := l.Record("p1", "abc"); err != nil {
		t.Fatal(err)
	}
	fp, ok, err := l.Fingerprint("p1")
	if err != nil || !ok || fp != "abc" {
		t.Fatalf("Fingerprint = %q %v %v", fp, ok, err)
	}
	e, err := l.Get("p1")
	if err != nil || !e.SyncedAt.Equal(fixed) {
		t.Fatalf("Get = %+v %v", e, err)
	}

	if err := l.Record("p1", "def"); err != nil {
		t.Fatal(err)
	}
	if fp, _, _ := l.Fingerprint("p1"); fp != "def" {
		t.Fatalf("overwrite failed: %q", fp)
	}
}

func TestForget(t *testing.T) {
	l := openTemp(t)
	_ = l.Record("a", "1")
	_ = l.Record("b", "2")
	if err := l.Forget("a", "missing"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := l.Fingerprint("a"); ok {
		t.Fatal("a should be forgotten")
	}
	if _, err := l.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n, _ := l.Len(); n != 1 {
		t.Fatalf("Len = %d", n)
	}
}

func TestReset(t *testing.T) {
	l := openTemp(t)
	_ = l.Record("a", "1")
	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.Len(); n != 0 {
		t.Fatalf("Len after reset = %d", n)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Record("a", "1")
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if fp, ok, _ := l.Fingerprint("a"); !ok || fp != "1" {
		t.Fatalf("not persisted: %q %v", fp, ok)
	}
}
