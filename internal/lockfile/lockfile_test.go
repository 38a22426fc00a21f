package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	fields := parseOwner(string(content))
	if fields["pid"] != fmt.Sprint(os.Getpid()) {
		t.Errorf("lock file pid = %q, want %d", fields["pid"], os.Getpid())
	}
	if fields["started"] == "" {
		t.Errorf("lock file missing start time: %q", content)
	}
}

func TestAcquireLockCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another OpenChannel instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("PID %d (running)", os.Getpid())) {
		t.Errorf("holder should name this process: %q", lockErr.Holder)
	}

	// The failed attempt must not clobber the holder's details.
	content, err := os.ReadFile(first.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if parseOwner(string(content))["pid"] != fmt.Sprint(os.Getpid()) {
		t.Errorf("lock file overwritten by failed attempt: %q", content)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestParseOwner(t *testing.T) {
	fields := parseOwner("pid=42\nstarted=2026-01-01T00:00:00Z\n\ngarbage\n=x\n")
	if fields["pid"] != "42" || fields["started"] != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if len(fields) != 2 {
		t.Errorf("expected 2 fields, got %v", fields)
	}
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if got := describeHolder(path); !strings.Contains(got, "unreadable") {
		t.Errorf("missing file: %q", got)
	}

	os.WriteFile(path, []byte("hello"), 0o644)
	if got := describeHolder(path); got != "unknown" {
		t.Errorf("no pid: %q", got)
	}

	os.WriteFile(path, []byte(fmt.Sprintf("pid=%d\nstarted=then\n", os.Getpid())), 0o644)
	if got := describeHolder(path); got != fmt.Sprintf("PID %d (running), started then", os.Getpid()) {
		t.Errorf("running holder: %q", got)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
	if isProcessRunning(999999999) {
		t.Error("pid 999999999 should not be running")
	}
}
