package daemon_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/activematrix/internal/daemon"
)

func TestPIDFile_WriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activematrixd.pid")

	if err := daemon.WritePIDFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := daemon.ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
	if !daemon.ProcessAlive(pid) {
		t.Fatal("ProcessAlive(self) = false, want true")
	}

	if err := daemon.RemovePIDFile(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := daemon.RemovePIDFile(path); err != nil {
		t.Fatalf("remove of already-removed pidfile should be a no-op, got: %v", err)
	}
	if _, err := daemon.ReadPIDFile(path); err == nil {
		t.Fatal("expected error reading removed pidfile")
	}
}

func TestProcessAlive_UnlikelyPIDIsFalse(t *testing.T) {
	if daemon.ProcessAlive(1 << 30) {
		t.Fatal("expected an implausible pid to be reported as not alive")
	}
}
