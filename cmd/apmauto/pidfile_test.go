package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFile_WriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".apm-auto", "coordinator.pid")

	if err := writePIDFile(path, 4242); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("expected pid 4242, got %d", pid)
	}
	if err := removePIDFile(path); err != nil {
		t.Fatalf("removePIDFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected pidfile to be gone, stat err=%v", err)
	}
}

func TestRemovePIDFile_MissingIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.pid")
	if err := removePIDFile(path); err != nil {
		t.Fatalf("removing a missing pidfile should be a no-op, got %v", err)
	}
}

func TestReadPIDFile_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write garbage pidfile: %v", err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Fatal("expected an error reading a non-numeric pidfile")
	}
}

func TestProcessAlive_CurrentProcess(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("expected the current process to report alive")
	}
}

func TestProcessAlive_InvalidPID(t *testing.T) {
	if processAlive(0) {
		t.Fatal("pid 0 should never report alive")
	}
	if processAlive(-1) {
		t.Fatal("a negative pid should never report alive")
	}
}
