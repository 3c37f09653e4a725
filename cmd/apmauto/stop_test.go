package main

import (
	"context"
	"testing"
)

func TestRunStop_NoPidfileFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APM_AUTO_HOME", dir)
	t.Setenv("HOME", dir)

	if code := runStop(context.Background(), nil); code != 1 {
		t.Fatalf("expected exit code 1 with no pidfile, got %d", code)
	}
}

func TestRunStop_StalePidfileIsCleanedUp(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APM_AUTO_HOME", dir)
	t.Setenv("HOME", dir)

	// A pid that is vanishingly unlikely to be alive on any test runner.
	if err := writePIDFile(pidFilePath(dir), 1<<30); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}

	if code := runStop(context.Background(), nil); code != 1 {
		t.Fatalf("expected exit code 1 for a stale pidfile, got %d", code)
	}
}
