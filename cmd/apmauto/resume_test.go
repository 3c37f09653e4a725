package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunResume_MissingPlanFileFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APM_AUTO_HOME", dir)
	t.Setenv("HOME", dir)

	code := runResume(context.Background(), []string{"--plan", filepath.Join(dir, "missing.md")})
	if code != 1 {
		t.Fatalf("expected exit code 1 for a missing plan file, got %d", code)
	}
}

func TestRunResume_AlreadyRunningRefuses(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APM_AUTO_HOME", dir)
	t.Setenv("HOME", dir)
	planPath := writeSamplePlan(t, dir)

	if err := writePIDFile(pidFilePath(dir), os.Getpid()); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}

	code := runResume(context.Background(), []string{"--plan", planPath})
	if code != 1 {
		t.Fatalf("expected exit code 1 when a coordinator already holds the pidfile, got %d", code)
	}
}

func TestRunResume_RejectsMalformedScope(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APM_AUTO_HOME", dir)
	t.Setenv("HOME", dir)
	planPath := writeSamplePlan(t, dir)

	code := runResume(context.Background(), []string{"--plan", planPath, "bogus-scope"})
	if code != 2 {
		t.Fatalf("expected exit code 2 for a malformed scope token, got %d", code)
	}
}
