package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/apm-auto/coordinator/internal/config"
)

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_NeedsGenesis(t *testing.T) {
	cfg := &config.Config{NeedsGenesis: true}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when NeedsGenesis, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	cfg := &config.Config{HomeDir: "/srv/project"}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckDatabase_NilConfig(t *testing.T) {
	result := checkDatabase(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckDatabase_OpensFreshStore(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{HomeDir: dir, DatabasePath: filepath.Join(dir, "state.db")}
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckPermissions_NilConfig(t *testing.T) {
	result := checkPermissions(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckPermissions_WritableHomeDir(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckAgentBinary_RunsWithoutPanicking(t *testing.T) {
	result := checkAgentBinary(context.Background(), nil)
	if result.Name != "Agent Binary" {
		t.Fatalf("expected name Agent Binary, got %s", result.Name)
	}
	if result.Status != "PASS" && result.Status != "FAIL" {
		t.Fatalf("expected PASS or FAIL, got %s", result.Status)
	}
}

func TestRun_ProducesAllChecks(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir(), DatabasePath: filepath.Join(t.TempDir(), "state.db")}
	d := Run(context.Background(), cfg, "test-version")
	if len(d.Results) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(d.Results))
	}
	if d.System.Version != "test-version" {
		t.Fatalf("expected version test-version, got %s", d.System.Version)
	}
}
