// Package doctor runs a battery of startup diagnostics: config load state,
// database reachability, home directory permissions, and external agent
// binary availability. Structured as a CheckResult/Diagnosis pair plus a
// slice of check functions run in sequence, pointed at the coordination
// core's own dependencies.
package doctor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/apm-auto/coordinator/internal/config"
	"github.com/apm-auto/coordinator/internal/persistence"
	"github.com/apm-auto/coordinator/internal/spawn"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// AgentBinary is the external agent CLI the orchestrator spawns workers
// through; checkAgentBinary looks this name up on PATH.
const AgentBinary = "claude"

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkAgentBinary,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yml found at either scope, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded, rooted at %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.ResolvedDatabasePath(), persistence.PoolConfig{}, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.GetAllAgents(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Connection and schema valid at %s", cfg.ResolvedDatabasePath())}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkAgentBinary(_ context.Context, _ *config.Config) CheckResult {
	avail := spawn.CheckAvailability(AgentBinary)
	if !avail.Available {
		return CheckResult{
			Name:    "Agent Binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found on PATH", AgentBinary),
			Detail:  fmt.Sprintf("lookup error: %v", avail.Error),
		}
	}
	return CheckResult{Name: "Agent Binary", Status: "PASS", Message: fmt.Sprintf("%s resolved to %s", AgentBinary, avail.Path)}
}
