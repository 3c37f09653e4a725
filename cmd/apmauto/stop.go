package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/apm-auto/coordinator/internal/config"
)

// runStop signals a running coordinator to shut down. A plain stop sends
// SIGTERM and waits briefly for the process to exit on its own (the tick
// loop's signal.NotifyContext handler unwinds cleanly and removes its own
// pidfile); --force sends SIGKILL immediately and removes the pidfile
// itself since the killed process cannot.
func runStop(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	force := fs.Bool("force", false, "send SIGKILL instead of SIGTERM")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	pidPath := pidFilePath(cfg.HomeDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "no coordinator is running (no pidfile)")
		return 1
	}
	if !processAlive(pid) {
		fmt.Fprintf(os.Stderr, "pidfile names pid %d, which is not running; removing stale pidfile\n", pid)
		_ = removePIDFile(pidPath)
		return 1
	}

	sig := syscall.SIGTERM
	if *force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(pid, sig); err != nil {
		fmt.Fprintf(os.Stderr, "error signaling pid %d: %v\n", pid, err)
		return 1
	}

	if *force {
		_ = removePIDFile(pidPath)
		fmt.Printf("sent SIGKILL to pid %d\n", pid)
		return 0
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Printf("coordinator (pid %d) stopped\n", pid)
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "coordinator (pid %d) did not stop within the grace period; retry with --force\n", pid)
	return 1
}
