package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func runInstall(args []string) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	dbPath := fs.String("db-path", "", "journal database path (default: ~/.bb-reactor/reactor.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", 8, "rig worker pool size")
	metricsFlag := fs.Bool("metrics", false, "expose Prometheus metrics")
	metricsAddr := fs.String("metrics-addr", ":4190", "metrics listen address")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := reactorDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := Config{
		LogLevel:    *logLevel,
		PoolSize:    *poolSize,
		Metrics:     *metricsFlag,
		MetricsAddr: *metricsAddr,
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "reactor.db")
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	// Signal running server to reload, or start a new one.
	if signalRunningServer() {
		return
	}
	runServe()
}

// runningServer returns the live server process recorded in the pidfile,
// or nil when the pidfile is absent or stale.
func runningServer() (*os.Process, int) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return nil, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, 0
	}
	// Signal 0 probes liveness without touching the process.
	if proc.Signal(syscall.Signal(0)) != nil {
		return nil, 0
	}
	return proc, pid
}

// signalRunningServer sends SIGHUP to a running reactor server (via pidfile).
// Returns true if the server was signaled (caller should NOT start a new one).
func signalRunningServer() bool {
	proc, pid := runningServer()
	if proc == nil {
		return false
	}
	if proc.Signal(syscall.SIGHUP) != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
