// Package shutdown owns signal handling and crash diagnostics: a
// cancellable context wired to SIGINT/SIGTERM for the graceful path, and
// a crash-dump writer for fatal startup errors so operators get stacks
// and environment without attaching a debugger.
package shutdown

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"farmchat/pkg/logger"
)

// abortRequest is the machine-readable record left next to a crash dump.
type abortRequest struct {
	Time      string            `json:"time"`
	Reason    string            `json:"reason"`
	CrashPath string            `json:"crash_path,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// SetupSignalHandler returns a context cancelled on SIGINT/SIGTERM. A
// SIGPIPE additionally dumps goroutine stacks to the log before
// cancelling, which has proven useful when a log pipe collapses under a
// supervisor.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String())
		cancel()
	}()

	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		<-sigpipe
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		logger.Warn("sigpipe_goroutine_dump", "dump", string(buf[:n]))
		cancel()
	}()

	return ctx, cancel
}

// Abort writes crash diagnostics under the state dir and exits with
// status 2 after a short delay so log sinks can flush.
func Abort(contextMsg string, err error, stateDir string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	dumpPath, derr := WriteCrashDump(stateDir, contextMsg, err)
	if derr != nil {
		logger.Error("crash_dump_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dumpPath)
	}
	time.Sleep(2 * time.Second)
	os.Exit(2)
}

// WriteCrashDump writes a human-readable dump (reason, environment,
// goroutine stacks) plus a JSON abort record referencing it. Returns the
// dump path.
func WriteCrashDump(stateDir, reason string, cause error) (string, error) {
	crashDir := "./crash"
	if stateDir != "" {
		crashDir = filepath.Join(stateDir, "crash")
	}
	if err := os.MkdirAll(crashDir, 0o700); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	ts := time.Now().UnixNano()
	dumpPath := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", ts))

	f, err := os.CreateTemp(crashDir, ".crash-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp crash file: %w", err)
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %v\n", cause)
	fmt.Fprintf(f, "\n--- environ ---\n")
	for _, e := range os.Environ() {
		fmt.Fprintln(f, e)
	}
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	f.Write(buf[:n])
	f.Sync()
	f.Close()

	if err := os.Rename(tmpName, dumpPath); err != nil {
		return "", fmt.Errorf("move crash dump into place: %w", err)
	}
	_ = os.Chmod(dumpPath, 0o600)

	req := abortRequest{
		Time:      time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
		CrashPath: dumpPath,
		Meta:      map[string]string{"pid": fmt.Sprintf("%d", os.Getpid())},
	}
	if b, err := json.MarshalIndent(req, "", "  "); err == nil {
		reqPath := filepath.Join(crashDir, fmt.Sprintf("req-%d.json", ts))
		_ = os.WriteFile(reqPath, b, 0o600)
	}

	return dumpPath, nil
}
