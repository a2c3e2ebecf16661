// Package lockfile provides directory-based locking so that only one SpinPipe instance
// polls a bot account and writes to a state directory at a time.
//
// Locks are flock(2) locks, released by the kernel when the process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "spinpipe.lock"

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock attempts to acquire an exclusive lock on the state directory.
// Returns a Lock instance if successful, or an error with detailed information
// about the conflicting process if the lock is already held.
//
// owner describes the holder (for example the command and active transports) and is
// written into the lock file next to the PID.
func AcquireLock(stateDir, owner string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	slog.Debug("Attempting to acquire lock", "lock_path", lockPath, "state_dir", stateDir)

	// Ensure the state directory exists
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory for lock", "error", err, "state_dir", stateDir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Open the lock file for writing (create if it doesn't exist)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Error("Failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	// Attempt to acquire an exclusive lock using flock
	// This will fail immediately if another process holds the lock
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		// Close the file since we couldn't acquire the lock
		file.Close()

		// Try to read the existing lock file to provide helpful error information
		lockInfo := readExistingLockInfo(lockPath)

		slog.Error("Failed to acquire lock - another SpinPipe instance is running",
			"error", err, "lock_path", lockPath, "existing_lock_info", lockInfo)

		return nil, &LockError{
			LockPath:     lockPath,
			ExistingInfo: lockInfo,
			Cause:        err,
		}
	}

	// Write our process information to the lock file
	lockInfo := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if owner != "" {
		lockInfo += "owner=" + owner + "\n"
	}
	if _, err := file.WriteString(lockInfo); err != nil {
		// If we can't write to the lock file, release the lock and fail
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()

		slog.Error("Failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	// Sync the file to ensure the lock information is written to disk
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", lockPath)
		// Continue anyway - this is not critical
	}

	lock := &Lock{
		file:     file,
		path:     lockPath,
		acquired: true,
	}

	slog.Info("Successfully acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid())
	return lock, nil
}

// Release releases the lock and removes the lock file.
// This method is safe to call multiple times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		slog.Debug("Lock already released or not acquired", "lock_path", l.path)
		return nil
	}

	slog.Debug("Releasing lock", "lock_path", l.path, "pid", os.Getpid())

	// Release the flock first
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
		// Continue anyway to clean up the file
	}

	// Close the file
	if err := l.file.Close(); err != nil {
		slog.Error("Failed to close lock file", "error", err, "lock_path", l.path)
		// Continue anyway to remove the file
	}

	// Remove the lock file
	if err := os.Remove(l.path); err != nil {
		slog.Error("Failed to remove lock file", "error", err, "lock_path", l.path)
		// This is not critical - the flock has been released
	}

	l.acquired = false
	l.file = nil

	slog.Info("Successfully released state directory lock", "lock_path", l.path)
	return nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	baseMsg := fmt.Sprintf("Another SpinPipe instance is already running with the same state directory.\n"+
		"Two instances would poll the same bot and receive each other's updates.\n\nLock file: %s", e.LockPath)

	if e.ExistingInfo != "" {
		baseMsg += fmt.Sprintf("\nExisting process: %s", e.ExistingInfo)
	}

	baseMsg += "\n\nIf you're certain no other SpinPipe instance is running, the lock file may be stale.\n" +
		"You can manually remove it with:\n" +
		fmt.Sprintf("  rm %s", e.LockPath) +
		"\n\nWARNING: Only remove the lock file if you're absolutely sure no other SpinPipe instance is running,\n" +
		"as this could lead to data corruption if multiple instances access the same state directory."

	return baseMsg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// Info is the content of a lock file.
type Info struct {
	PID     int
	Started time.Time
	Owner   string
	Running bool
}

// String renders the holder for error messages, for example
// "PID 4242 (running), serve telegram, since 2026-01-02T15:04:05Z".
func (i Info) String() string {
	state := "running"
	if !i.Running {
		state = "not running - stale lock"
	}
	out := fmt.Sprintf("PID %d (%s)", i.PID, state)
	if i.Owner != "" {
		out += ", " + i.Owner
	}
	if !i.Started.IsZero() {
		out += ", since " + i.Started.Format(time.RFC3339)
	}
	return out
}

// parseInfo reads the key=value lines written by AcquireLock. ok is false when no PID is
// present.
func parseInfo(content string) (info Info, ok bool) {
	pid, err := strconv.Atoi(extractField(content, "pid="))
	if err != nil || pid <= 0 {
		return Info{}, false
	}
	info.PID = pid
	info.Owner = extractField(content, "owner=")
	if started, err := time.Parse(time.RFC3339, extractField(content, "started=")); err == nil {
		info.Started = started
	}
	info.Running = isProcessRunning(pid)
	return info, true
}

// Inspect returns the holder recorded in stateDir's lock file, or nil when there is none.
func Inspect(stateDir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, LockFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	info, ok := parseInfo(string(data))
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// readExistingLockInfo describes the current holder for LockError.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}
	if info, ok := parseInfo(content); ok {
		return info.String()
	}
	return fmt.Sprintf("process information: %s", content)
}

// extractField returns the rest of the line following prefix, or "".
func extractField(content, prefix string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
