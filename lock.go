package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// bridgePrefix namespaces the instance-lock file from any other tool
// sharing /tmp.
const bridgePrefix = "chatmux"

// InstanceLock is a single-writer guard so two bridge processes never
// run against the same bot token at once (spec §4.8).
type InstanceLock struct {
	path string
}

// lockPathForToken computes the sha256-prefixed lock path for a bot
// token, without ever writing the token itself to disk.
func lockPathForToken(botToken string) string {
	sum := sha256.Sum256([]byte(botToken))
	hash := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s.lock", bridgePrefix, hash))
}

// AcquireInstanceLock claims the lock for botToken, removing a stale
// lock (owner process no longer alive) if one is found. Returns an
// error if a live bridge already holds it.
func AcquireInstanceLock(botToken string) (*InstanceLock, error) {
	path := lockPathForToken(botToken)

	if data, err := os.ReadFile(path); err == nil {
		pidStr := strings.TrimSpace(string(data))
		if pid, err := strconv.Atoi(pidStr); err == nil && processAlive(pid) {
			return nil, fmt.Errorf("another bridge instance is already running (pid %d); lock file: %s", pid, path)
		}
		// Stale lock left behind by a crashed process.
		os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, fmt.Errorf("instance lock: write %s: %w", path, err)
	}

	return &InstanceLock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *InstanceLock) Release() {
	if l == nil {
		return
	}
	os.Remove(l.path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without actually delivering a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
