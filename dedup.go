package main

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// pendingPrefix names the per-thread hash files the bridge writes
// immediately before injecting text into a window, so the external
// prompt-forwarding hook can recognize input that originated from chat
// and suppress echoing it back (spec §4.6).
const pendingPrefix = "chatmux-pending"

func pendingHashPath(threadID string) string {
	return filepath.Join(os.TempDir(), pendingPrefix+"-"+threadID)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// writePending records the md5 of the trimmed text about to be injected
// into threadID's window.
func writePending(threadID, text string) error {
	hash := md5Hex(strings.TrimSpace(text))
	return os.WriteFile(pendingHashPath(threadID), []byte(hash), 0o600)
}

// readPending returns the stored hash for threadID, if any.
func readPending(threadID string) (string, bool) {
	data, err := os.ReadFile(pendingHashPath(threadID))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// clearPending removes threadID's pending-hash file. Safe to call when
// none exists.
func clearPending(threadID string) {
	os.Remove(pendingHashPath(threadID))
}

// matchesPending reports whether text's hash equals the currently
// stored pending hash for threadID — the suppression test the
// prompt-forwarding hook performs (spec §4.6, §8 "Pending-hash
// round-trip"). Exposed here so unit tests can exercise the contract
// without spinning up the external hook.
func matchesPending(threadID, text string) bool {
	stored, ok := readPending(threadID)
	if !ok {
		return false
	}
	return stored == md5Hex(strings.TrimSpace(text))
}
