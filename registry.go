package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Session statuses, per the lifecycle in spec §3.
const (
	StatusStarting   = "starting"
	StatusActive     = "active"
	StatusIdle       = "idle"
	StatusTerminated = "terminated"
)

// Session is the unit of state shared between the bridge and the
// out-of-process hook scripts, keyed by threadId.
type Session struct {
	ThreadID             string `json:"threadId"`
	ChannelID            string `json:"channelId"`
	Window               string `json:"window"`
	AssistantID          string `json:"assistantId,omitempty"`
	WorkingDir           string `json:"workingDir"`
	Status               string `json:"status"`
	CreatedAt            int64  `json:"createdAt"`
	LastActivity         int64  `json:"lastActivity"`
	IdleSince            int64  `json:"idleSince,omitempty"`
	LastInboundMessageID string `json:"lastInboundMessageId,omitempty"`
	PendingPermission    bool   `json:"pendingPermission"`
}

// assistantIDPrefixLen is the fixed truncation length used to derive a
// window name from an assistant identifier once it's learned (spec §3).
const assistantIDPrefixLen = 8

// WindowFromAssistantID returns the window name a session should have
// once its assistant identifier is known.
func WindowFromAssistantID(assistantID string) string {
	if len(assistantID) <= assistantIDPrefixLen {
		return assistantID
	}
	return assistantID[:assistantIDPrefixLen]
}

// RegistryStore persists the threadId -> Session mapping on a shared
// filesystem path, mutated under an advisory file lock so that both
// the bridge process and external hook scripts can write it safely.
type RegistryStore struct {
	path     string
	lockPath string
}

// NewRegistryStore returns a store rooted at path, e.g.
// /tmp/chatmux-registry.json. The lock file lives alongside it.
func NewRegistryStore(path string) *RegistryStore {
	return &RegistryStore{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Load is read-only and returns an empty map if the file is absent or
// unparseable — callers that only need a snapshot (e.g. the !sessions
// command) should prefer this over Update.
func (r *RegistryStore) Load() map[string]*Session {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return map[string]*Session{}
	}
	var sessions map[string]*Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return map[string]*Session{}
	}
	if sessions == nil {
		sessions = map[string]*Session{}
	}
	return sessions
}

// Update acquires the advisory lock, loads the current map, applies fn,
// writes the result back atomically (temp file + rename), and releases
// the lock. fn must be fast and must not perform chat or muxer I/O —
// it runs inside the critical section.
func (r *RegistryStore) Update(fn func(map[string]*Session) error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}

	fl := flock.New(r.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer fl.Unlock()

	sessions := r.Load()
	if err := fn(sessions); err != nil {
		return err
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}

// Get returns the Session for threadId, or nil if none exists.
func (r *RegistryStore) Get(threadID string) *Session {
	return r.Load()[threadID]
}

// Put inserts or replaces the Session for s.ThreadID.
func (r *RegistryStore) Put(s *Session) error {
	return r.Update(func(m map[string]*Session) error {
		m[s.ThreadID] = s
		return nil
	})
}

// Delete removes threadId's entry, if present.
func (r *RegistryStore) Delete(threadID string) error {
	return r.Update(func(m map[string]*Session) error {
		delete(m, threadID)
		return nil
	})
}

// nowMilli is the single source of "now" used across the registry and
// session manager so tests can be written against fixed timestamps by
// constructing Sessions directly.
func nowMilli() int64 {
	return time.Now().UnixMilli()
}
