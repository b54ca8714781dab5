package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const helpText = `*Commands*
!sessions, !s — list active sessions
!status — bridge status
!kill <window> — terminate a session by window name
!find <q>, !f <q> — search for a project directory under $HOME
!help, !h — this message

Inside an active session thread, !kill and !status apply to that session only.`

var findQuerySanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

const (
	findMaxDepth   = 4
	findMaxResults = 10
)

// BotCommandHandler implements the closed administrative grammar of
// spec §4.7: !sessions/!s, !status, !kill, !find/!f, !help/!h, and
// their slash-command equivalents.
type BotCommandHandler struct {
	cfg      *Config
	sessions *SessionManager
	chat     *ChatClient
}

func NewBotCommandHandler(cfg *Config, sessions *SessionManager, chat *ChatClient) *BotCommandHandler {
	return &BotCommandHandler{cfg: cfg, sessions: sessions, chat: chat}
}

// Handle dispatches a normalized command name (no leading "!" or "/")
// plus its argument string, returning the reply text.
func (h *BotCommandHandler) Handle(cmd, args string) string {
	switch strings.ToLower(cmd) {
	case "sessions", "s":
		return h.listSessions()
	case "status":
		return h.bridgeStatus()
	case "kill":
		return h.killByWindow(strings.TrimSpace(args))
	case "find", "f":
		return h.find(strings.TrimSpace(args))
	case "help", "h":
		return helpText
	default:
		return fmt.Sprintf("Unknown command: !%s. Try !help.", cmd)
	}
}

func statusEmoji(status string) string {
	switch status {
	case StatusStarting:
		return ":hourglass:"
	case StatusActive:
		return ":green_circle:"
	case StatusIdle:
		return ":zzz:"
	default:
		return ":black_circle:"
	}
}

func (h *BotCommandHandler) listSessions() string {
	sessions := h.sessions.Registry().Load()

	var active []*Session
	for _, s := range sessions {
		if s.Status != StatusTerminated {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return "No active sessions."
	}

	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt < active[j].CreatedAt })

	now := nowMilli()
	var lines []string
	for _, s := range active {
		idleSec := (now - s.LastActivity) / 1000
		link := h.chat.ThreadLink(s.ChannelID, s.ThreadID)
		line := fmt.Sprintf("%s %s (idle %ds) %s\n`%s`", statusEmoji(s.Status), s.WorkingDir, idleSec, link, s.Window)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n\n")
}

func (h *BotCommandHandler) bridgeStatus() string {
	sessions := h.sessions.Registry().Load()
	counts := map[string]int{}
	for _, s := range sessions {
		counts[s.Status]++
	}

	alive := h.sessions.IsMuxerAlive()
	aliveText := "yes"
	if !alive {
		aliveText = "no"
	}

	return fmt.Sprintf(
		"*Bridge status*\nmuxer session alive: %s\nstarting: %d  active: %d  idle: %d  terminated: %d\nidle timeout: %d min\nmax concurrent: %d",
		aliveText, counts[StatusStarting], counts[StatusActive], counts[StatusIdle], counts[StatusTerminated],
		h.cfg.MultiSession.IdleTimeoutMinutes, h.cfg.MultiSession.MaxConcurrent,
	)
}

func (h *BotCommandHandler) killByWindow(window string) string {
	if window == "" {
		return "Usage: !kill <window>"
	}
	sessions := h.sessions.Registry().Load()
	for _, s := range sessions {
		if s.Window == window && s.Status != StatusTerminated {
			if err := h.sessions.Terminate(s, ""); err != nil {
				return fmt.Sprintf("Failed to terminate %s: %v", window, err)
			}
			return fmt.Sprintf(":skull: Session `%s` terminated.", window)
		}
	}
	return fmt.Sprintf("No active session with window `%s`.", window)
}

func (h *BotCommandHandler) find(query string) string {
	if query == "" {
		return "Usage: !find <query>"
	}
	sanitized := findQuerySanitizeRe.ReplaceAllString(query, "")
	if sanitized == "" {
		return "Query contains no searchable characters."
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Sprintf("Could not resolve $HOME: %v", err)
	}

	needle := strings.ToLower(sanitized)
	var results []string

	walkErr := filepath.WalkDir(home, func(path string, d fs.DirEntry, err error) error {
		if len(results) >= findMaxResults {
			return filepath.SkipAll
		}
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(home, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if depth > findMaxDepth {
			return filepath.SkipDir
		}
		if strings.HasPrefix(d.Name(), ".") && path != home {
			return filepath.SkipDir
		}
		if path != home && strings.Contains(strings.ToLower(d.Name()), needle) {
			entry := path
			if branch, ok := gitBranch(path); ok {
				entry = fmt.Sprintf("%s (%s)", path, branch)
			}
			results = append(results, entry)
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return fmt.Sprintf("Search failed: %v", walkErr)
	}

	if len(results) == 0 {
		return fmt.Sprintf("No directories matching %q found.", query)
	}
	return strings.Join(results, "\n")
}

// gitBranch reads .git/HEAD directly rather than shelling out to git,
// since all we need is the symbolic ref name.
func gitBranch(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, ".git", "HEAD"))
	if err != nil {
		return "", false
	}
	line := strings.TrimSpace(string(data))
	const prefix = "ref: refs/heads/"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimPrefix(line, prefix), true
}
