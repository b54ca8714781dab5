package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

var rateLimitWindow = 60 * time.Second

var botCommandRe = regexp.MustCompile(`^[!/](\w+)(?:\s+(.*))?$`)

// workingDirPrefixRe matches a leading "[<path>]" on a new-thread
// message (spec §4.4, "Working-directory prefix").
var workingDirPrefixRe = regexp.MustCompile(`^\[([^\]]+)\]\s*(.*)$`)

// InboundRouter interprets chat events and dispatches them to the
// Session Manager, the Bot Command Handler, or directly to keystrokes
// via the reaction table (spec §4.4).
type InboundRouter struct {
	cfg      *Config
	sessions *SessionManager
	chat     *ChatClient
	botCmd   *BotCommandHandler

	rateMu  sync.Mutex
	rateMap map[string][]int64
}

func NewInboundRouter(cfg *Config, sessions *SessionManager, chat *ChatClient, botCmd *BotCommandHandler) *InboundRouter {
	return &InboundRouter{
		cfg:      cfg,
		sessions: sessions,
		chat:     chat,
		botCmd:   botCmd,
		rateMap:  make(map[string][]int64),
	}
}

// HandleEvent is the single entry point the chat client's event loop
// calls into.
func (r *InboundRouter) HandleEvent(ev ChatEvent) {
	switch ev.Kind {
	case "message", "app_mention":
		r.handleMessage(ev)
	case "reaction_added":
		r.handleReaction(ev)
	case "slash_command":
		r.handleSlashCommand(ev)
	}
}

func (r *InboundRouter) authorized(userID string) bool {
	if len(r.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, u := range r.cfg.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// isRateLimited implements a per-user sliding window, grounded on the
// teacher's rate limiter.
func (r *InboundRouter) isRateLimited(userID string) bool {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()

	now := time.Now().UnixMilli()
	window := rateLimitWindow.Milliseconds()

	var recent []int64
	for _, t := range r.rateMap[userID] {
		if now-t < window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	r.rateMap[userID] = recent

	return len(recent) > r.cfg.MultiSession.RateLimitPerMinute
}

func (r *InboundRouter) reply(channelID, threadID, text string) {
	for _, chunk := range FormatReply(text) {
		if _, err := r.chat.PostMessage(channelID, threadID, chunk); err != nil {
			log.Printf("[chatmux] router: reply post failed: %v", err)
		}
	}
}

func (r *InboundRouter) handleMessage(ev ChatEvent) {
	if ev.BotID != "" {
		return
	}
	if !r.authorized(ev.UserID) {
		r.reply(ev.ChannelID, ev.ParentTS, "Unauthorized. Your user id is not on the allow-list.")
		return
	}
	if r.isRateLimited(ev.UserID) {
		r.reply(ev.ChannelID, ev.ParentTS, "Rate limited. Please wait a moment.")
		return
	}

	isNewThread := ev.ParentTS == ""
	threadID := ev.ParentTS
	if isNewThread {
		threadID = ev.MessageID
	}

	existing := r.sessions.Registry().Get(threadID)
	inActiveThread := existing != nil && existing.Status != StatusTerminated

	trimmed := strings.TrimSpace(ev.Text)

	if inActiveThread {
		switch trimmed {
		case "!kill":
			if err := r.sessions.Terminate(existing, ":skull: Session terminated."); err != nil {
				log.Printf("[chatmux] router: kill failed: %v", err)
			}
			return
		case "!status":
			r.reply(ev.ChannelID, threadID, r.sessionStatusText(existing))
			return
		}
	} else if m := botCommandRe.FindStringSubmatch(trimmed); m != nil {
		reply := r.botCmd.Handle(m[1], m[2])
		r.reply(ev.ChannelID, threadID, reply)
		return
	}

	var workingDir string
	text := ev.Text
	if isNewThread {
		workingDir, text = stripWorkingDirPrefix(ev.Text)
		if workingDir != "" {
			resolved := resolveHome(workingDir)
			info, err := os.Stat(resolved)
			if err != nil || !info.IsDir() {
				r.reply(ev.ChannelID, threadID, fmt.Sprintf(":warning: Directory not found: %s. Using the default.", workingDir))
				workingDir = ""
			} else {
				workingDir = resolved
			}
		}
	}

	if strings.TrimSpace(text) == "" && len(ev.Files) == 0 {
		return
	}

	session, err := r.sessions.EnsureSession(threadID, ev.ChannelID, workingDir)
	if err != nil {
		if errors.Is(err, ErrLimitReached) {
			r.reply(ev.ChannelID, threadID, fmt.Sprintf("Limit reached: %d concurrent sessions already running.", r.cfg.MultiSession.MaxConcurrent))
			return
		}
		log.Printf("[chatmux] router: ensure session: %v", err)
		r.reply(ev.ChannelID, threadID, fmt.Sprintf(":warning: Could not start a session: %v", err))
		return
	}

	if err := r.sessions.InjectMessage(session, ev.MessageID, text, ev.Files); err != nil {
		log.Printf("[chatmux] router: inject message: %v", err)
	}
}

func (r *InboundRouter) sessionStatusText(s *Session) string {
	idleSec := (nowMilli() - s.LastActivity) / 1000
	return fmt.Sprintf("*Session status*\nwindow: `%s`\nstatus: %s\ndirectory: %s\nidle: %ds", s.Window, s.Status, s.WorkingDir, idleSec)
}

// stripWorkingDirPrefix removes a leading "[<path>]" from text on a
// new thread, returning the path (unresolved) and the remaining text.
func stripWorkingDirPrefix(text string) (dir, rest string) {
	m := workingDirPrefixRe.FindStringSubmatch(text)
	if m == nil {
		return "", text
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

// reactionKill/reactionApprove/reactionReject are the wire names the
// reaction table (§4.4) recognizes.
var (
	reactionKill = map[string]bool{
		"octagonal_sign": true, "stop_sign": true, "no_entry": true,
	}
	reactionApprove = map[string]bool{
		"white_check_mark": true, "heavy_check_mark": true,
	}
	reactionReject = map[string]bool{
		"x": true, "negative_squared_cross_mark": true,
	}
)

func (r *InboundRouter) handleReaction(ev ChatEvent) {
	session := r.sessions.Registry().Get(ev.ItemTS)
	if session == nil || session.Status == StatusTerminated {
		return
	}

	switch {
	case reactionKill[ev.Reaction]:
		if err := r.sessions.Terminate(session, ":skull: Session terminated via reaction."); err != nil {
			log.Printf("[chatmux] router: reaction kill: %v", err)
		}
	case reactionApprove[ev.Reaction]:
		if err := r.sessions.SendDigit(session, "1"); err != nil {
			log.Printf("[chatmux] router: reaction approve: %v", err)
		}
	case reactionReject[ev.Reaction]:
		if err := r.sessions.SendKeyTo(session, "Escape"); err != nil {
			log.Printf("[chatmux] router: reaction reject: %v", err)
		}
	}
}

func (r *InboundRouter) handleSlashCommand(ev ChatEvent) {
	if !r.authorized(ev.UserID) {
		r.reply(ev.ChannelID, "", "Unauthorized. Your user id is not on the allow-list.")
		return
	}
	cmd := strings.TrimPrefix(ev.Command, "/")
	reply := r.botCmd.Handle(cmd, ev.CommandText)
	r.reply(ev.ChannelID, "", reply)
}
