package main

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLimitReached is returned by EnsureSession when maxConcurrent
// non-terminated Sessions already exist (spec §4.3.1).
var ErrLimitReached = errors.New("maximum concurrent sessions reached")

const readinessCaptureLines = 60

// Readiness markers are substrings the assistant's own terminal UI
// prints; §4.3.2 names "What would you like to do?" explicitly and
// allows a welcome string or prompt glyph as alternatives.
var readyMarkers = []string{
	"What would you like to do?",
	"Welcome to Claude",
	"╰─",
}

var trustPromptMarkers = []string{
	"Do you trust the files in this folder",
	"trust the files in this folder",
}

var provisionalWindowRe = regexp.MustCompile(`^new-(\d+)$`)

func isProvisionalWindow(window string) bool {
	return provisionalWindowRe.MatchString(window)
}

func provisionalIndex(window string) (int, bool) {
	m := provisionalWindowRe.FindStringSubmatch(window)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SessionManager is the core of the bridge: it creates, resurrects,
// tracks, and terminates Sessions, and runs the periodic sweeps that
// keep the Registry honest (spec §4.3).
type SessionManager struct {
	cfg          *Config
	registry     *RegistryStore
	muxer        MuxerAdapter
	chat         *ChatClient
	fetcher      *FileFetcher
	transcript   *TranscriptLogger
	assistantBin string

	threadLocksMu sync.Mutex
	threadLocks   map[string]*sync.Mutex

	provisionalMu   sync.Mutex
	provisionalNext int

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSessionManager(cfg *Config, registry *RegistryStore, muxer MuxerAdapter, chat *ChatClient, fetcher *FileFetcher, transcript *TranscriptLogger, assistantBin string) *SessionManager {
	if assistantBin == "" {
		assistantBin = "claude"
	}
	return &SessionManager{
		cfg:          cfg,
		registry:     registry,
		muxer:        muxer,
		chat:         chat,
		fetcher:      fetcher,
		transcript:   transcript,
		assistantBin: assistantBin,
		threadLocks:  make(map[string]*sync.Mutex),
		stopCh:       make(chan struct{}),
	}
}

func (sm *SessionManager) threadLock(threadID string) *sync.Mutex {
	sm.threadLocksMu.Lock()
	defer sm.threadLocksMu.Unlock()
	l, ok := sm.threadLocks[threadID]
	if !ok {
		l = &sync.Mutex{}
		sm.threadLocks[threadID] = l
	}
	return l
}

// ReconcileOnStartup marks any non-terminated Session whose window is
// gone as terminated, and seeds the provisional-window counter from
// the highest "new-N" window currently open (spec §3, §9).
func (sm *SessionManager) ReconcileOnStartup() {
	sessions := sm.registry.Load()

	maxIdx := 0
	if windows, err := sm.muxer.ListWindows(sm.cfg.MultiSession.TmuxSession); err == nil {
		for _, w := range windows {
			if n, ok := provisionalIndex(w); ok && n > maxIdx {
				maxIdx = n
			}
		}
	}
	sm.provisionalMu.Lock()
	sm.provisionalNext = maxIdx
	sm.provisionalMu.Unlock()

	for _, s := range sessions {
		if s.Status == StatusTerminated {
			continue
		}
		if !sm.muxer.WindowExists(sm.cfg.MultiSession.TmuxSession, s.Window) {
			s.Status = StatusTerminated
			if err := sm.registry.Put(s); err != nil {
				log.Printf("[chatmux] reconcile: failed to mark %s terminated: %v", s.ThreadID, err)
			}
		}
	}
}

func (sm *SessionManager) nextProvisionalWindow() string {
	sm.provisionalMu.Lock()
	defer sm.provisionalMu.Unlock()
	sm.provisionalNext++
	return fmt.Sprintf("new-%d", sm.provisionalNext)
}

// EnsureSession implements §4.3.1: return the existing non-terminated
// Session for threadID, resurrect a terminated one with a known
// assistant identity, or create a new one — under a per-thread
// single-flight lock so concurrent inbounds on the same thread never
// race each other into double-creating a window.
func (sm *SessionManager) EnsureSession(threadID, channelID, requestedDir string) (*Session, error) {
	lock := sm.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	sessions := sm.registry.Load()
	if existing, ok := sessions[threadID]; ok && existing.Status != StatusTerminated {
		return existing, nil
	}

	nonTerminated := 0
	for _, s := range sessions {
		if s.Status != StatusTerminated {
			nonTerminated++
		}
	}
	if nonTerminated >= sm.cfg.MultiSession.MaxConcurrent {
		return nil, ErrLimitReached
	}

	prior, hadPrior := sessions[threadID]

	var session *Session
	var err error
	if hadPrior && prior.AssistantID != "" && !isProvisionalWindow(prior.Window) {
		session, err = sm.resurrect(threadID, channelID, prior)
	} else {
		dir := requestedDir
		if dir == "" {
			dir = sm.cfg.MultiSession.DefaultWorkingDir
		}
		session, err = sm.createNew(threadID, channelID, resolveHome(dir))
	}
	if err != nil {
		return nil, err
	}

	if err := sm.registry.Put(session); err != nil {
		return nil, fmt.Errorf("session: persist: %w", err)
	}
	return session, nil
}

func (sm *SessionManager) createNew(threadID, channelID, dir string) (*Session, error) {
	window := sm.nextProvisionalWindow()
	if err := sm.launch(threadID, channelID, window, dir, ""); err != nil {
		return nil, err
	}
	now := nowMilli()
	return &Session{
		ThreadID:     threadID,
		ChannelID:    channelID,
		Window:       window,
		WorkingDir:   dir,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
	}, nil
}

func (sm *SessionManager) resurrect(threadID, channelID string, prior *Session) (*Session, error) {
	window := sm.nextProvisionalWindow()
	if err := sm.launch(threadID, channelID, window, prior.WorkingDir, prior.AssistantID); err != nil {
		return nil, err
	}
	now := nowMilli()
	return &Session{
		ThreadID:     threadID,
		ChannelID:    channelID,
		Window:       window,
		AssistantID:  prior.AssistantID,
		WorkingDir:   prior.WorkingDir,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
	}, nil
}

func (sm *SessionManager) launch(threadID, channelID, window, dir, resumeID string) error {
	correlationID := uuid.New().String()
	env := map[string]string{"threadId": threadID, "channelId": channelID, "correlationId": correlationID}
	command := []string{sm.assistantBin}
	if resumeID != "" {
		command = append(command, "--resume", resumeID)
	}
	if err := sm.muxer.CreateWindow(sm.cfg.MultiSession.TmuxSession, window, dir, command, env); err != nil {
		return fmt.Errorf("session: launch: %w", err)
	}
	log.Printf("[chatmux] launched window %s for thread %s (correlation %s)", window, threadID, correlationID)
	sm.scheduleTrustPromptConfirmation(window)
	return nil
}

// scheduleTrustPromptConfirmation fires the assistant's trust-this-
// folder auto-confirmation keystroke after TrustPromptDelay (§4.3.1,
// §9 "Keystroke timing").
func (sm *SessionManager) scheduleTrustPromptConfirmation(window string) {
	time.AfterFunc(sm.cfg.Timing.TrustPromptDelay, func() {
		if err := sm.muxer.SendLiteral(sm.cfg.MultiSession.TmuxSession, window, "1"); err != nil {
			log.Printf("[chatmux] trust-prompt confirmation on %s: %v", window, err)
		}
	})
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

// awaitReadiness polls the pane until a ready marker appears, a trust
// prompt marker is absent, or the deadline passes (§4.3.2).
func (sm *SessionManager) awaitReadiness(window string) {
	deadline := time.Now().Add(sm.cfg.Timing.ReadinessTimeout)
	for time.Now().Before(deadline) {
		pane, err := sm.muxer.Capture(sm.cfg.MultiSession.TmuxSession, window, readinessCaptureLines)
		if err == nil {
			if containsAny(pane, trustPromptMarkers) {
				time.Sleep(sm.cfg.Timing.ReadinessPollInterval)
				continue
			}
			if containsAny(pane, readyMarkers) {
				break
			}
		}
		time.Sleep(sm.cfg.Timing.ReadinessPollInterval)
	}
	time.Sleep(sm.cfg.Timing.ReadinessSettleDelay)
}

// InjectMessage implements §4.3.3: attachments first, then the eyes
// reaction, then the classified text, in that order. inboundMessageID
// is the chat message id used to track and later clear the reaction.
func (sm *SessionManager) InjectMessage(session *Session, inboundMessageID, text string, attachments []ChatFile) error {
	tmuxSession := sm.cfg.MultiSession.TmuxSession

	if session.Status == StatusStarting {
		sm.awaitReadiness(session.Window)
		session.Status = StatusActive
	}

	var unsupported []string
	for _, f := range attachments {
		if !IsSupportedAttachment(f.Name) {
			unsupported = append(unsupported, f.Name)
			continue
		}
		path, err := sm.fetcher.Fetch(session.ThreadID, f.URL, f.Name)
		if err != nil {
			unsupported = append(unsupported, f.Name)
			continue
		}
		if err := writePending(session.ThreadID, path); err != nil {
			log.Printf("[chatmux] write pending hash for attachment: %v", err)
		}
		if err := sm.muxer.SendLiteral(tmuxSession, session.Window, path); err != nil {
			return fmt.Errorf("session: send attachment path: %w", err)
		}
		if err := sm.muxer.SendKey(tmuxSession, session.Window, "Enter"); err != nil {
			return fmt.Errorf("session: send attachment enter: %w", err)
		}
		time.Sleep(sm.cfg.Timing.SecondEnterDelay)
		if err := sm.muxer.SendKey(tmuxSession, session.Window, "Enter"); err != nil {
			return fmt.Errorf("session: send attachment second enter: %w", err)
		}
		time.Sleep(sm.cfg.Timing.AttachmentGap)
	}

	if inboundMessageID != "" {
		if err := sm.chat.AddReaction("eyes", session.ChannelID, inboundMessageID); err != nil {
			log.Printf("[chatmux] add eyes reaction: %v", err)
		}
		session.LastInboundMessageID = inboundMessageID
	}

	outgoing := text
	if len(unsupported) > 0 {
		outgoing = strings.TrimRight(outgoing, " \n") + fmt.Sprintf(" [Unsupported file types: %s]", strings.Join(unsupported, ", "))
	}

	rejection := false
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		if sm.transcript != nil {
			sm.transcript.LogInbound(session.ThreadID, trimmed)
		}
		toSend := trimmed
		if session.PendingPermission && !isOptionSelection(trimmed) && !isOptionWithInstructions(trimmed) {
			toSend = "3 " + trimmed
			session.PendingPermission = false
		}
		if len(unsupported) > 0 {
			toSend = strings.TrimRight(toSend, " \n") + fmt.Sprintf(" [Unsupported file types: %s]", strings.Join(unsupported, ", "))
		}
		// The pending hash is md5(trimmed original text), not the
		// possibly-rewritten/suffixed text actually sent — the
		// prompt-forwarding hook hashes what the assistant observed
		// (the original instructions/text), so hashing toSend here would
		// mismatch and the echo-suppression round-trip would break.
		if err := writePending(session.ThreadID, trimmed); err != nil {
			log.Printf("[chatmux] write pending hash for text: %v", err)
		}
		if err := sm.send(session.Window, toSend); err != nil {
			return fmt.Errorf("session: send text: %w", err)
		}
		rejection = isPlainRejection(toSend)
	} else if len(unsupported) > 0 {
		if err := writePending(session.ThreadID, outgoing); err != nil {
			log.Printf("[chatmux] write pending hash for text: %v", err)
		}
		if err := sm.send(session.Window, outgoing); err != nil {
			return fmt.Errorf("session: send text: %w", err)
		}
	}

	if rejection && session.LastInboundMessageID != "" {
		msgID := session.LastInboundMessageID
		channelID := session.ChannelID
		time.AfterFunc(sm.cfg.Timing.RejectionReactDelay, func() {
			if err := sm.chat.RemoveReaction("eyes", channelID, msgID); err != nil {
				log.Printf("[chatmux] remove eyes reaction: %v", err)
			}
		})
	}

	session.LastActivity = nowMilli()
	if session.Status == StatusIdle {
		session.Status = StatusActive
	}
	return sm.registry.Put(session)
}

var (
	numericOptionInstrRe = regexp.MustCompile(`^([1-9])\.?\s+(.+)$`)
	yesOptionInstrRe     = regexp.MustCompile(`(?i)^(?:yes|y)\s+(.+)$`)
	noOptionInstrRe      = regexp.MustCompile(`(?i)^(?:no|n)\s+(.+)$`)
	simpleDigitRe        = regexp.MustCompile(`^[1-9]$`)
)

func isOptionWithInstructions(text string) bool {
	_, _, ok := classifyOptionWithInstructions(text)
	return ok
}

func classifyOptionWithInstructions(text string) (digit int, instructions string, ok bool) {
	if m := numericOptionInstrRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n, m[2], true
		}
	}
	if m := yesOptionInstrRe.FindStringSubmatch(text); m != nil {
		return 1, m[1], true
	}
	if m := noOptionInstrRe.FindStringSubmatch(text); m != nil {
		return 3, m[1], true
	}
	return 0, "", false
}

func isOptionSelection(text string) bool {
	_, ok := classifySimpleOption(text)
	return ok || isOptionWithInstructions(text)
}

func classifySimpleOption(text string) (string, bool) {
	if simpleDigitRe.MatchString(text) {
		return text, true
	}
	switch strings.ToLower(text) {
	case "yes", "y":
		return "1", true
	case "no", "n":
		return "3", true
	}
	return "", false
}

func isPlainRejection(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "3", "n", "no":
		return true
	}
	return false
}

// send implements the keystroke policy of §4.3.4.
func (sm *SessionManager) send(window, text string) error {
	tmuxSession := sm.cfg.MultiSession.TmuxSession

	if digit, instructions, ok := classifyOptionWithInstructions(text); ok {
		for i := 0; i < digit-1; i++ {
			if err := sm.muxer.SendKey(tmuxSession, window, "Down"); err != nil {
				return err
			}
			time.Sleep(sm.cfg.Timing.KeystrokeGap)
		}
		if err := sm.muxer.SendKey(tmuxSession, window, "Tab"); err != nil {
			return err
		}
		time.Sleep(sm.cfg.Timing.AmendmentWaitDelay)
		if err := sm.muxer.SendLiteral(tmuxSession, window, instructions); err != nil {
			return err
		}
		time.Sleep(sm.cfg.Timing.AmendmentWaitDelay)
		return sm.muxer.SendKey(tmuxSession, window, "Enter")
	}

	if digit, ok := classifySimpleOption(text); ok {
		return sm.muxer.SendLiteral(tmuxSession, window, digit)
	}

	if err := sm.muxer.SendLiteral(tmuxSession, window, text); err != nil {
		return err
	}
	if err := sm.muxer.SendKey(tmuxSession, window, "Enter"); err != nil {
		return err
	}
	time.Sleep(sm.cfg.Timing.SecondEnterDelay)
	return sm.muxer.SendKey(tmuxSession, window, "Enter")
}

// Terminate kills the window, marks the Session terminated, and
// optionally posts a notice — used by reaction-kill, idle timeout,
// crash detection, and the !kill / !kill <window> commands (§4.3.6).
func (sm *SessionManager) Terminate(session *Session, notice string) error {
	if err := sm.muxer.KillWindow(sm.cfg.MultiSession.TmuxSession, session.Window); err != nil {
		log.Printf("[chatmux] terminate: kill window %s: %v", session.Window, err)
	}
	session.Status = StatusTerminated
	session.IdleSince = 0
	if err := sm.registry.Put(session); err != nil {
		return fmt.Errorf("session: persist termination: %w", err)
	}
	if notice != "" {
		if _, err := sm.chat.PostMessage(session.ChannelID, session.ThreadID, notice); err != nil {
			log.Printf("[chatmux] terminate: post notice: %v", err)
		}
	}
	return nil
}

// StartSweeps launches the three independent periodic tasks described
// in §4.3.5. Call Stop to end them.
func (sm *SessionManager) StartSweeps() {
	go sm.runTicker(sm.cfg.Timing.IdleSweepInterval, sm.idleSweep)
	go sm.runTicker(sm.cfg.Timing.CrashSweepInterval, sm.crashSweep)
	go sm.runTicker(sm.cfg.Timing.CleanupSweepInterval, sm.cleanupSweep)
	// Temp cleanup also runs once at startup (§4.3.5).
	sm.cleanupSweep()
}

func (sm *SessionManager) runTicker(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stopCh:
			return
		case <-ticker.C:
			sm.runTick(fn)
		}
	}
}

// runTick runs a single sweep iteration, recovering from a panic so
// one bad iteration never kills the process.
func (sm *SessionManager) runTick(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[chatmux] sweep panic recovered: %v", r)
		}
	}()
	fn()
}

func (sm *SessionManager) idleSweep() {
	now := nowMilli()
	timeoutMs := int64(sm.cfg.MultiSession.IdleTimeoutMinutes) * 60_000
	for _, s := range sm.registry.Load() {
		if s.Status != StatusIdle || s.IdleSince == 0 {
			continue
		}
		if now-s.IdleSince <= timeoutMs {
			continue
		}
		var notice string
		if sm.cfg.MultiSession.NotifyOnTimeout {
			notice = fmt.Sprintf("Session in `%s` timed out after %d minute(s) idle.", s.WorkingDir, sm.cfg.MultiSession.IdleTimeoutMinutes)
		}
		if err := sm.Terminate(s, notice); err != nil {
			log.Printf("[chatmux] idle sweep: terminate %s: %v", s.ThreadID, err)
		}
	}
}

func (sm *SessionManager) crashSweep() {
	for _, s := range sm.registry.Load() {
		if s.Status == StatusTerminated {
			continue
		}
		if sm.muxer.WindowExists(sm.cfg.MultiSession.TmuxSession, s.Window) {
			continue
		}
		s.Status = StatusTerminated
		if err := sm.registry.Put(s); err != nil {
			log.Printf("[chatmux] crash sweep: mark terminated %s: %v", s.ThreadID, err)
			continue
		}
		if _, err := sm.chat.PostMessage(s.ChannelID, s.ThreadID, ":warning: Session window disappeared unexpectedly."); err != nil {
			log.Printf("[chatmux] crash sweep: post notice: %v", err)
		}
	}
}

func (sm *SessionManager) cleanupSweep() {
	n := sm.fetcher.CleanOld()
	if n > 0 {
		log.Printf("[chatmux] temp cleanup: removed %d stale attachment director(ies)", n)
	}
	if sm.transcript != nil {
		if n := sm.transcript.CleanOld(); n > 0 {
			log.Printf("[chatmux] temp cleanup: removed %d stale transcript log(s)", n)
		}
	}
}

// Stop ends the periodic sweeps. Safe to call more than once.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })
}

// SendDigit and SendKeyTo expose single keystrokes for the reaction
// table (§4.4): approve sends a bare digit, reject sends Escape.
// Neither goes through the full send() classification — a reaction is
// not freeform text.
func (sm *SessionManager) SendDigit(session *Session, digit string) error {
	return sm.muxer.SendLiteral(sm.cfg.MultiSession.TmuxSession, session.Window, digit)
}

func (sm *SessionManager) SendKeyTo(session *Session, key string) error {
	return sm.muxer.SendKey(sm.cfg.MultiSession.TmuxSession, session.Window, key)
}

// Registry exposes the underlying store for read-only lookups by the
// Inbound Router and Bot Command Handler (spec §4.4, §4.7).
func (sm *SessionManager) Registry() *RegistryStore { return sm.registry }

// IsMuxerAlive reports whether the configured tmux session exists at
// all, used by the !status command.
func (sm *SessionManager) IsMuxerAlive() bool {
	return sm.muxer.SessionExists(sm.cfg.MultiSession.TmuxSession)
}
