package main

import "testing"

func newTestRouter(t *testing.T) (*InboundRouter, *SessionManager, *fakeMuxer) {
	t.Helper()
	sm, muxer := newTestSessionManager(t)
	chat := &ChatClient{workspaceURL: "https://example.slack.com/"}
	botCmd := NewBotCommandHandler(sm.cfg, sm, chat)
	return NewInboundRouter(sm.cfg, sm, chat, botCmd), sm, muxer
}

func TestAuthorized_EmptyAllowListAllowsEveryone(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if !r.authorized("U-anyone") {
		t.Error("expected an empty allow-list to authorize everyone")
	}
}

func TestAuthorized_ChecksAllowList(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.cfg.AllowedUsers = []string{"U-allowed"}
	if !r.authorized("U-allowed") {
		t.Error("expected U-allowed to be authorized")
	}
	if r.authorized("U-stranger") {
		t.Error("did not expect U-stranger to be authorized")
	}
}

func TestIsRateLimited(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.cfg.MultiSession.RateLimitPerMinute = 2

	if r.isRateLimited("U-1") {
		t.Error("first message should not be rate limited")
	}
	if r.isRateLimited("U-1") {
		t.Error("second message should not be rate limited")
	}
	if !r.isRateLimited("U-1") {
		t.Error("third message within the window should be rate limited")
	}
}

func TestIsRateLimited_PerUser(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.cfg.MultiSession.RateLimitPerMinute = 1

	if r.isRateLimited("U-1") {
		t.Error("U-1's first message should not be rate limited")
	}
	if r.isRateLimited("U-2") {
		t.Error("U-2's first message should not be limited by U-1's activity")
	}
}

func TestStripWorkingDirPrefix(t *testing.T) {
	tests := []struct {
		text     string
		wantDir  string
		wantRest string
	}{
		{"[~/code/bridge] fix the flaky test", "~/code/bridge", "fix the flaky test"},
		{"[/tmp/proj]no space after bracket", "/tmp/proj", "no space after bracket"},
		{"no prefix here", "", "no prefix here"},
		{"[~/code/bridge]", "~/code/bridge", ""},
	}
	for _, tt := range tests {
		dir, rest := stripWorkingDirPrefix(tt.text)
		if dir != tt.wantDir || rest != tt.wantRest {
			t.Errorf("stripWorkingDirPrefix(%q) = (%q, %q), want (%q, %q)", tt.text, dir, rest, tt.wantDir, tt.wantRest)
		}
	}
}

func TestHandleReaction_ApproveSendsDigit(t *testing.T) {
	r, sm, muxer := newTestRouter(t)
	s, err := sm.EnsureSession("thread-1", "chan-1", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	r.handleReaction(ChatEvent{Kind: "reaction_added", ItemTS: s.ThreadID, Reaction: "white_check_mark"})

	if len(muxer.sent) == 0 || muxer.sent[len(muxer.sent)-1] != "1" {
		t.Errorf("expected a literal '1' to be sent, got %v", muxer.sent)
	}
}

func TestHandleReaction_RejectSendsEscape(t *testing.T) {
	r, sm, muxer := newTestRouter(t)
	s, err := sm.EnsureSession("thread-1", "chan-1", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	r.handleReaction(ChatEvent{Kind: "reaction_added", ItemTS: s.ThreadID, Reaction: "x"})

	if len(muxer.sent) == 0 || muxer.sent[len(muxer.sent)-1] != "Escape" {
		t.Errorf("expected an Escape key to be sent, got %v", muxer.sent)
	}
}

func TestHandleReaction_UnknownSessionIsNoOp(t *testing.T) {
	r, _, muxer := newTestRouter(t)
	r.handleReaction(ChatEvent{Kind: "reaction_added", ItemTS: "no-such-thread", Reaction: "white_check_mark"})
	if len(muxer.sent) != 0 {
		t.Errorf("expected no keystrokes for an unknown session, got %v", muxer.sent)
	}
}

func TestHandleReaction_IgnoredReactionIsNoOp(t *testing.T) {
	r, sm, muxer := newTestRouter(t)
	s, err := sm.EnsureSession("thread-1", "chan-1", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	r.handleReaction(ChatEvent{Kind: "reaction_added", ItemTS: s.ThreadID, Reaction: "tada"})
	if len(muxer.sent) != 0 {
		t.Errorf("expected no keystrokes for an unrecognized reaction, got %v", muxer.sent)
	}
}
