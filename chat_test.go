package main

import (
	"testing"

	"github.com/slack-go/slack/slackevents"
)

func TestStripMentionPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<@U123ABC> hello there", "hello there"},
		{"<@U9Z>   deploy the bridge", "deploy the bridge"},
		{"no mention here", "no mention here"},
		{"<@U123ABC>", ""},
	}
	for _, tt := range tests {
		if got := stripMentionPrefix(tt.in); got != tt.want {
			t.Errorf("stripMentionPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChatFilesFrom(t *testing.T) {
	files := []slackevents.File{
		{Name: "diagram.png", URLPrivateDownload: "https://files.slack.com/diagram.png"},
		{Name: "notes.txt", URLPrivateDownload: "https://files.slack.com/notes.txt"},
	}
	out := chatFilesFrom(files)
	if len(out) != 2 {
		t.Fatalf("expected 2 files, got %d", len(out))
	}
	if out[0].Name != "diagram.png" || out[0].URL != "https://files.slack.com/diagram.png" {
		t.Errorf("unexpected first file: %+v", out[0])
	}
}

func TestChatFilesFrom_Empty(t *testing.T) {
	out := chatFilesFrom(nil)
	if len(out) != 0 {
		t.Errorf("expected no files, got %d", len(out))
	}
}

func TestThreadLink(t *testing.T) {
	c := &ChatClient{workspaceURL: "https://example.slack.com/"}
	got := c.ThreadLink("C123", "1700000000.123456")
	want := "https://example.slack.com/archives/C123/p1700000000123456"
	if got != want {
		t.Errorf("ThreadLink = %q, want %q", got, want)
	}
}

func TestThreadLink_NoWorkspaceURL(t *testing.T) {
	c := &ChatClient{}
	if got := c.ThreadLink("C123", "1700000000.123456"); got != "" {
		t.Errorf("expected empty link before AuthTest, got %q", got)
	}
}

func TestIsUserID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"U123ABC", true},
		{"W123ABC", true},
		{"C123ABC", false},
		{"D123ABC", false},
		{"G123ABC", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isUserID(tt.id); got != tt.want {
			t.Errorf("isUserID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
