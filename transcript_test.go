package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTranscriptLogger_LogInbound(t *testing.T) {
	dir := t.TempDir()
	tl := NewTranscriptLogger(TranscriptConfig{Enabled: true, BasePath: dir, RetentionDays: 14})

	tl.LogInbound("thread-1", "fix the bug")
	tl.LogInbound("thread-1", "actually nevermind")

	data, err := os.ReadFile(filepath.Join(dir, "thread-1.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], "fix the bug") {
		t.Errorf("first line missing text: %q", lines[0])
	}
}

func TestTranscriptLogger_DisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	tl := NewTranscriptLogger(TranscriptConfig{Enabled: false, BasePath: dir, RetentionDays: 14})
	tl.LogInbound("thread-1", "should not be written")

	if _, err := os.Stat(dir); err == nil {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("expected no files written while disabled, got %d", len(entries))
		}
	}
}

func TestTranscriptLogger_EmptyTextIsNoop(t *testing.T) {
	dir := t.TempDir()
	tl := NewTranscriptLogger(TranscriptConfig{Enabled: true, BasePath: dir, RetentionDays: 14})
	tl.LogInbound("thread-1", "")

	if _, err := os.Stat(filepath.Join(dir, "thread-1.jsonl")); !os.IsNotExist(err) {
		t.Error("expected no log file for empty text")
	}
}

func TestTranscriptLogger_CleanOld(t *testing.T) {
	dir := t.TempDir()
	tl := NewTranscriptLogger(TranscriptConfig{Enabled: true, BasePath: dir, RetentionDays: 1})

	stale := filepath.Join(dir, "stale.jsonl")
	if err := os.WriteFile(stale, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().AddDate(0, 0, -5)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	tl.LogInbound("fresh", "keep me")

	n := tl.CleanOld()
	if n != 1 {
		t.Errorf("expected 1 file cleaned, got %d", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale.jsonl to be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "fresh.jsonl")); err != nil {
		t.Error("expected fresh.jsonl to survive")
	}
}
