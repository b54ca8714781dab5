package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the bridge's full runtime configuration (spec §6).
type Config struct {
	BotToken      string
	AppToken      string
	AllowedUsers  []string
	NotifyChannel string
	MultiSession  MultiSessionConfig
	Transcript    TranscriptConfig
	Timing        TimingConfig
}

// TranscriptConfig controls the inbound-message audit log (adapted from
// the teacher's conversation-memory feature; see DESIGN.md for what was
// dropped and why).
type TranscriptConfig struct {
	Enabled       bool
	BasePath      string
	RetentionDays int
}

type MultiSessionConfig struct {
	MaxConcurrent         int
	IdleTimeoutMinutes    int
	TmuxSession           string
	DefaultWorkingDir     string
	NotifyOnTimeout       bool
	TempFileRetentionDays int
	RateLimitPerMinute    int
}

// TimingConfig centralizes every delay, poll interval, and sweep period
// the Session Manager uses, so tests can zero them out instead of
// waiting on real clocks (spec §9: "MUST be values on a central
// configuration object, not constants sprinkled through call sites").
// Defaults mirror the upstream fixed-delay values the spec preserves
// as upper-bound tuning hints (§9, "Keystroke timing — open question").
type TimingConfig struct {
	ReadinessPollInterval time.Duration
	ReadinessTimeout      time.Duration
	ReadinessSettleDelay  time.Duration

	TrustPromptDelay time.Duration

	KeystrokeGap        time.Duration // gap between Down presses
	AttachmentGap       time.Duration // pause before the next attachment
	SecondEnterDelay    time.Duration // delay before the confirming second Enter
	AmendmentWaitDelay  time.Duration // wait around the Tab-opened amendment input
	RejectionReactDelay time.Duration

	IdleSweepInterval    time.Duration
	CrashSweepInterval   time.Duration
	CleanupSweepInterval time.Duration

	DownloadTimeout time.Duration
}

func defaultTiming() TimingConfig {
	return TimingConfig{
		ReadinessPollInterval: 300 * time.Millisecond,
		ReadinessTimeout:      15 * time.Second,
		ReadinessSettleDelay:  200 * time.Millisecond,

		TrustPromptDelay: 2 * time.Second,

		KeystrokeGap:        100 * time.Millisecond,
		AttachmentGap:       1 * time.Second,
		SecondEnterDelay:    100 * time.Millisecond,
		AmendmentWaitDelay:  500 * time.Millisecond,
		RejectionReactDelay: 1500 * time.Millisecond,

		IdleSweepInterval:    60 * time.Second,
		CrashSweepInterval:   30 * time.Second,
		CleanupSweepInterval: 24 * time.Hour,

		DownloadTimeout: 30 * time.Second,
	}
}

// LoadConfig reads settings.json from $CHATMUX_DIR (default
// ~/.claude-bridge) the way the teacher reads its own settings file:
// a top-level "env" section for secrets, plus a tool-specific section
// parsed with the permissive nested-JSON helpers below.
func LoadConfig() (*Config, error) {
	home, _ := os.UserHomeDir()
	bridgeDir := os.Getenv("CHATMUX_DIR")
	if bridgeDir == "" {
		bridgeDir = filepath.Join(home, ".claude-bridge")
	}

	settingsPath := filepath.Join(bridgeDir, "settings.json")
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("settings.json not found at %s: %w", settingsPath, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid settings.json: %w", err)
	}

	var env map[string]string
	if rawEnv, ok := raw["env"]; ok {
		json.Unmarshal(rawEnv, &env)
	}

	botToken := env["SLACK_BOT_TOKEN"]
	if botToken == "" {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN not found in settings.json -> env")
	}
	appToken := env["SLACK_APP_TOKEN"]
	if appToken == "" {
		return nil, fmt.Errorf("SLACK_APP_TOKEN not found in settings.json -> env")
	}

	var cm map[string]json.RawMessage
	if rawCM, ok := raw["chatBridge"]; ok {
		json.Unmarshal(rawCM, &cm)
	}

	cfg := &Config{
		BotToken:      botToken,
		AppToken:      appToken,
		AllowedUsers:  jsonStringSlice(cm, "allowed_users"),
		NotifyChannel: jsonString(cm, "notify_channel", ""),
		MultiSession: MultiSessionConfig{
			MaxConcurrent:         jsonIntNested(cm, "multi_session", "max_concurrent", 5),
			IdleTimeoutMinutes:    jsonIntNested(cm, "multi_session", "idle_timeout_minutes", 60),
			TmuxSession:           jsonStringNested(cm, "multi_session", "tmux_session", "claude"),
			DefaultWorkingDir:     resolveHome(jsonStringNested(cm, "multi_session", "default_working_dir", "~")),
			NotifyOnTimeout:       jsonBoolNested(cm, "multi_session", "notify_on_timeout", false),
			TempFileRetentionDays: jsonIntNested(cm, "multi_session", "temp_file_retention_days", 14),
			RateLimitPerMinute:    jsonIntNested(cm, "multi_session", "rate_limit_per_minute", 20),
		},
		Transcript: TranscriptConfig{
			Enabled:       jsonBoolNested(cm, "transcript", "enabled", true),
			BasePath:      resolveHome(jsonStringNested(cm, "transcript", "base_path", "~/.claude-bridge/transcripts")),
			RetentionDays: jsonIntNested(cm, "transcript", "retention_days", 14),
		},
		Timing: defaultTiming(),
	}

	return cfg, nil
}

func resolveHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// JSON helper functions

func jsonBool(m map[string]json.RawMessage, key string, def bool) bool {
	if v, ok := m[key]; ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			return b
		}
	}
	return def
}

func jsonString(m map[string]json.RawMessage, key, def string) string {
	if v, ok := m[key]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
	}
	return def
}

func jsonStringSlice(m map[string]json.RawMessage, key string) []string {
	if v, ok := m[key]; ok {
		var s []string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
	}
	return nil
}

func jsonNested(m map[string]json.RawMessage, section string) map[string]json.RawMessage {
	if v, ok := m[section]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(v, &nested) == nil {
			return nested
		}
	}
	return nil
}

func jsonIntNested(m map[string]json.RawMessage, section, key string, def int) int {
	nested := jsonNested(m, section)
	if nested == nil {
		return def
	}
	if v, ok := nested[key]; ok {
		var i int
		if json.Unmarshal(v, &i) == nil {
			return i
		}
	}
	return def
}

func jsonStringNested(m map[string]json.RawMessage, section, key, def string) string {
	nested := jsonNested(m, section)
	if nested == nil {
		return def
	}
	if v, ok := nested[key]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
	}
	return def
}

func jsonBoolNested(m map[string]json.RawMessage, section, key string, def bool) bool {
	nested := jsonNested(m, section)
	if nested == nil {
		return def
	}
	if v, ok := nested[key]; ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			return b
		}
	}
	return def
}
