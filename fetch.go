package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fetchRoot is the subdirectory under os.TempDir() that attachment
// downloads are rooted at (spec §4.5).
const fetchRoot = "chatmux-files"

// supportedImageExts/supportedDocExts/supportedTextExts together form
// the closed set of attachment types the bridge will download, per
// spec §4.5. The text/code list is a superset of the teacher's
// isTextExt table.
var supportedImageExts = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
}

var supportedDocExts = map[string]bool{
	"pdf": true,
}

var supportedTextExts = map[string]bool{
	"txt": true, "md": true, "csv": true, "json": true, "xml": true,
	"html": true, "yml": true, "yaml": true, "toml": true, "ini": true,
	"log": true, "py": true, "js": true, "ts": true, "tsx": true, "jsx": true,
	"sh": true, "bash": true, "zsh": true, "rb": true, "go": true, "rs": true,
	"java": true, "c": true, "cpp": true, "h": true, "hpp": true, "css": true,
	"sql": true, "diff": true, "patch": true, "conf": true, "cfg": true,
	"env": true, "proto": true, "graphql": true,
}

// supportedExtensionlessBasenames covers well-known extensionless text
// files (spec §4.5: "for well-known extensionless names, the basename").
var supportedExtensionlessBasenames = map[string]bool{
	"Dockerfile": true, "Makefile": true, "LICENSE": true, "README": true,
	"Procfile": true, "Gemfile": true, "Rakefile": true,
}

// IsSupportedAttachment reports whether filename's extension (or, for
// extensionless names, its basename) is in the closed supported set.
func IsSupportedAttachment(filename string) bool {
	base := filepath.Base(filename)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))
	if ext == "" {
		return supportedExtensionlessBasenames[base]
	}
	return supportedImageExts[ext] || supportedDocExts[ext] || supportedTextExts[ext]
}

// FileFetcher downloads chat attachments to a per-thread temp
// directory, subject to IsSupportedAttachment, and sweeps old
// directories on a retention schedule.
type FileFetcher struct {
	root          string
	retentionDays int
	client        *http.Client
	bearerToken   string
}

func NewFileFetcher(retentionDays int, timeout time.Duration, bearerToken string) *FileFetcher {
	return &FileFetcher{
		root:          filepath.Join(os.TempDir(), fetchRoot),
		retentionDays: retentionDays,
		client:        &http.Client{Timeout: timeout},
		bearerToken:   bearerToken,
	}
}

// Fetch downloads url to <root>/<threadID>/<filename>, disambiguating
// a name collision by inserting a "-<k>" suffix before the extension.
func (f *FileFetcher) Fetch(threadID, url, filename string) (string, error) {
	if !IsSupportedAttachment(filename) {
		return "", fmt.Errorf("unsupported attachment type: %s", filename)
	}

	dir := filepath.Join(f.root, threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fetch: mkdir: %w", err)
	}

	dest := f.disambiguate(dir, filename)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: build request: %w", err)
	}
	if f.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.bearerToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("fetch: create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("fetch: write %s: %w", dest, err)
	}

	return dest, nil
}

func (f *FileFetcher) disambiguate(dir, filename string) string {
	dest := filepath.Join(dir, filename)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for k := 1; ; k++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, k, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// CleanOld removes per-thread subdirectories older than retentionDays.
// Retention does not depend on Session status — a terminated session
// may be resurrected and still need its files (spec §4.3.5).
func (f *FileFetcher) CleanOld() int {
	if f.retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -f.retentionDays)

	entries, err := os.ReadDir(f.root)
	if err != nil {
		return 0
	}

	cleaned := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(f.root, e.Name())); err == nil {
				cleaned++
			}
		}
	}
	return cleaned
}
