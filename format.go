package main

import (
	"fmt"
	"regexp"
	"strings"
)

// slackMessageLimit is Slack's per-message character ceiling; replies
// longer than this must be split across multiple posts.
const slackMessageLimit = 4000

// markdownToSlackMrkdwn converts standard Markdown (the form command
// output and pane excerpts naturally take) to Slack's mrkdwn dialect.
// Processing order mirrors the teacher's HTML converter: code spans are
// pulled out first so formatting markers inside them are never touched,
// then the remaining inline syntax is rewritten, then code spans are
// restored.
func markdownToSlackMrkdwn(md string) string {
	var placeholders []string
	placeholder := func(content string) string {
		idx := len(placeholders)
		placeholders = append(placeholders, content)
		return fmt.Sprintf("\x00PH%d\x00", idx)
	}

	out := md

	// 1. Fenced code blocks pass through untouched (Slack uses the same ``` syntax).
	codeBlockRe := regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")
	out = codeBlockRe.ReplaceAllStringFunc(out, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		code := strings.TrimSuffix(parts[2], "\n")
		return placeholder(fmt.Sprintf("```%s```", code))
	})

	// 2. Inline code also passes through untouched.
	inlineCodeRe := regexp.MustCompile("`([^`\n]+)`")
	out = inlineCodeRe.ReplaceAllStringFunc(out, func(match string) string {
		parts := inlineCodeRe.FindStringSubmatch(match)
		return placeholder(fmt.Sprintf("`%s`", parts[1]))
	})

	// 3. Headings → bold (Slack mrkdwn has no heading syntax).
	headingRe := regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	out = headingRe.ReplaceAllString(out, "*$1*")

	// 4. Bold: **text** → *text*
	boldRe := regexp.MustCompile(`\*\*(.+?)\*\*`)
	out = boldRe.ReplaceAllString(out, "*$1*")

	// 5. Italic: _text_ stays as-is; bare *text* left over after the bold
	// pass above is already single-star, which is also Slack's bold
	// marker, so leave it untouched rather than double-converting.

	// 6. Strikethrough: ~~text~~ → ~text~
	strikeRe := regexp.MustCompile(`~~(.+?)~~`)
	out = strikeRe.ReplaceAllString(out, "~$1~")

	// 7. Links: [text](url) → <url|text>
	linkRe := regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	out = linkRe.ReplaceAllString(out, `<$2|$1>`)

	// 8. Blockquotes: Slack uses the same "> " prefix Markdown does, so
	// no rewrite is needed beyond leaving it alone.

	// 9. Restore placeholders.
	phRestoreRe := regexp.MustCompile(`\x00PH(\d+)\x00`)
	out = phRestoreRe.ReplaceAllStringFunc(out, func(match string) string {
		parts := phRestoreRe.FindStringSubmatch(match)
		idx := 0
		fmt.Sscanf(parts[1], "%d", &idx)
		if idx < len(placeholders) {
			return placeholders[idx]
		}
		return match
	})

	return out
}

// chunkForSlack splits text on paragraph or line boundaries so no piece
// exceeds limit, falling back to a hard cut only when no boundary falls
// in the tail 70% of the window. Grounded on the teacher's
// chunkForTelegram.
func chunkForSlack(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := strings.LastIndex(remaining[:limit], "\n\n")
		if splitAt == -1 || splitAt < limit*3/10 {
			splitAt = strings.LastIndex(remaining[:limit], "\n")
		}
		if splitAt == -1 || splitAt < limit*3/10 {
			splitAt = limit
		}

		chunks = append(chunks, remaining[:splitAt])
		remaining = strings.TrimLeft(remaining[splitAt:], " \n")
	}

	return chunks
}

// FormatReply converts md to mrkdwn and splits it into Slack-postable
// chunks, the shared path for command output and router notices.
func FormatReply(md string) []string {
	return chunkForSlack(markdownToSlackMrkdwn(md), slackMessageLimit)
}
