package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// ChatFile is a downloadable attachment referenced by an inbound event.
type ChatFile struct {
	URL  string
	Name string
}

// ChatEvent is the bridge-internal, vendor-neutral shape the Inbound
// Router dispatches on (spec §4.4, §6).
type ChatEvent struct {
	Kind string // "message", "app_mention", "reaction_added", "slash_command"

	UserID    string
	ChannelID string
	MessageID string // this event's own timestamp
	ParentTS  string // set when this message is a thread reply
	Text      string
	Files     []ChatFile
	BotID     string // non-empty for bot-authored messages

	Reaction string // reaction_added only
	ItemTS   string // reaction_added only: message the reaction landed on

	Command     string // slash_command only: e.g. "/sessions"
	CommandText string // slash_command only: arguments after the command
}

// dmCachePrefix names the per-user cache files mapping a Slack user id
// to its opened DM channel id (spec §6).
const dmCachePrefix = "chatmux-dm"

// ChatClient wraps slack-go/slack's Socket Mode client behind the
// narrow surface the rest of the bridge needs: posting, reacting, and
// resolving DM channels, plus the one-time authTest used to build
// thread links.
type ChatClient struct {
	api *slack.Client
	sm  *socketmode.Client

	workspaceURL string
	botUserID    string

	dmMu sync.Mutex
}

func NewChatClient(botToken, appToken string) (*ChatClient, error) {
	if botToken == "" || appToken == "" {
		return nil, fmt.Errorf("chat: botToken and appToken are both required")
	}
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	sm := socketmode.New(api)
	return &ChatClient{api: api, sm: sm}, nil
}

// AuthTest learns the workspace URL and the bridge's own user id once
// at startup, used for building thread links and for ignoring the
// bridge's own messages.
func (c *ChatClient) AuthTest() error {
	resp, err := c.api.AuthTest()
	if err != nil {
		return fmt.Errorf("chat: auth test: %w", err)
	}
	c.workspaceURL = resp.URL
	c.botUserID = resp.UserID
	return nil
}

func (c *ChatClient) BotUserID() string { return c.botUserID }

// ThreadLink builds a URL a human can click to jump to the thread root.
func (c *ChatClient) ThreadLink(channelID, threadTS string) string {
	if c.workspaceURL == "" {
		return ""
	}
	id := strings.ReplaceAll(threadTS, ".", "")
	return fmt.Sprintf("%sarchives/%s/p%s", c.workspaceURL, channelID, id)
}

// Run starts the Socket Mode event loop, invoking handler for every
// chat event the bridge cares about. It blocks until ctx is canceled.
func (c *ChatClient) Run(ctx context.Context, handler func(ChatEvent)) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-c.sm.Events:
				if !ok {
					return
				}
				c.safeDispatch(evt, handler)
			}
		}
	}()
	return c.sm.RunContext(ctx)
}

// safeDispatch recovers from a panic in dispatch or the handler it
// invokes so one bad event never crashes the whole process.
func (c *ChatClient) safeDispatch(evt socketmode.Event, handler func(ChatEvent)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[chatmux] event handler panic recovered: %v", r)
		}
	}()
	c.dispatch(evt, handler)
}

func (c *ChatClient) dispatch(evt socketmode.Event, handler func(ChatEvent)) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.sm.Ack(*evt.Request)
		}
		c.dispatchEventsAPI(eventsAPIEvent, handler)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.sm.Ack(*evt.Request)
		}
		name, args := cmd.Command, strings.TrimSpace(cmd.Text)
		handler(ChatEvent{
			Kind:        "slash_command",
			UserID:      cmd.UserID,
			ChannelID:   cmd.ChannelID,
			Command:     name,
			CommandText: args,
		})

	case socketmode.EventTypeConnecting, socketmode.EventTypeConnected, socketmode.EventTypeHello:
		// connection lifecycle noise; nothing to forward
	default:
	}
}

func (c *ChatClient) dispatchEventsAPI(eventsAPIEvent slackevents.EventsAPIEvent, handler func(ChatEvent)) {
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType != "" && ev.SubType != "file_share" {
			return // bridge ignores non-file_share subtypes per spec §4.4
		}
		if ev.BotID != "" {
			return
		}
		handler(ChatEvent{
			Kind:      "message",
			UserID:    ev.User,
			ChannelID: ev.Channel,
			MessageID: ev.TimeStamp,
			ParentTS:  ev.ThreadTimeStamp,
			Text:      ev.Text,
			Files:     chatFilesFrom(ev.Files),
			BotID:     ev.BotID,
		})

	case *slackevents.AppMentionEvent:
		handler(ChatEvent{
			Kind:      "app_mention",
			UserID:    ev.User,
			ChannelID: ev.Channel,
			MessageID: ev.TimeStamp,
			ParentTS:  ev.ThreadTimeStamp,
			Text:      stripMentionPrefix(ev.Text),
			BotID:     ev.BotID,
		})

	case *slackevents.ReactionAddedEvent:
		handler(ChatEvent{
			Kind:      "reaction_added",
			UserID:    ev.User,
			ChannelID: ev.Item.Channel,
			Reaction:  ev.Reaction,
			ItemTS:    ev.Item.Timestamp,
		})
	}
}

func chatFilesFrom(files []slackevents.File) []ChatFile {
	var out []ChatFile
	for _, f := range files {
		out = append(out, ChatFile{URL: f.URLPrivateDownload, Name: f.Name})
	}
	return out
}

// mentionPrefixRe strips a leading "<@U12345>" self-mention Slack
// prepends to app_mention event text.
var mentionPrefixRe = regexp.MustCompile(`^\s*<@[A-Z0-9]+>\s*`)

func stripMentionPrefix(text string) string {
	return strings.TrimSpace(mentionPrefixRe.ReplaceAllString(text, ""))
}

// PostMessage replies in channelID, optionally inside threadTS, and
// returns the new message's own timestamp.
func (c *ChatClient) PostMessage(channelID, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessage(channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("chat: post message: %w", err)
	}
	return ts, nil
}

func (c *ChatClient) AddReaction(name, channelID, ts string) error {
	ref := slack.NewRefToMessage(channelID, ts)
	if err := c.api.AddReaction(name, ref); err != nil {
		return fmt.Errorf("chat: add reaction: %w", err)
	}
	return nil
}

// RemoveReaction removes a reaction from a message. destination is
// normally a channel id, but may instead be a bare Slack user id (a DM
// destination known only by user) — in that case it's resolved to the
// user's private channel id via conversations.open before the removal
// call.
func (c *ChatClient) RemoveReaction(name, destination, ts string) error {
	channelID := destination
	if isUserID(destination) {
		resolved, err := c.OpenDM(destination)
		if err != nil {
			return fmt.Errorf("chat: remove reaction: resolve dm: %w", err)
		}
		channelID = resolved
	}

	ref := slack.NewRefToMessage(channelID, ts)
	if err := c.api.RemoveReaction(name, ref); err != nil {
		return fmt.Errorf("chat: remove reaction: %w", err)
	}
	return nil
}

// isUserID reports whether id looks like a Slack user id ("U…"/"W…")
// rather than a channel id ("C…"/"D…"/"G…").
func isUserID(id string) bool {
	return strings.HasPrefix(id, "U") || strings.HasPrefix(id, "W")
}

// OpenDM resolves a user id to its private DM channel id via
// conversations.open, caching the result on disk per spec §6 so
// repeated reaction removals don't re-open the conversation.
func (c *ChatClient) OpenDM(userID string) (string, error) {
	c.dmMu.Lock()
	defer c.dmMu.Unlock()

	cachePath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s", dmCachePrefix, userID))
	if data, err := os.ReadFile(cachePath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	channel, _, _, err := c.api.OpenConversation(&slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return "", fmt.Errorf("chat: open conversation: %w", err)
	}

	if err := os.WriteFile(cachePath, []byte(channel.ID), 0o600); err != nil {
		log.Printf("[chatmux] warning: failed to cache DM channel for %s: %v", userID, err)
	}
	return channel.ID, nil
}
