// Package telegram adapts the Telegram Bot API to the delivery pipeline and
// command surface.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram caps message text at 4096 characters.
const maxMessageLength = 4096

// Transport owns the bot connection and the three configured chats: the
// alerts channel, an optional operator error channel, and an optional
// changelog channel.
type Transport struct {
	api             *tgbotapi.BotAPI
	alertsChatID    int64
	errorChatID     int64 // 0 disables error reporting
	changelogChatID int64 // 0 disables changelog announcements
	logger          *slog.Logger
}

// New connects to Telegram and validates the token. A bad token fails
// startup; everything after this point is non-fatal.
func New(token string, alertsChatID, errorChatID, changelogChatID int64, logger *slog.Logger) (*Transport, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	logger.Info("telegram connected", "bot", api.Self.UserName)

	return &Transport{
		api:             api,
		alertsChatID:    alertsChatID,
		errorChatID:     errorChatID,
		changelogChatID: changelogChatID,
		logger:          logger,
	}, nil
}

// SendAlert posts one rendered alert to the alerts chat and returns the
// message ID as an opaque delivery handle.
func (t *Transport) SendAlert(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(t.alertsChatID, truncate(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	sent, err := t.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send alert: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Reply sends a command response to the chat the command came from.
func (t *Transport) Reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Error("send reply failed", "chat_id", chatID, "error", err)
	}
}

// ReportError posts a correlation-tagged failure report to the operator
// error chat, if one is configured. Reporting failures are only logged;
// an error about an error must never cascade.
func (t *Transport) ReportError(correlationID, text string) {
	if t.errorChatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(t.errorChatID, truncate(fmt.Sprintf("🚨 [%s] %s", correlationID, text)))
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Error("send error report failed", "correlation_id", correlationID, "error", err)
	}
}

// Announce posts to the changelog chat. Returns nil when no changelog chat
// is configured.
func (t *Transport) Announce(text string) error {
	if t.changelogChatID == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(t.changelogChatID, truncate(text))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	return nil
}

// SetPresence updates the bot's short description, the closest Telegram
// analog to a rotating status line.
func (t *Transport) SetPresence(text string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("short_description", text)
	if _, err := t.api.MakeRequest("setMyShortDescription", params); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Updates returns the long-polling update channel for the command surface.
func (t *Transport) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	return t.api.GetUpdatesChan(u)
}

// Close stops the long-polling update loop.
func (t *Transport) Close() {
	t.api.StopReceivingUpdates()
}

// BotName returns the connected bot's username.
func (t *Transport) BotName() string {
	return t.api.Self.UserName
}

// truncate caps a message at Telegram's length limit without producing text
// the API rejects: the cut lands on a rune boundary, never inside a tag or
// entity, and any tags still open at the cut are closed.
func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return text
	}

	// Room for the ellipsis and the reopened closing tags.
	cut := maxMessageLength - 64
	for i := cut - 1; i >= 0; i-- {
		c := runes[i]
		if c == '>' || c == ';' {
			break
		}
		if c == '<' || c == '&' {
			cut = i
			break
		}
	}

	var b strings.Builder
	b.WriteString(string(runes[:cut]))
	b.WriteString("…")
	open := openTags(runes[:cut])
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i] + ">")
	}
	return b.String()
}

// openTags returns the names of tags opened but not yet closed, in opening
// order.
func openTags(runes []rune) []string {
	var stack []string
	for i := 0; i < len(runes); i++ {
		if runes[i] != '<' {
			continue
		}
		end := i + 1
		for end < len(runes) && runes[end] != '>' {
			end++
		}
		if end == len(runes) {
			break
		}
		tag := string(runes[i+1 : end])
		if name, ok := strings.CutPrefix(tag, "/"); ok {
			if len(stack) > 0 && stack[len(stack)-1] == name {
				stack = stack[:len(stack)-1]
			}
		} else {
			if j := strings.IndexByte(tag, ' '); j >= 0 {
				tag = tag[:j]
			}
			stack = append(stack, tag)
		}
		i = end
	}
	return stack
}
