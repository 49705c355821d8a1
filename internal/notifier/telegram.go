package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"siemalert/internal/core"
)

const telegramTextLimit = 4000

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token   string
	URL     string // API base; empty means the public Bot API
	Timeout time.Duration
}

// TelegramChannel delivers to "tg:<chat id>[/<thread id>]" recipients.
type TelegramChannel struct {
	bot *tele.Bot
}

func NewTelegramChannel(cfg TelegramConfig) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true, // send-only: no getMe round trip, no poller
	})
	if err != nil {
		return nil, err
	}
	return &TelegramChannel{bot: b}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Accepts(recipient string) bool { return strings.HasPrefix(recipient, "tg:") }

// ParseTelegramTarget parses "tg:<chat>[/<thread>]".
func ParseTelegramTarget(recipient string) (chatID int64, threadID int, err error) {
	s := strings.TrimPrefix(recipient, "tg:")
	chatPart, threadPart, hasThread := strings.Cut(s, "/")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid telegram chat in %q", recipient)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("invalid telegram thread in %q", recipient)
		}
	}
	return chatID, threadID, nil
}

func (t *TelegramChannel) Send(ctx context.Context, recipient string, msg core.Message) error {
	chatID, threadID, err := ParseTelegramTarget(recipient)
	if err != nil {
		return Permanent(err)
	}
	chat := &tele.Chat{ID: chatID}

	// Telegram does not render arbitrary HTML documents; send the subject as
	// text and the rendered body as a document when it is HTML.
	text := "<b>" + html.EscapeString(msg.Subject) + "</b>"
	if !msg.HTML && msg.Body != "" {
		text += "\n\n" + html.EscapeString(msg.Body)
	}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              threadID,
		}); err != nil {
			return telegramErr(err)
		}
	}

	docs := msg.Attachments
	if msg.HTML && msg.Body != "" {
		docs = append([]core.Attachment{{Name: "digest.html", ContentType: "text/html", Data: []byte(msg.Body)}}, docs...)
	}
	for _, a := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := &tele.Document{
			File:     tele.FromReader(bytes.NewReader(a.Data)),
			FileName: a.Name,
			MIME:     a.ContentType,
		}
		if _, err := t.bot.Send(chat, doc, &tele.SendOptions{ThreadID: threadID}); err != nil {
			return telegramErr(err)
		}
	}
	return nil
}

func telegramErr(err error) error {
	var floodErr tele.FloodError
	if errors.As(err, &floodErr) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	var tgErr *tele.Error
	if errors.As(err, &tgErr) && tgErr.Code >= 400 && tgErr.Code < 500 && tgErr.Code != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// splitText splits on newline boundaries where possible.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
