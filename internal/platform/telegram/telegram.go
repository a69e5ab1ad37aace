// Package telegram adapts the Telegram Bot API to the platform interfaces.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ssd-technologies/vaultrelay/internal/platform"
)

// Client sends messages through the Bot API and receives updates by long
// polling.
type Client struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// Options configure the Bot API client.
type Options struct {
	Token string
	// Proxy, when set, is an HTTP proxy URL for every Bot API request.
	Proxy string
	// Endpoint overrides the Bot API URL format (token, then method).
	Endpoint string
	Logger   *slog.Logger
}

// New authenticates with the Bot API and returns a Client.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Timeout: 90 * time.Second}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		logger.Info("using bot api proxy", "proxy", proxyURL.Host)
	}

	logger = logger.With("component", "telegram")
	// The library reports polling failures through its package logger.
	_ = tgbotapi.SetLogger(botLogger{logger})

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	return &Client{api: api, logger: logger}, nil
}

// botLogger adapts slog to the library's Println/Printf logger.
type botLogger struct{ l *slog.Logger }

func (b botLogger) Println(v ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (b botLogger) Printf(format string, v ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Username returns the bot's public handle without the leading @.
func (c *Client) Username() string {
	return c.api.Self.UserName
}

// SendText sends an HTML-formatted text message.
func (c *Client) SendText(_ context.Context, chatID int64, text string) (platform.MessageRef, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	sent, err := c.api.Send(msg)
	if err != nil {
		return platform.MessageRef{}, classify("send text", err)
	}
	return platform.MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// EditText replaces the text of a message the bot sent earlier.
func (c *Client) EditText(_ context.Context, ref platform.MessageRef, text string) error {
	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := c.api.Send(edit); err != nil {
		return classify("edit text", err)
	}
	return nil
}

// SendMedia re-sends stored content by its file id.
func (c *Client) SendMedia(_ context.Context, chatID int64, kind platform.MediaKind, providerRef, caption string) error {
	file := tgbotapi.FileID(providerRef)
	var msg tgbotapi.Chattable
	switch kind {
	case platform.KindPhoto:
		p := tgbotapi.NewPhoto(chatID, file)
		p.Caption = caption
		msg = p
	case platform.KindVideo:
		v := tgbotapi.NewVideo(chatID, file)
		v.Caption = caption
		msg = v
	case platform.KindAudio:
		a := tgbotapi.NewAudio(chatID, file)
		a.Caption = caption
		msg = a
	case platform.KindDocument:
		d := tgbotapi.NewDocument(chatID, file)
		d.Caption = caption
		msg = d
	default:
		return fmt.Errorf("send media: unsupported kind %q: %w", kind, platform.ErrBadRequest)
	}
	if _, err := c.api.Send(msg); err != nil {
		return classify("send "+string(kind), err)
	}
	return nil
}

// CopyMessage copies src into chatID without a forward header.
func (c *Client) CopyMessage(_ context.Context, chatID int64, src platform.MessageRef) error {
	cp := tgbotapi.NewCopyMessage(chatID, src.ChatID, src.MessageID)
	if _, err := c.api.Request(cp); err != nil {
		return classify("copy message", err)
	}
	return nil
}

// SendAction shows a progress indicator in the chat.
func (c *Client) SendAction(_ context.Context, chatID int64, action platform.Action) error {
	var a string
	switch action {
	case platform.ActionUploadDocument:
		a = tgbotapi.ChatUploadDocument
	default:
		a = tgbotapi.ChatTyping
	}
	if _, err := c.api.Request(tgbotapi.NewChatAction(chatID, a)); err != nil {
		return classify("send action", err)
	}
	return nil
}

// Poll drops updates queued while the bot was offline, then delivers
// converted messages to handle until ctx is done. handle must not block
// for long.
func (c *Client) Poll(ctx context.Context, handle func(*platform.Message)) error {
	if _, err := c.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("delete webhook: %w", classify("delete webhook", err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)
	defer c.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if msg := convert(upd.Message); msg != nil {
				handle(msg)
			}
		}
	}
}

// convert maps a Bot API message onto platform.Message. It returns nil for
// updates that carry no message or no sender.
func convert(m *tgbotapi.Message) *platform.Message {
	if m == nil || m.From == nil || m.Chat == nil {
		return nil
	}
	msg := &platform.Message{
		ID:         m.MessageID,
		ChatID:     m.Chat.ID,
		SenderID:   m.From.ID,
		SenderName: m.From.FirstName,
		Text:       m.Text,
		Media:      media(m),
	}
	if m.IsCommand() {
		msg.Command = strings.ToLower(m.Command())
		msg.Args = strings.TrimSpace(m.CommandArguments())
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = &platform.MessageRef{ChatID: m.Chat.ID, MessageID: m.ReplyToMessage.MessageID}
	}
	return msg
}

// media extracts the first recognised attachment from m.
func media(m *tgbotapi.Message) *platform.Media {
	switch {
	case m.Document != nil:
		return &platform.Media{
			ProviderRef: m.Document.FileID,
			Fingerprint: m.Document.FileUniqueID,
			Kind:        platform.KindDocument,
			Name:        m.Document.FileName,
			Caption:     m.Caption,
		}
	case m.Video != nil:
		return &platform.Media{
			ProviderRef: m.Video.FileID,
			Fingerprint: m.Video.FileUniqueID,
			Kind:        platform.KindVideo,
			Name:        m.Video.FileName,
			Caption:     m.Caption,
		}
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		p := m.Photo[len(m.Photo)-1]
		return &platform.Media{
			ProviderRef: p.FileID,
			Fingerprint: p.FileUniqueID,
			Kind:        platform.KindPhoto,
			Caption:     m.Caption,
		}
	case m.Audio != nil:
		return &platform.Media{
			ProviderRef: m.Audio.FileID,
			Fingerprint: m.Audio.FileUniqueID,
			Kind:        platform.KindAudio,
			Name:        m.Audio.FileName,
			Caption:     m.Caption,
		}
	}
	return nil
}

// classify maps Bot API errors onto the platform taxonomy.
func classify(op string, err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		return fmt.Errorf("%s: %w", op, &platform.RateLimitError{
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
		})
	case apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", op, apiErr.Message, platform.ErrForbidden)
	case apiErr.Code == http.StatusBadRequest:
		return fmt.Errorf("%s: %s: %w", op, apiErr.Message, platform.ErrBadRequest)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
