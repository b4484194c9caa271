// Package telegram is a Telegram Bot API front-end: it delivers outbound
// notifications as HTML-formatted messages and long-polls for incoming ones.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nevindra/relay"
)

const (
	// maxMessageLength is Telegram's hard per-message ceiling.
	maxMessageLength = 4096

	defaultBaseURL = "https://api.telegram.org"

	// pollTimeout is the getUpdates long-poll window in seconds.
	pollTimeout = 30
)

// IncomingMessage is one user message received via long polling.
type IncomingMessage struct {
	ID     string
	ChatID string
	UserID string
	Text   string
}

// Option configures a Bot.
type Option func(*Bot)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) { b.client = c }
}

// WithLogger sets a structured logger. If not set, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithBaseURL overrides the Bot API host. Used in tests and for local
// Bot API servers.
func WithBaseURL(u string) Option {
	return func(b *Bot) { b.baseURL = strings.TrimRight(u, "/") }
}

// Bot is a Telegram Bot API client. It implements relay.Notifier.
type Bot struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ relay.Notifier = (*Bot)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Bot with the given token.
func New(token string, opts ...Option) *Bot {
	b := &Bot{
		token:   token,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Send delivers markdown text to a chat as HTML-formatted messages. Text
// over Telegram's 4096-char ceiling is chunked on line boundaries, measured
// after HTML rendering, and sent in order. A chunk whose HTML Telegram
// rejects is retried as plain text so formatting problems never swallow a
// notification.
func (b *Bot) Send(ctx context.Context, chatID string, text string) error {
	for _, chunk := range renderChunks(text, maxMessageLength) {
		body := map[string]any{
			"chat_id":    chatID,
			"text":       chunk.html,
			"parse_mode": "HTML",
		}
		err := b.call(ctx, "sendMessage", body, nil)
		if err == nil {
			continue
		}
		if apiErr, ok := err.(*apiError); ok && apiErr.Code == http.StatusBadRequest {
			b.logger.Warn("telegram rejected HTML, retrying as plain text", "chat", chatID, "error", err)
			body["text"] = chunk.raw
			delete(body, "parse_mode")
			err = b.call(ctx, "sendMessage", body, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// renderedChunk pairs a raw markdown chunk with its HTML rendering. raw is
// kept for the plain-text fallback.
type renderedChunk struct {
	raw  string
	html string
}

// renderChunks splits markdown into chunks whose rendered HTML fits limit
// runes. Escaping and tags can expand a chunk well past its raw length, so
// each chunk is measured after rendering and re-split at half its raw size
// when it overflows. Raw sizes strictly shrink on every re-split, so the
// loop terminates; a lone rune is accepted as is.
func renderChunks(text string, limit int) []renderedChunk {
	pending := relay.SplitMessage(text, limit)
	var out []renderedChunk
	for len(pending) > 0 {
		raw := pending[0]
		pending = pending[1:]
		html := MarkdownToHTML(raw)
		if n := len([]rune(raw)); len([]rune(html)) > limit && n >= 2 {
			pending = append(relay.SplitMessage(raw, n/2), pending...)
			continue
		}
		out = append(out, renderedChunk{raw: raw, html: html})
	}
	return out
}

// SendPlaceholder sends one plain-text message and returns its message ID
// for later edits. Unlike Send it never chunks: placeholders are short.
func (b *Bot) SendPlaceholder(ctx context.Context, chatID string, text string) (string, error) {
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if err := b.call(ctx, "sendMessage", body, &result); err != nil {
		return "", err
	}
	return strconv.FormatInt(result.MessageID, 10), nil
}

// Edit replaces a previously sent message with HTML-formatted markdown.
// Rejected HTML falls back to plain text, and Telegram's "message is not
// modified" complaint is treated as success.
func (b *Bot) Edit(ctx context.Context, chatID string, messageID string, text string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", messageID, err)
	}
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": id,
		"text":       text,
	}
	// An edit cannot chunk, so when rendering would push the message over
	// the ceiling the raw text goes out unformatted instead.
	if html := MarkdownToHTML(text); len([]rune(html)) <= maxMessageLength {
		body["text"] = html
		body["parse_mode"] = "HTML"
	}
	err = b.call(ctx, "editMessageText", body, nil)
	if isNotModified(err) {
		return nil
	}
	if apiErr, ok := err.(*apiError); ok && apiErr.Code == http.StatusBadRequest {
		b.logger.Warn("telegram rejected HTML edit, retrying as plain text", "chat", chatID, "error", err)
		body["text"] = text
		delete(body, "parse_mode")
		err = b.call(ctx, "editMessageText", body, nil)
		if isNotModified(err) {
			return nil
		}
	}
	return err
}

// isNotModified reports whether err is Telegram rejecting an edit because
// the text did not change.
func isNotModified(err error) bool {
	apiErr, ok := err.(*apiError)
	return ok && strings.Contains(apiErr.Description, "message is not modified")
}

// SendTyping shows the typing indicator in a chat. Best effort.
func (b *Bot) SendTyping(ctx context.Context, chatID string) error {
	return b.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}, nil)
}

// Poll starts long-polling for updates and returns a channel of incoming
// messages. The channel is closed when ctx is cancelled.
func (b *Bot) Poll(ctx context.Context) <-chan IncomingMessage {
	ch := make(chan IncomingMessage)
	go b.pollLoop(ctx, ch)
	return ch
}

func (b *Bot) pollLoop(ctx context.Context, ch chan<- IncomingMessage) {
	defer close(ch)
	var offset int64

	for ctx.Err() == nil {
		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("poll failed", "error", err)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			msg := IncomingMessage{
				ID:     strconv.FormatInt(u.Message.MessageID, 10),
				ChatID: strconv.FormatInt(u.Message.Chat.ID, 10),
				Text:   u.Message.Text,
			}
			if u.Message.From != nil {
				msg.UserID = strconv.FormatInt(u.Message.From.ID, 10)
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"message"},
	}
	var result []update
	if err := b.call(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// call posts JSON to a Bot API method and decodes the result envelope.
func (b *Bot) call(ctx context.Context, method string, reqBody any, result any) error {
	url := b.baseURL + "/bot" + b.token + "/" + method

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, respBody)
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// update is an incoming update from the Bot API.
type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

// message is the subset of a Telegram message this front-end consumes.
type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from,omitempty"`
	Chat      chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

type chat struct {
	ID int64 `json:"id"`
}

type user struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}
