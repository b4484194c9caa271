package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	relay "github.com/nevindra/relay"
	"github.com/nevindra/relay/frontend/telegram"
	"github.com/nevindra/relay/internal/config"
)

// turnMetrics is the slice of observer.Instruments the app records into.
// Nil when the observer is not configured.
type turnMetrics interface {
	RecordTurn(ctx context.Context, source string, ok bool, d time.Duration)
	RecordWatchdogTimeout(ctx context.Context)
}

// editInterval is the minimum spacing between streaming preview edits, to
// stay clear of Telegram's per-chat rate limit.
const editInterval = time.Second

// telegramMaxLen is Telegram's per-message character ceiling.
const telegramMaxLen = 4096

// pendingTurn accumulates the streamed output of one in-flight turn, keyed
// by the Source that submitted it.
type pendingTurn struct {
	text    strings.Builder
	started time.Time
	// msgID is the placeholder message edited as text streams in. Empty
	// until the first delta arrives.
	msgID    string
	lastEdit time.Time
}

// app bridges Telegram and the runtime: incoming messages become prompts,
// subscriber events become outgoing chat messages.
type app struct {
	cfg     config.Config
	bot     *telegram.Bot
	rt      *relay.Runtime
	metrics turnMetrics
	logger  *slog.Logger

	turns map[string]*pendingTurn
}

// run consumes the long-poll and subscriber channels until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	a.turns = make(map[string]*pendingTurn)

	events, unsubscribe := a.rt.Subscribe("telegram")
	defer unsubscribe()

	incoming := a.bot.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("relay stopped")
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			a.handleMessage(ctx, msg)
		case tev := <-events:
			a.handleEvent(ctx, tev)
		}
	}
}

// handleMessage turns one Telegram message into a runtime prompt, after the
// allow-list check and the slash commands.
func (a *app) handleMessage(ctx context.Context, msg telegram.IncomingMessage) {
	if allowed := a.cfg.Telegram.AllowedUserID; allowed != "" && msg.UserID != allowed {
		a.logger.Warn("message from unlisted user dropped", "user", msg.UserID)
		return
	}

	switch strings.TrimSpace(msg.Text) {
	case "/clear":
		a.rt.ClearSession(ctx)
		a.send(ctx, msg.ChatID, "Session cleared.")
		return
	case "/abort":
		a.rt.Abort()
		return
	}

	a.bot.SendTyping(ctx, msg.ChatID)
	a.rt.Prompt(msg.Text, relay.Source{ID: msg.ChatID, Label: "telegram"})
}

// handleEvent folds one tagged runtime event into the pending turn for its
// source and flushes to the chat on a terminal event. Internal turns
// (maintenance write-backs) produce no chat output.
func (a *app) handleEvent(ctx context.Context, tev relay.TaggedEvent) {
	if tev.Source.Internal || tev.Source.ID == "" {
		return
	}
	chatID := tev.Source.ID

	turn, ok := a.turns[chatID]
	if !ok {
		turn = &pendingTurn{started: time.Now()}
		a.turns[chatID] = turn
	}

	switch tev.Event.Type {
	case relay.EventTextDelta:
		turn.text.WriteString(tev.Event.Text)
		a.previewTurn(ctx, chatID, turn)
	case relay.EventToolStart:
		a.bot.SendTyping(ctx, chatID)
	case relay.EventDone:
		a.finishTurn(ctx, chatID, turn, turn.text.String(), true)
	case relay.EventError:
		a.finishTurn(ctx, chatID, turn, "Something went wrong: "+tev.Event.Message, false)
	case relay.EventAborted:
		if tev.Event.Reason == relay.AbortTimeout && a.metrics != nil {
			a.metrics.RecordWatchdogTimeout(ctx)
		}
		a.finishTurn(ctx, chatID, turn, "Turn aborted: "+tev.Event.Message, false)
	}
}

// previewTurn keeps a placeholder message updated with the accumulated text
// while the turn streams, edited at most once per editInterval.
func (a *app) previewTurn(ctx context.Context, chatID string, turn *pendingTurn) {
	if turn.msgID == "" {
		id, err := a.bot.SendPlaceholder(ctx, chatID, "...")
		if err != nil {
			a.logger.Warn("placeholder send failed", "chat", chatID, "error", err)
			return
		}
		turn.msgID = id
		turn.lastEdit = time.Now()
		return
	}
	if time.Since(turn.lastEdit) < editInterval {
		return
	}
	preview := turn.text.String()
	if runes := []rune(preview); len(runes) > telegramMaxLen {
		preview = string(runes[:telegramMaxLen])
	}
	if err := a.bot.Edit(ctx, chatID, turn.msgID, preview); err != nil {
		a.logger.Warn("preview edit failed", "chat", chatID, "error", err)
	}
	turn.lastEdit = time.Now()
}

// finishTurn delivers the final text. When a placeholder exists and the text
// fits one message, the placeholder is edited in place; overflow beyond the
// ceiling goes out as follow-up messages.
func (a *app) finishTurn(ctx context.Context, chatID string, turn *pendingTurn, text string, ok bool) {
	delete(a.turns, chatID)
	if a.metrics != nil {
		a.metrics.RecordTurn(ctx, "telegram", ok, time.Since(turn.started))
	}
	if text == "" {
		return
	}

	if turn.msgID == "" {
		a.send(ctx, chatID, text)
		return
	}

	chunks := relay.SplitMessage(text, telegramMaxLen)
	if err := a.bot.Edit(ctx, chatID, turn.msgID, chunks[0]); err != nil {
		a.logger.Error("final edit failed", "chat", chatID, "error", err)
	}
	for _, chunk := range chunks[1:] {
		a.send(ctx, chatID, chunk)
	}
}

func (a *app) send(ctx context.Context, chatID, text string) {
	if text == "" {
		return
	}
	if err := a.bot.Send(ctx, chatID, text); err != nil {
		a.logger.Error("send failed", "chat", chatID, "error", err)
	}
}
