// Package telegram implements the bot-processing runtime. It is the
// background execution context on the far side of the ingestion dispatcher:
// it consumes update envelopes from the runtime queue, routes them, and
// replies to the user. In local development it can long-poll instead of
// consuming webhook deliveries.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/Di-mitt/my-telegram-bot/internal/infrastructure/external/telegram"
	"github.com/Di-mitt/my-telegram-bot/internal/ingest"
	"github.com/Di-mitt/my-telegram-bot/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// BOT CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Mode selects how the runtime receives updates.
const (
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

// BotConfig contains configuration for the processing runtime.
type BotConfig struct {
	// Mode is "webhook" (consume the dispatcher queue) or "polling"
	// (long-poll the Bot API directly, for local development).
	Mode string

	// PollingTimeout is the long-poll timeout in seconds.
	PollingTimeout int

	// GracePeriod bounds how long in-flight work may run after shutdown
	// begins.
	GracePeriod time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultBotConfig returns sensible defaults.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		Mode:           ModeWebhook,
		PollingTimeout: 30,
		GracePeriod:    10 * time.Second,
		Logger:         slog.Default(),
	}
}

// Sender is the outbound slice of the Bot API the runtime needs.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (*telegram.Message, error)
}

// Poller fetches updates in polling mode.
type Poller interface {
	GetUpdates(ctx context.Context, offset int64, limit int, timeout int) ([]telegram.Update, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// BOT
// ══════════════════════════════════════════════════════════════════════════════

// Bot is the processing runtime. All of its state lives on its own
// goroutine; the only way in is the dispatcher queue.
type Bot struct {
	config  BotConfig
	sender  Sender
	poller  Poller
	updates <-chan *ingest.Envelope
	logger  *slog.Logger
	retrier *retry.Retrier

	// polling offset, touched only by the runtime goroutine
	offset int64

	// counters are atomic so Stats can be read while Run is live
	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewBot creates the processing runtime. The updates channel comes from the
// ingestion dispatcher; poller may be nil unless Mode is "polling".
func NewBot(config BotConfig, sender Sender, poller Poller, updates <-chan *ingest.Envelope) *Bot {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 10 * time.Second
	}
	return &Bot{
		config:  config,
		sender:  sender,
		poller:  poller,
		updates: updates,
		logger:  config.Logger,
		retrier: retry.TelegramRetrier(),
	}
}

// Run consumes updates until the context is canceled, then finishes whatever
// is already queued within the grace period. It returns nil on a clean stop.
func (b *Bot) Run(ctx context.Context) error {
	if b.config.Mode == ModePolling {
		return b.runPolling(ctx)
	}
	return b.runQueue(ctx)
}

// runQueue is the webhook-mode loop: the dispatcher queue is the single
// crossing point from the request-handling context.
func (b *Bot) runQueue(ctx context.Context) error {
	b.logger.Info("bot runtime consuming update queue")

	for {
		select {
		case env := <-b.updates:
			b.handleEnvelope(ctx, env)
		case <-ctx.Done():
			b.drainRemaining()
			b.logger.Info("bot runtime stopped",
				"processed", b.processed.Load(),
				"failed", b.failed.Load(),
			)
			return nil
		}
	}
}

// drainRemaining gives already-queued envelopes a bounded grace period.
func (b *Bot) drainRemaining() {
	graceCtx, cancel := context.WithTimeout(context.Background(), b.config.GracePeriod)
	defer cancel()

	for {
		select {
		case env := <-b.updates:
			b.handleEnvelope(graceCtx, env)
			if graceCtx.Err() != nil {
				return
			}
		default:
			return
		}
	}
}

// runPolling is the local-development loop: no webhook, no buffer, updates
// come straight from getUpdates.
func (b *Bot) runPolling(ctx context.Context) error {
	if b.poller == nil {
		return fmt.Errorf("polling mode requires a poller")
	}
	b.logger.Info("bot runtime long polling", "timeout_s", b.config.PollingTimeout)

	for {
		if err := ctx.Err(); err != nil {
			b.logger.Info("bot runtime stopped", "processed", b.processed.Load(), "failed", b.failed.Load())
			return nil
		}

		updates, err := b.poller.GetUpdates(ctx, b.offset, 100, b.config.PollingTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			b.logger.Error("get updates failed", "error", err)
			if serr := sleepCtxBot(ctx, 5*time.Second); serr != nil {
				return nil
			}
			continue
		}

		for i := range updates {
			if updates[i].UpdateID >= b.offset {
				b.offset = updates[i].UpdateID + 1
			}
			b.handleUpdate(ctx, &updates[i])
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE HANDLING
// ══════════════════════════════════════════════════════════════════════════════

// handleEnvelope decodes the opaque payload into a typed update and routes
// it. A payload the wire decoder accepted but the typed parse rejects is
// logged and skipped; nothing propagates back to the HTTP context.
func (b *Bot) handleEnvelope(ctx context.Context, env *ingest.Envelope) {
	var update telegram.Update
	if err := json.Unmarshal(env.Raw, &update); err != nil {
		b.failed.Add(1)
		b.logger.Error("unparseable update payload",
			"update_id", env.UpdateID,
			"error", err,
		)
		return
	}
	b.handleUpdate(ctx, &update)
}

// handleUpdate routes one update. Same behavior as the original bot:
// /start greets, plain text echoes, everything else is ignored.
func (b *Bot) handleUpdate(ctx context.Context, update *telegram.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	var reply string
	switch telegram.ExtractCommand(msg) {
	case "start":
		reply = GreetingText
	case "":
		if msg.Text == "" {
			return
		}
		reply = EchoText(msg.Text)
	default:
		// Unknown commands are ignored, matching the original behavior.
		return
	}

	if err := b.send(ctx, msg.Chat.ID, reply); err != nil {
		b.failed.Add(1)
		b.logger.Error("reply failed",
			"update_id", update.UpdateID,
			"chat_id", msg.Chat.ID,
			"error", err,
		)
		return
	}
	b.processed.Add(1)
}

// send delivers a reply with the standard Telegram retry policy.
func (b *Bot) send(ctx context.Context, chatID int64, text string) error {
	return b.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := b.sender.SendText(ctx, chatID, text)
		if err != nil && telegram.IsRetryableError(err) {
			return retry.Retryable(err)
		}
		return err
	})
}

// Stats returns the running processed/failed counters. Safe to read from
// any goroutine while the runtime is live.
func (b *Bot) Stats() (processed, failed uint64) {
	return b.processed.Load(), b.failed.Load()
}

func sleepCtxBot(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
