// Package bot wires the application together and manages the lifecycle of
// its long-running components: the Telegram listener, the notification
// dispatch loop and the housekeeping scheduler.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbot "github.com/go-telegram/bot"
	"golang.org/x/sync/errgroup"

	"github.com/firestorm-team/funnelbot/internal/config"
	"github.com/firestorm-team/funnelbot/internal/notifier"
)

// Bot is the application orchestrator.
type Bot struct {
	logger    *slog.Logger
	cfg       *config.Config
	tgBot     *tgbot.Bot
	notifier  *notifier.Notifier
	scheduler *Scheduler
}

// NewBot creates the orchestrator over already-wired components.
func NewBot(logger *slog.Logger, cfg *config.Config, tgBot *tgbot.Bot, n *notifier.Notifier, scheduler *Scheduler) *Bot {
	return &Bot{
		logger:    logger.With("component", "bot_orchestrator"),
		cfg:       cfg,
		tgBot:     tgBot,
		notifier:  n,
		scheduler: scheduler,
	}
}

// Run starts all components and blocks until the context is canceled or a
// component fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("starting bot orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("starting telegram listener")
		b.tgBot.Start(gCtx)
		b.logger.Info("telegram listener stopped")

		if gCtx.Err() == nil {
			return fmt.Errorf("telegram listener stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		if err := b.notifier.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("notification scheduler failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := b.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("bot orchestrator stopped gracefully")
	return nil
}
