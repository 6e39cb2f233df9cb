// Package main contains the entrypoint for the funnel bot application.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/firestorm-team/funnelbot/internal/activity"
	"github.com/firestorm-team/funnelbot/internal/alert"
	"github.com/firestorm-team/funnelbot/internal/bot"
	"github.com/firestorm-team/funnelbot/internal/bot/handlers"
	"github.com/firestorm-team/funnelbot/internal/bot/tasks"
	"github.com/firestorm-team/funnelbot/internal/config"
	"github.com/firestorm-team/funnelbot/internal/crm"
	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
	"github.com/firestorm-team/funnelbot/internal/logger"
	"github.com/firestorm-team/funnelbot/internal/notifier"
	"github.com/firestorm-team/funnelbot/internal/router"
	"github.com/firestorm-team/funnelbot/internal/telegram"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, starts the orchestrator and returns an
// exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	log.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	db, err := database.NewDB(cfg.Database.Path, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("failed to close database", "error", closeErr)
		}
	}()
	store := database.NewStore(db, log)

	registry := funnel.NewRegistry(log, store, cfg.Funnels.Dir, cfg.Funnels.DefaultFunnel)
	if err := registry.LoadAll(); err != nil {
		log.Error("failed to load funnel definitions", "dir", cfg.Funnels.Dir, "error", err)
		return 1
	}

	alerter := alert.NewDiscord(log, cfg.Alert.DiscordToken, cfg.Alert.DiscordChannel)
	leads := crm.NewClient(log, cfg.CRM.BaseURL, cfg.CRM.Token, cfg.CRM.Timeout)
	tracker := activity.NewTracker(log, store, &cfg.Notifier)

	// The default handler closes over hDeps so the bot client can be created
	// before the router and notifier it depends on.
	hDeps := &handlers.HandlerDeps{}
	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
			handlers.NewDefaultHandler(*hDeps)(ctx, b, update)
		}),
	}
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return 1
	}

	me, err := tg.GetMe(ctx)
	if err != nil {
		log.Error("failed to get bot info", "error", err)
		return 1
	}
	log.Info("retrieved bot info", "bot_id", me.ID, "bot_username", me.Username)

	messenger := telegram.NewMessenger(tg, log, cfg.Telegram.StaticDir, me.Username)
	rtr := router.New(log, store, registry, messenger, leads, cfg.Funnels.DefaultPersona)

	ntf, err := notifier.New(log, &cfg.Notifier, store, registry, messenger, rtr, tracker, alerter)
	if err != nil {
		log.Error("failed to create notifier", "error", err)
		return 1
	}
	rtr.SetScheduler(ntf)

	*hDeps = handlers.HandlerDeps{
		Logger:   log,
		Store:    store,
		Registry: registry,
		Router:   rtr,
		Notifier: ntf,
		Tracker:  tracker,
	}
	if err := telegram.RegisterHandlers(tg, log, handlers.RegisterAllHandlers(*hDeps)); err != nil {
		log.Error("failed to register telegram handlers", "error", err)
		return 1
	}

	if stages := registry.Stages(); len(stages) > 0 {
		if err := store.ReplaceFunnelStages(ctx, stages); err != nil {
			log.Error("failed to sync funnel stages at startup", "error", err)
		}
	}

	tDeps := tasks.TaskDeps{
		Logger:   log,
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Notifier: ntf,
	}
	sched, err := bot.NewScheduler(log, &cfg.Tasks, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("failed to create scheduler", "error", err)
		return 1
	}

	app := bot.NewBot(log, cfg, tg, ntf, sched)

	log.Info("starting bot")
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("bot stopped gracefully")
	time.Sleep(time.Second)
	return 0
}
