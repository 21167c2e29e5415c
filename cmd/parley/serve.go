package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/alert"
	"github.com/zulandar/parley/internal/api"
	"github.com/zulandar/parley/internal/assistant"
	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/knowledge"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/payment"
	"github.com/zulandar/parley/internal/realtime"
	"github.com/zulandar/parley/internal/router"
	"github.com/zulandar/parley/internal/session"
	"github.com/zulandar/parley/internal/session/whatsapp"
	"github.com/zulandar/parley/internal/storage"
	"github.com/zulandar/parley/internal/webhook"
	"gorm.io/gorm"
)

const webhookTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, WhatsApp sessions and job workers",
		Long:  "Starts the REST API, restores linked WhatsApp sessions and runs the durable job workers until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database ready (%s)\n", cfg.Database.Driver)

	store, err := storage.New(cfg.Storage.MediaDir)
	if err != nil {
		return err
	}
	ret, err := newRetrieval(cfg)
	if err != nil {
		return err
	}
	defer ret.close()

	engineOpts := assistant.Opts{
		DB:           gdb,
		Provider:     llm.NewRateLimitedProvider(llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.DefaultModel), cfg.LLM.RateLimit),
		Embedder:     ret.embedder,
		Index:        ret.index,
		DefaultModel: cfg.LLM.DefaultModel,
	}
	if cfg.Transcription.Enabled {
		engineOpts.Transcriber = llm.NewOpenAIProvider(cfg.Transcription.APIKey, cfg.Transcription.BaseURL, cfg.LLM.DefaultModel)
	}
	engine, err := assistant.NewEngine(engineOpts)
	if err != nil {
		return err
	}

	queue := jobs.NewQueue(gdb, cfg.Jobs.MaxAttempts)
	hub := realtime.NewHub(0)
	notifier := notify.NewFanout(hub, webhook.NewDispatcher(gdb, queue), alert.NewNotifier(queue))

	manager, err := session.NewManager(session.Opts{
		Dialer:   &whatsapp.Dialer{LogLevel: cfg.WhatsApp.LogLevel},
		Store:    session.NewGormStore(gdb),
		Notifier: notifier,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	routerOpts := router.Opts{
		DB:                gdb,
		Transport:         manager,
		Assistant:         engine,
		Notifier:          notifier,
		Spooler:           store,
		Queue:             queue,
		AlternateIdentity: router.AlternateIdentityServers(cfg.WhatsApp.AlternateIdentityServers),
	}
	var payments *payment.Cashfree
	if cfg.Payments.BaseURL != "" {
		payments, err = payment.NewCashfree(payment.CashfreeOpts{
			BaseURL:    cfg.Payments.BaseURL,
			ClientID:   cfg.Payments.ClientID,
			SecretKey:  cfg.Payments.SecretKey,
			APIVersion: cfg.Payments.APIVersion,
			Currency:   cfg.Payments.Currency,
			LinkPrefix: cfg.Payments.LinkPrefix,
			Expiry:     cfg.Payments.Expiry,
		})
		if err != nil {
			return err
		}
		routerOpts.Linker = payments
	}
	rt, err := router.New(routerOpts)
	if err != nil {
		return err
	}
	manager.SetHandler(rt)

	pool, indexer, broadcaster, err := newWorkers(cfg, gdb, queue, store, ret, manager)
	if err != nil {
		return err
	}

	cron, err := jobs.NewMaintenance(gdb, queue, cfg.Jobs.StaleAfter).Start(ctx, cfg.Jobs.MaintenanceSchedule)
	if err != nil {
		return err
	}
	defer cron.Stop()

	apiOpts := api.Opts{
		DB:             gdb,
		Sessions:       manager,
		Conversations:  rt,
		Knowledge:      indexer,
		Queue:          queue,
		Broadcasts:     broadcaster,
		Files:          store,
		Hub:            hub,
		Token:          cfg.HTTP.APIToken,
		CredentialsDir: cfg.WhatsApp.CredentialsDir,
	}
	if payments != nil {
		apiOpts.Payments = payments
	}
	srv, err := api.New(apiOpts)
	if err != nil {
		return err
	}
	if cfg.HTTP.APIToken == "" {
		fmt.Fprintln(out, "Warning: http.api_token is empty; the API is unauthenticated")
	}

	if cfg.AutoRestoreEnabled() {
		n, err := manager.RestoreAll(ctx)
		if err != nil {
			fmt.Fprintf(out, "Restore sessions: %v\n", err)
		} else {
			fmt.Fprintf(out, "Restoring %d session(s)\n", n)
		}
	}

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	err = srv.Start(ctx, fmt.Sprintf(":%d", cfg.HTTP.Port), out)
	stop()
	if perr := <-poolDone; perr != nil {
		fmt.Fprintf(out, "Workers: %v\n", perr)
	}
	fmt.Fprintln(out, "Shutting down")
	return err
}

// newWorkers registers a handler for every durable queue.
func newWorkers(cfg *config.Config, gdb *gorm.DB, queue *jobs.Queue, store *storage.Store, ret *retrieval, manager *session.Manager) (*jobs.Pool, *knowledge.Indexer, *broadcast.Broadcaster, error) {
	indexer, err := newIndexer(gdb, store, ret)
	if err != nil {
		return nil, nil, nil, err
	}
	broadcaster, err := broadcast.New(broadcast.Opts{
		DB:     gdb,
		Sender: manager,
		Queue:  queue,
		Delay:  cfg.Jobs.BroadcastDelay,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	media, err := storage.NewMediaHandler(gdb, store)
	if err != nil {
		return nil, nil, nil, err
	}
	posters, err := alertPosters(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	alerts, err := alert.NewHandler(gdb, posters...)
	if err != nil {
		return nil, nil, nil, err
	}

	pool := jobs.NewPool(queue, cfg.Jobs.PollInterval)
	pool.Register(jobs.QueueEmbed, cfg.Jobs.EmbedConcurrency, false, indexer)
	pool.Register(jobs.QueueBroadcast, 1, true, broadcaster)
	pool.Register(jobs.QueueWebhook, cfg.Jobs.WebhookConcurrency, false, webhook.NewDeliverer(gdb, &http.Client{Timeout: webhookTimeout}))
	pool.Register(jobs.QueueMedia, cfg.Jobs.MediaConcurrency, false, media)
	pool.Register(jobs.QueueAlert, 1, false, alerts)
	return pool, indexer, broadcaster, nil
}

// alertPosters returns a poster for every configured team chat.
func alertPosters(cfg *config.Config) ([]alert.Poster, error) {
	var posters []alert.Poster
	if cfg.Alerts.Slack.BotToken != "" {
		s, err := alert.NewSlack(alert.SlackOpts{BotToken: cfg.Alerts.Slack.BotToken, ChannelID: cfg.Alerts.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		posters = append(posters, s)
	}
	if cfg.Alerts.Discord.BotToken != "" {
		d, err := alert.NewDiscord(alert.DiscordOpts{BotToken: cfg.Alerts.Discord.BotToken, ChannelID: cfg.Alerts.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		posters = append(posters, d)
	}
	return posters, nil
}
