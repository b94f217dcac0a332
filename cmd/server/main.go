// Command server boots the workflow engine as a long-running process:
// config -> logger -> stores -> manager -> triggers -> websocket observer,
// with graceful shutdown on SIGINT/SIGTERM. Grounded on the teacher's
// cmd/server/main.go wiring order, generalized from its single BunStore +
// REST server pair onto this spec's manager/trigger/websocket stack.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riftlabs/flowengine/internal/config"
	"github.com/riftlabs/flowengine/internal/domain"
	"github.com/riftlabs/flowengine/internal/engine"
	"github.com/riftlabs/flowengine/internal/infrastructure/logger"
	"github.com/riftlabs/flowengine/internal/infrastructure/websocket"
	"github.com/riftlabs/flowengine/internal/manager"
	"github.com/riftlabs/flowengine/internal/store"
	"github.com/riftlabs/flowengine/internal/trigger"
)

func main() {
	port := flag.String("port", "", "server port (overrides config)")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	log := logger.Setup(cfg.LogLevel)
	log.Info().Str("port", cfg.Port).Str("storage", storageKind(cfg.StorageDSN)).Msg("starting flowengine server")

	runStore, checkpointStore := openStores(cfg)
	dlq := openDLQ(cfg)

	mgrCfg := manager.Config{
		MaxConcurrency:     cfg.MaxConcurrency,
		MaxWaveConcurrency: cfg.MaxWaveConcurrency,
		PollInterval:       cfg.PollInterval,
		CheckpointEvery:    cfg.CheckpointEvery,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		SweepInterval:      cfg.SweepInterval,
		DLQRetention:       cfg.DLQRetention,
	}
	mgr := manager.New(mgrCfg, manager.Deps{
		Runs:        runStore,
		Checkpoints: checkpointStore,
		DLQ:         dlq,
		Logger:      log,
	})

	hub := websocket.NewHub(wsLogger())
	hub.SetRunCanceller(mgr)
	hub.SetApprovalResolver(mgr.Approvals())
	go hub.Run()
	mgr.OnRunStateChange(func(run domain.RunRecord) {
		hub.Broadcast("", run.WorkflowName, run.ID, &websocket.WSEvent{
			Type:       statusEventType(run.Status),
			Timestamp:  time.Now(),
			WorkflowID: run.WorkflowName,
			RunID:      run.ID,
		})
	})

	cron := trigger.NewCronScheduler(func(ctx context.Context, payload map[string]any) (string, error) {
		return fireFromPayload(ctx, mgr, payload)
	})
	cron.Start()

	var webhookAuth trigger.WebhookAuthenticator = trigger.NoAuth{}
	if cfg.WebhookJWTSecret != "" {
		webhookAuth = trigger.NewBearerJWTAuth(cfg.WebhookJWTSecret)
	}
	_ = webhookAuth
	webhooks := trigger.NewWebhookDispatcher(func(ctx context.Context, payload map[string]any) (string, error) {
		return fireFromPayload(ctx, mgr, payload)
	})

	events := trigger.NewEventBus(func(cfg trigger.EventConfig, evt trigger.Event) {
		_, _ = mgr.Schedule(context.Background(), cfg.WorkflowID, evt.Payload)
	})
	_ = events

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/webhooks/", webhooks.Handler())
	mux.Handle("/ws", websocket.NewHandler(hub, websocket.NewNoAuth(), wsLogger()))

	sweepStop := startSweepers(ctx, webhooks, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	close(sweepStop)
	cron.Stop()
	mgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("exited gracefully")
}

// fireFromPayload enqueues a run for the workflow named by the "__workflow"
// payload key, the convention the cron and webhook triggers use to address
// which registered workflow they fire. The event bus schedules its
// EventConfig.WorkflowID directly instead.
func fireFromPayload(ctx context.Context, mgr *manager.Manager, payload map[string]any) (string, error) {
	name, _ := payload["__workflow"].(string)
	if name == "" {
		return "", domain.NewDomainError(domain.ErrCodeInvalidInput, "trigger payload missing __workflow", nil)
	}
	return mgr.Schedule(ctx, name, payload)
}

func statusEventType(status domain.RunStatus) string {
	switch status {
	case domain.RunCompleted:
		return websocket.EventRunCompleted
	case domain.RunFailed, domain.RunCancelled:
		return websocket.EventRunFailed
	default:
		return websocket.EventRunStarted
	}
}

func storageKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}

func openStores(cfg *config.Config) (store.RunStore, engine.CheckpointStore) {
	if cfg.StorageDSN == "" {
		return store.NewMemoryRunStore(), store.NewMemoryCheckpointStore()
	}
	bunRunStore := store.NewBunRunStore(cfg.StorageDSN)
	if err := bunRunStore.InitSchema(context.Background()); err != nil {
		panic(err)
	}
	return bunRunStore, store.NewMemoryCheckpointStore()
}

func openDLQ(cfg *config.Config) engine.DLQStore {
	if cfg.DLQDir == "" {
		return engine.NewMemoryDLQ()
	}
	dlq, err := engine.NewFileDLQ(cfg.DLQDir)
	if err != nil {
		panic(err)
	}
	return dlq
}

func wsLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func startSweepers(ctx context.Context, webhooks *trigger.WebhookDispatcher, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				webhooks.SweepDedup()
			}
		}
	}()
	return stop
}
