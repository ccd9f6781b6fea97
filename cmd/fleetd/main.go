package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/catalog"
	"github.com/edgemesh/fleetd/internal/clock"
	"github.com/edgemesh/fleetd/internal/config"
	"github.com/edgemesh/fleetd/internal/events"
	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/liveness"
	"github.com/edgemesh/fleetd/internal/logging"
	"github.com/edgemesh/fleetd/internal/metrics"
	"github.com/edgemesh/fleetd/internal/notify"
	"github.com/edgemesh/fleetd/internal/queue"
	"github.com/edgemesh/fleetd/internal/relay"
	"github.com/edgemesh/fleetd/internal/store"
	"github.com/edgemesh/fleetd/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Error("failed to load command catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}
	log.Info("command catalog loaded", "path", cfg.CatalogPath, "commands", len(cat.Entries()))

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	bus := events.New()
	auditLog := audit.New(db, clk)
	identitySvc := identity.NewService(db, auditLog, clk, log.Logger)

	tracker := liveness.NewTracker(db, clk, bus, log.Logger)
	if err := tracker.LoadFromStore(); err != nil {
		log.Error("failed to load heartbeat state", "error", err)
		os.Exit(1)
	}

	cmdQueue := queue.NewManager(db, identitySvc, cat, auditLog, bus, clk, log.Logger)
	if err := cmdQueue.LoadFromStore(); err != nil {
		log.Error("failed to load open commands", "error", err)
		os.Exit(1)
	}

	shellRelay := relay.NewManager(db, auditLog, tracker, bus, clk, log.Logger, cfg.LivenessTimeout, cfg.ShellIdleLimit)

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)
	go notifier.Run(ctx, bus)

	srv := web.NewServer(web.Dependencies{
		Identity:        identitySvc,
		Queue:           cmdQueue,
		Liveness:        tracker,
		Relay:           shellRelay,
		Audit:           auditLog,
		Catalog:         cat,
		EventBus:        bus,
		Log:             log.Logger,
		LivenessTimeout: cfg.LivenessTimeout,
		LongPollMax:     cfg.LongPollMax,
	})

	// Background sweeps.
	sched := cron.New()
	every := func(spec string, job func()) {
		if _, err := sched.AddFunc(spec, job); err != nil {
			log.Error("failed to schedule background job", "spec", spec, "error", err)
			os.Exit(1)
		}
	}
	every("@every "+cfg.ExpireEvery.String(), cmdQueue.Expire)
	every("@every 10s", func() { tracker.SweepOffline(cfg.LivenessTimeout) })
	every("@every 10s", shellRelay.SweepStale)
	every("@every 1m", srv.Limiter().Cleanup)
	every("@every 15s", func() { updateFleetGauges(identitySvc, tracker, cfg) })
	sched.Start()
	defer sched.Stop()

	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control API server error", "error", err)
			cancel()
		}
	}()

	log.Info("fleetd started", "version", version, "addr", cfg.ListenAddr)
	<-ctx.Done()

	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("fleetd shutdown complete")
}

// updateFleetGauges refreshes the registered/online device gauges from
// current identity and heartbeat state.
func updateFleetGauges(svc *identity.Service, tracker *liveness.Tracker, cfg *config.Config) {
	devices, err := svc.ListDevices()
	if err != nil {
		return
	}
	var registered, online float64
	for _, d := range devices {
		if d.Revoked {
			continue
		}
		registered++
		if tracker.Online(d.ID, cfg.LivenessTimeout) {
			online++
		}
	}
	metrics.DevicesRegistered.Set(registered)
	metrics.DevicesOnline.Set(online)
}

// parseHeaders parses "Key: Value; Key2: Value2" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}
