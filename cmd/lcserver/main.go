package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lc-server/internal/api"
	"github.com/lc-server/internal/common/config"
	"github.com/lc-server/internal/common/db"
	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/common/maintenance"
	"github.com/lc-server/internal/lc/connections"
	"github.com/lc-server/internal/lc/fragments"
	"github.com/lc-server/internal/lc/freshness"
	"github.com/lc-server/internal/lc/realtime"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/lc/timeindex"
	"github.com/lc-server/internal/supervisor"
)

func main() {
	// The .env file is optional; the environment alone is enough.
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log := logger.NewFromConfig(logger.LoggerConfig{
		Level:           logger.ParseLogLevel(cfg.Logging.Level),
		Console:         true,
		File:            true,
		FilePath:        cfg.Logging.FilePath,
		MaxSizeMB:       cfg.Logging.MaxSizeMB,
		MaxBackups:      cfg.Logging.MaxBackups,
		MaxAgeDays:      30,
		Compress:        true,
		TimeFieldFormat: time.RFC3339,
		DiscordURL:      cfg.Logging.DiscordURL,
		Component:       "lcserver",
	})
	if envErr != nil {
		log.Debug("No .env file loaded", "error", envErr)
	}

	agencies := make([]string, 0, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		agencies = append(agencies, d.CompanyName)
	}
	log.Info("Linked Connections server starting",
		"storage", cfg.Storage.Root,
		"agencies", agencies,
		"log_level", cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree := supervisor.NewTree(log, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})

	var recorder timeindex.Recorder
	var registry *db.Registry
	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.ConnectionString(), log)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		defer database.Close()

		registry = db.NewRegistry(database)
		if err := registry.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to prepare partition registry", "error", err)
		}
		recorder = registry
	} else {
		log.Info("Partition registry disabled")
	}

	layout := storage.NewLayout(cfg.Storage.Root)
	index := timeindex.New(layout, log, recorder)

	// The first scan runs before serving so early requests find their data.
	refresher := timeindex.NewRefresher(index, agencies, cfg.Index.RefreshInterval, log)
	refresher.Refresh(ctx)
	tree.AddIndexService(refresher)
	if registry != nil {
		tree.AddIndexService(maintenance.NewCleaner(registry, index, agencies, time.Hour, log))
	}

	resolverAgencies := make([]fragments.Agency, 0, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		agency := fragments.Agency{
			Name:     d.CompanyName,
			RealTime: d.RealTimeData != nil,
		}
		if d.RealTimeData != nil {
			agency.FragmentSpan = d.RealTimeData.FragmentSpan()

			manager := realtime.NewManager(realtime.Config{
				Agency:          d.CompanyName,
				RealTime:        true,
				Feed:            d.Feed.Enabled,
				RebuildInterval: d.Window.RebuildInterval,
				Window:          connections.WindowConfig{Fragments: d.Window.Fragments},
				FeedConfig:      connections.FeedConfig{Capacity: d.Feed.Capacity},
			}, layout, index, log)
			agency.Window = manager.Window()
			agency.Feed = manager.Feed()
			tree.AddRealTimeService(manager)
		}
		resolverAgencies = append(resolverAgencies, agency)
	}

	resolver := fragments.New(layout, index, resolverAgencies, log)
	controller := freshness.New(freshness.Config{
		LiveInterval:   cfg.LiveInterval(),
		StaticInterval: cfg.Cache.StaticInterval,
		ImmutableAfter: cfg.Cache.ImmutableAfter,
	}, time.Now)

	handler := api.NewHandler(api.Config{
		Hostname: cfg.Server.Hostname,
		Protocol: cfg.Server.Protocol,
	}, resolver, index, controller, log)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	log.Info("Listening", "addr", server.Addr)
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Supervisor stopped", "error", err)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn("Services did not stop in time", "services", len(report))
	}

	log.Info("Linked Connections server stopped")
}
