package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/osokin/sitebrief/internal/admission"
	"github.com/osokin/sitebrief/internal/ai"
	"github.com/osokin/sitebrief/internal/app"
	"github.com/osokin/sitebrief/internal/cache"
	"github.com/osokin/sitebrief/internal/config"
	"github.com/osokin/sitebrief/internal/crawler"
	"github.com/osokin/sitebrief/internal/logging"
	"github.com/osokin/sitebrief/internal/metrics"
	"github.com/osokin/sitebrief/internal/progress"
	"github.com/osokin/sitebrief/internal/progress/sinks"
	"github.com/osokin/sitebrief/internal/session"
	"github.com/osokin/sitebrief/internal/store/postgres"
	"github.com/osokin/sitebrief/internal/store/sqlite"
)

// dataStore is the combined persistence surface both backends provide.
type dataStore interface {
	cache.Store
	session.Store
}

// runtime holds everything a command needs after bootstrap.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	store  dataStore
	svc    *app.Service
}

func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close failed", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

func buildRuntime(ctx context.Context, withPromSink bool) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	var store dataStore
	switch cfg.DB.Driver {
	case "postgres":
		store, err = postgres.New(ctx, cfg.DB.DSN)
	default:
		store, err = sqlite.New(cfg.DB.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	limiter := admission.New(admission.Config{
		Windows: map[admission.Bucket]admission.Window{
			admission.BucketGeneral: window(cfg.Admission.General),
			admission.BucketURL:     window(cfg.Admission.URL),
			admission.BucketAI:      window(cfg.Admission.AI),
		},
		BanDuration: time.Duration(cfg.Admission.BanSeconds) * time.Second,
	})

	sessions := session.NewManager(store, session.Policy{
		IdleTimeout: time.Duration(cfg.Session.TimeoutMinutes) * time.Minute,
		MaxRequests: cfg.Session.MaxRequests,
		KeepClosed:  cfg.Session.KeepClosed,
	}, logger.Named("session"))

	engine := crawler.NewEngine(crawler.Options{
		UserAgent:            cfg.Crawler.UserAgent,
		FetchTimeout:         cfg.FetchTimeout(),
		Delay:                cfg.FetchDelay(),
		LowLinkRatio:         cfg.Crawler.LowLinkRatio,
		DiscoveryThreshold:   cfg.Crawler.DiscoveryThreshold,
		LowStreakLimit:       cfg.Crawler.LowStreakLimit,
		MinPagesForEarlyStop: cfg.Crawler.MinPagesForEarlyStop,
		ProgressInterval:     cfg.ProgressInterval(),
	}, logger.Named("crawler"))

	aiClient := ai.New(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model,
		time.Duration(cfg.AI.TimeoutSeconds)*time.Second, logger.Named("ai"))

	var sink progress.Sink = sinks.NewLogSink(logger.Named("progress"))
	if withPromSink {
		promSink, err := sinks.NewPrometheusSink(nil)
		if err != nil {
			return nil, fmt.Errorf("init progress metrics: %w", err)
		}
		sink = sinks.NewMultiSink(logger.Named("progress"), sink, promSink)
	}

	svc := app.New(limiter, store, sessions, engine, aiClient, sink,
		app.Limits{
			DefaultMaxPages: cfg.Crawler.DefaultMaxPages,
			MaxPagesCeiling: cfg.Crawler.MaxPagesCeiling,
		}, logger.Named("app"))

	return &runtime{cfg: cfg, logger: logger, store: store, svc: svc}, nil
}

func window(b config.BucketConfig) admission.Window {
	return admission.Window{
		Period:   time.Duration(b.WindowSeconds) * time.Second,
		MaxCount: b.MaxCount,
	}
}
