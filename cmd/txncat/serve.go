package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"txncat/config"
	"txncat/db"
	qhttp "txncat/http"
	"txncat/monitoring"
	"txncat/pipeline"
	"txncat/serving"
	"txncat/taxonomy"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dashboard feed and model watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	// 1. 存储
	store, err := db.Open(cfg.Database, logger.Named("db"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	// 2. 类别与模型
	tax, err := taxonomy.Load(cfg.Model.TaxonomyPath)
	if err != nil {
		return err
	}
	if cfg.Model.Bootstrap {
		if err := bootstrap(ctx, cfg, tax, store, logger); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Model.Path), 0o755); err != nil {
		return err
	}

	// 3. 监控
	collector := monitoring.NewMetricsCollector()
	metrics := monitoring.NewPredictionMetrics(collector)
	hub := monitoring.NewWebSocketHub(cfg.Server.AllowedOrigins, logger.Named("ws"))
	monitor := monitoring.NewRealtimeMonitor(hub, cfg.Dashboard.Heartbeat, logger.Named("realtime"))
	dashboard := monitoring.NewDashboardManager(cfg.Dashboard.RecentSize, cfg.Dashboard.LowConfidence, monitor, logger.Named("dashboard"))

	// 4. 服务
	registry := serving.NewRegistry(cfg.Model.Path, logger.Named("registry"))
	svc, err := serving.NewService(registry, cfg.Serving, logger.Named("serving"),
		metrics, dashboard, serving.NewHistoryObserver(store))
	if err != nil {
		return err
	}
	if _, err := registry.Load(); err != nil {
		logger.Warn("starting without a model, predictions return 503 until one is written",
			zap.String("path", cfg.Model.Path), zap.Error(err))
	}

	retrainer, err := pipeline.NewRetrainScheduler(cfg.Model.RetrainInterval, func(ctx context.Context) (*pipeline.TrainingReport, error) {
		report, err := trainModel(ctx, cfg, tax, store, logger)
		if err != nil {
			return nil, err
		}
		// 未开启监听时直接加载新产物
		if !cfg.Model.Watch {
			if _, err := registry.Load(); err != nil {
				return nil, err
			}
		}
		return report, nil
	}, logger.Named("retrain"))
	if err != nil {
		return err
	}

	handlers, err := qhttp.NewHandlers(qhttp.Deps{
		Service:   svc,
		Store:     store,
		Taxonomy:  tax,
		Metrics:   metrics,
		Dashboard: dashboard,
		Monitor:   monitor,
		Retrainer: retrainer,
		Logger:    logger.Named("http"),
	})
	if err != nil {
		return err
	}
	server := qhttp.NewServer(qhttp.ServerConfig{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AdminToken:     cfg.Server.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, handlers, logger.Named("http"))

	// 5. 运行直到收到信号
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		collector.Start(gctx, cfg.Dashboard.MetricsInterval)
		return nil
	})
	g.Go(func() error {
		return retrainer.Run(gctx)
	})
	if cfg.Model.Watch {
		watcher := serving.NewWatcher(registry, cfg.Model.WatchDebounce, logger.Named("watcher"))
		watcher.OnReload(metrics.RecordReload)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
