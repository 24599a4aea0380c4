package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/api"
	"github.com/AliAkbar852/ScentSymphony/internal/catalog"
	"github.com/AliAkbar852/ScentSymphony/internal/config"
	"github.com/AliAkbar852/ScentSymphony/internal/crawler"
	"github.com/AliAkbar852/ScentSymphony/internal/extract"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/logger"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/metrics"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/notify"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/ratelimit"
	"github.com/AliAkbar852/ScentSymphony/internal/scheduler"
	"github.com/AliAkbar852/ScentSymphony/internal/state"
)

const (
	shutdownTimeout = 30 * time.Second
	reportTimeout   = 30 * time.Second
)

// main 是爬虫的入口函数。
//
// 它负责：
// 1. 加载配置与日志
// 2. 连接数据库并迁移表结构
// 3. 清理状态文件并读取待抓取 URL
// 4. 启动浏览器、限流器与运维服务
// 5. 运行批量调度，结束后发送运行报告
// 6. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	metrics.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("crawler exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	db, err := catalog.Open(cfg.Database, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := catalog.Migrate(ctx, db); err != nil {
		return err
	}

	store, err := state.Open(cfg.Crawl.StateFile, cfg.Crawl.FailureLog, appLogger)
	if err != nil {
		return err
	}
	revoked, err := store.Clean()
	if err != nil {
		return err
	}
	if revoked > 0 {
		appLogger.Info("failed urls revoked for another attempt", slog.Int("count", revoked))
	}

	raw, err := state.ReadBacklog(cfg.Crawl.URLsCSV)
	if err != nil {
		return err
	}
	urls := crawler.ResolveAll(cfg.Crawl.BaseURL, raw)
	appLogger.Info("backlog loaded",
		slog.Int("total", len(urls)),
		slog.Int("pending", len(store.Pending(urls))))

	limiter, rdb, err := ratelimit.NewFromConfig(ctx, cfg.Redis, appLogger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	fetcher, err := crawler.NewService(ctx, cfg, appLogger, limiter)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := fetcher.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("crawler shutdown failed", slog.String("error", err.Error()))
		}
	}()

	resolver := catalog.NewResolver(db, appLogger)
	engine := catalog.NewEngine(db, resolver, appLogger, catalog.WithLinkReplace(cfg.App.ReplaceLinks))

	sched := scheduler.New(scheduler.Config{
		BatchSize:  cfg.Crawl.BatchSize,
		MinDelay:   cfg.Crawl.MinDelay,
		MaxDelay:   cfg.Crawl.MaxDelay,
		MaxRetries: cfg.Crawl.MaxRetries,
	}, fetcher, extract.New(appLogger), engine, store, appLogger)

	if cfg.App.HTTPAddr != "" {
		opsServer := api.NewServer(cfg.App.HTTPAddr, appLogger, db, sched,
			api.WithRedis(rdb), api.WithFetchStats(fetcher))
		opsServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := opsServer.Shutdown(shutdownCtx); err != nil {
				appLogger.Error("ops server shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	runErr := sched.Run(ctx, urls)
	interrupted := errors.Is(runErr, context.Canceled)
	if runErr != nil && !interrupted {
		return runErr
	}
	if interrupted {
		appLogger.Info("crawl interrupted, progress kept in state file")
	}

	// 运行上下文可能已取消，报告使用独立超时
	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	var notifier notify.Notifier = notify.NewEmailNotifier(cfg.Email, appLogger)
	if err := notifier.SendRunReport(reportCtx, buildReport(sched, interrupted)); err != nil {
		appLogger.Error("send run report failed", slog.String("error", err.Error()))
	}

	appLogger.Info("crawler stopped gracefully")
	return nil
}

func buildReport(sched *scheduler.Scheduler, interrupted bool) *notify.RunReport {
	stats := sched.Stats()
	report := &notify.RunReport{
		StartedAt:         stats.StartedAt,
		FinishedAt:        time.Now().UTC(),
		Batches:           stats.Batches,
		Succeeded:         stats.Succeeded,
		FailedAttempts:    stats.FailedAttempts,
		Retried:           stats.Retried,
		PermanentlyFailed: stats.PermanentlyFailed,
		Skipped:           stats.Skipped,
		Backlog:           stats.Backlog,
		Interrupted:       interrupted,
	}
	for _, f := range sched.Failures() {
		report.Failures = append(report.Failures, notify.FailedURL{
			URL:      f.URL,
			Reason:   f.Reason,
			Attempts: f.Attempts,
		})
	}
	return report
}
