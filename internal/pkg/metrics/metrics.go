package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CrawlerRequestsTotal 按结果统计处理过的 URL（success / failed / skipped）。
	CrawlerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scentsymphony_crawler_requests_total",
		Help: "URLs processed by the crawl scheduler, by outcome.",
	}, []string{"status"})

	// CrawlerErrorsTotal 按失败阶段统计错误（fetch / extract / persist）。
	CrawlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scentsymphony_crawler_errors_total",
		Help: "Failed attempts by pipeline stage.",
	}, []string{"stage"})

	CrawlerFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scentsymphony_crawler_fetch_duration_seconds",
		Help:    "Wall clock time of a single page fetch.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})

	CrawlerBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scentsymphony_crawler_blocked_total",
		Help: "Fetches that landed on a bot challenge or block page.",
	})

	// CrawlerFetchFailuresTotal 抓取失败按类型统计（timeout / blocked / network_error / empty_page / unknown）。
	CrawlerFetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scentsymphony_crawler_fetch_failures_total",
		Help: "Failed fetches by classified cause.",
	}, []string{"type"})

	CrawlerBrowserRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scentsymphony_crawler_browser_restarts_total",
		Help: "Browser instances relaunched after a failed health check.",
	})

	CrawlerBrowserActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scentsymphony_crawler_browser_active",
		Help: "1 while a browser instance is connected.",
	})

	SchedulerBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scentsymphony_scheduler_batches_total",
		Help: "Batches executed by the scheduler.",
	})

	SchedulerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scentsymphony_scheduler_retries_total",
		Help: "URLs re-queued for another round.",
	})

	SchedulerPermanentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scentsymphony_scheduler_permanent_failures_total",
		Help: "URLs that exhausted their retry budget.",
	})

	SchedulerBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scentsymphony_scheduler_backlog",
		Help: "URLs waiting in the current run, retries included.",
	})

	// CatalogChildErrorsTotal 子表写入失败（按表统计），不影响 URL 的完成状态。
	CatalogChildErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scentsymphony_catalog_child_errors_total",
		Help: "Child row groups skipped because of write or coercion errors.",
	}, []string{"table"})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scentsymphony_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a fetch token.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scentsymphony_ratelimit_timeout_total",
		Help: "Token waits abandoned because the context ended.",
	})
)

var initOnce sync.Once

// InitMetrics 预先创建带标签的序列，使其在首次发生前即可被抓取。
func InitMetrics() {
	initOnce.Do(func() {
		for _, status := range []string{"success", "failed", "skipped"} {
			CrawlerRequestsTotal.WithLabelValues(status)
		}
		for _, stage := range []string{"fetch", "extract", "persist"} {
			CrawlerErrorsTotal.WithLabelValues(stage)
		}
	})
}
