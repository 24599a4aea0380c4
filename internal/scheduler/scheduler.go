// Package scheduler 按批次顺序处理 URL backlog：抓取、解析、入库，失败时有限次重试。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/model"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/metrics"
)

// ErrEmptyMarkup 抓取适配器返回了空内容。
var ErrEmptyMarkup = errors.New("fetch returned empty markup")

// Fetcher 抓取单个 URL 的原始页面。
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Extractor 将页面内容解析为记录。
type Extractor interface {
	Extract(ctx context.Context, markup, url string) (*model.Record, error)
}

// Persister 将记录写入关系库，返回 perfume id。
type Persister interface {
	Upsert(ctx context.Context, rec *model.Record) (uint, error)
}

// StateStore 完成与永久失败状态的持久化。
type StateStore interface {
	IsDone(url string) bool
	MarkDone(url string) error
	IsPermanentlyFailed(url string) bool
	MarkPermanentlyFailed(url, reason string) error
}

// Config 调度参数。
type Config struct {
	BatchSize  int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Failure 本次运行中被记为永久失败的 URL。
type Failure struct {
	URL      string `json:"url"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Scheduler 单 worker 批次调度器。
type Scheduler struct {
	cfg       Config
	fetcher   Fetcher
	extractor Extractor
	persister Persister
	store     StateStore
	retries   *RetryManager
	logger    *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	randMu sync.Mutex
	rand   *rand.Rand

	stats     runStats
	failuresM sync.Mutex
	failures  []Failure
}

type runStats struct {
	StartedAt         atomic.Int64 // unix 秒
	Batches           atomic.Int64
	Attempts          atomic.Int64
	Succeeded         atomic.Int64
	FailedAttempts    atomic.Int64
	Retried           atomic.Int64
	PermanentlyFailed atomic.Int64
	Skipped           atomic.Int64
	Backlog           atomic.Int64
	Running           atomic.Bool
}

// Option 调度器可选项。
type Option func(*Scheduler)

// WithSleeper 替换批次间的休眠函数。
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithRand 指定随机源。
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rand = r }
}

// New 创建调度器。
//
// 参数:
//
//	cfg: 批次大小、休眠区间、最大重试次数
//	fetcher: 抓取适配器
//	extractor: 解析适配器
//	persister: 入库引擎
//	store: 状态存储
//	logger: 日志记录器
//
// 返回值:
//
//	*Scheduler: 调度器实例
func New(cfg Config, fetcher Fetcher, extractor Extractor, persister Persister, store StateStore, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	s := &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		persister: persister,
		store:     store,
		retries:   NewRetryManager(cfg.MaxRetries),
		logger:    logger,
		sleep:     sleepContext,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 处理 urls 直到 backlog 与重试队列都为空，或 ctx 结束。
//
// 已完成或已永久失败的 URL 会被跳过。每个成功的 URL 立即写入状态存储；
// ctx 结束时返回 ctx.Err()，已完成的部分保持持久化。
func (s *Scheduler) Run(ctx context.Context, urls []string) error {
	s.stats.StartedAt.Store(time.Now().Unix())
	s.stats.Running.Store(true)
	defer s.stats.Running.Store(false)

	queue := s.initialQueue(urls)
	s.setBacklog(len(queue))
	s.logger.Info("crawl run started",
		slog.Int("backlog", len(queue)),
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Int("max_retries", s.retries.MaxRetries()))

	batchNo := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return s.stopped(err, len(queue))
		}

		n := min(s.cfg.BatchSize, len(queue))
		batch := append([]string(nil), queue[:n]...)
		queue = queue[n:]
		batchNo++
		s.stats.Batches.Add(1)
		metrics.SchedulerBatchesTotal.Inc()

		s.logger.Info("batch started",
			slog.Int("batch", batchNo),
			slog.Int("size", len(batch)),
			slog.Int("remaining", len(queue)))

		succeeded := 0
		for i, url := range batch {
			res, err := s.handleURL(ctx, batchNo, i+1, len(batch), url)
			if err != nil {
				// ctx 结束：当前 URL 与未处理部分都留在 backlog 中
				return s.stopped(err, len(queue)+len(batch)-i)
			}
			switch res {
			case outcomeDone:
				succeeded++
			case outcomeRetry:
				queue = append(queue, url)
			}
			s.setBacklog(len(queue) + len(batch) - i - 1)
		}

		s.logger.Info("batch finished",
			slog.Int("batch", batchNo),
			slog.Int("succeeded", succeeded),
			slog.Int("remaining", len(queue)))

		if len(queue) == 0 {
			break
		}
		delay := s.nextDelay()
		s.logger.Info("sleeping before next batch", slog.Duration("delay", delay))
		if err := s.sleep(ctx, delay); err != nil {
			return s.stopped(err, len(queue))
		}
	}

	s.setBacklog(0)
	st := s.Stats()
	s.logger.Info("crawl run finished",
		slog.Int64("batches", st.Batches),
		slog.Int64("succeeded", st.Succeeded),
		slog.Int64("permanently_failed", st.PermanentlyFailed),
		slog.Int64("skipped", st.Skipped))
	return nil
}

// initialQueue 去重并排除已完成或已永久失败的 URL，保持原有顺序。
func (s *Scheduler) initialQueue(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	queue := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		if s.store.IsDone(u) || s.store.IsPermanentlyFailed(u) {
			s.stats.Skipped.Add(1)
			metrics.CrawlerRequestsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		queue = append(queue, u)
	}
	return queue
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeSkipped
)

// handleURL 处理单个 URL。只有 ctx 结束时返回 error。
func (s *Scheduler) handleURL(ctx context.Context, batchNo, index, size int, url string) (outcome, error) {
	log := s.logger.With(
		slog.String("url", url),
		slog.Int("batch", batchNo),
		slog.String("position", fmt.Sprintf("%d/%d", index, size)))

	if s.store.IsDone(url) || s.store.IsPermanentlyFailed(url) {
		s.stats.Skipped.Add(1)
		metrics.CrawlerRequestsTotal.WithLabelValues("skipped").Inc()
		return outcomeSkipped, nil
	}

	start := time.Now()
	perfumeID, reason, err := s.process(ctx, url)
	if err == nil {
		err = s.store.MarkDone(url)
		if err != nil {
			reason = ReasonPersistence
			err = fmt.Errorf("mark done: %w", err)
		}
	}
	if err == nil {
		s.stats.Attempts.Add(1)
		s.stats.Succeeded.Add(1)
		metrics.CrawlerRequestsTotal.WithLabelValues("success").Inc()
		log.Info("url processed",
			slog.Uint64("perfume_id", uint64(perfumeID)),
			slog.Duration("elapsed", time.Since(start)))
		return outcomeDone, nil
	}

	// ctx 结束导致的失败不计入重试预算
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcomeFailed, ctxErr
	}

	s.stats.Attempts.Add(1)
	s.stats.FailedAttempts.Add(1)
	metrics.CrawlerRequestsTotal.WithLabelValues("failed").Inc()
	metrics.CrawlerErrorsTotal.WithLabelValues(stageOf(reason)).Inc()

	attempt, retry := s.retries.RecordFailure(url)
	if retry {
		s.stats.Retried.Add(1)
		metrics.SchedulerRetriesTotal.Inc()
		log.Warn("url failed, re-queued",
			slog.String("reason", string(reason)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return outcomeRetry, nil
	}

	s.stats.PermanentlyFailed.Add(1)
	metrics.SchedulerPermanentFailuresTotal.Inc()
	s.failuresM.Lock()
	s.failures = append(s.failures, Failure{URL: url, Reason: string(reason), Attempts: attempt})
	s.failuresM.Unlock()
	log.Error("url permanently failed",
		slog.String("reason", string(reason)),
		slog.Int("attempts", attempt),
		slog.String("error", err.Error()))
	if markErr := s.store.MarkPermanentlyFailed(url, string(reason)); markErr != nil {
		log.Error("record permanent failure failed", slog.String("error", markErr.Error()))
	}
	return outcomeFailed, nil
}

// process 依次执行抓取、解析、入库，失败时返回所属阶段的原因。
func (s *Scheduler) process(ctx context.Context, url string) (uint, Reason, error) {
	var markup string
	err := guard(ReasonFetch, func() error {
		var err error
		markup, err = s.fetcher.Fetch(ctx, url)
		if err == nil && strings.TrimSpace(markup) == "" {
			err = ErrEmptyMarkup
		}
		return err
	})
	if err != nil {
		return 0, ReasonFetch, err
	}

	var rec *model.Record
	err = guard(ReasonExtraction, func() error {
		var err error
		rec, err = s.extractor.Extract(ctx, markup, url)
		if err == nil && rec == nil {
			err = errors.New("extractor returned no record")
		}
		return err
	})
	if err != nil {
		return 0, ReasonExtraction, err
	}
	if rec.URL == "" {
		rec.URL = url
	}

	var id uint
	err = guard(ReasonPersistence, func() error {
		var err error
		id, err = s.persister.Upsert(ctx, rec)
		return err
	})
	if err != nil {
		return 0, ReasonPersistence, err
	}
	return id, "", nil
}

// guard 执行 fn，并把其中的 panic 转换为 error。
func guard(reason Reason, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", reason, r)
		}
	}()
	return fn()
}

func stageOf(reason Reason) string {
	switch reason {
	case ReasonFetch:
		return "fetch"
	case ReasonExtraction:
		return "extract"
	default:
		return "persist"
	}
}

// nextDelay 在 [MinDelay, MaxDelay] 内均匀取值。
func (s *Scheduler) nextDelay() time.Duration {
	span := int64(s.cfg.MaxDelay - s.cfg.MinDelay)
	if span <= 0 {
		return s.cfg.MinDelay
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.cfg.MinDelay + time.Duration(s.rand.Int63n(span+1))
}

func (s *Scheduler) setBacklog(n int) {
	s.stats.Backlog.Store(int64(n))
	metrics.SchedulerBacklog.Set(float64(n))
}

func (s *Scheduler) stopped(err error, remaining int) error {
	s.setBacklog(remaining)
	s.logger.Warn("crawl run stopped",
		slog.Int("remaining", remaining),
		slog.String("error", err.Error()))
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress 调度统计快照，供运维接口和运行报告使用。
type Progress struct {
	Running           bool      `json:"running"`
	StartedAt         time.Time `json:"started_at"`
	Batches           int64     `json:"batches"`
	Attempts          int64     `json:"attempts"`
	Succeeded         int64     `json:"succeeded"`
	FailedAttempts    int64     `json:"failed_attempts"`
	Retried           int64     `json:"retried"`
	PermanentlyFailed int64     `json:"permanently_failed"`
	Skipped           int64     `json:"skipped"`
	Backlog           int64     `json:"backlog"`
}

// Stats 返回当前统计信息，可并发调用。
func (s *Scheduler) Stats() Progress {
	var started time.Time
	if ts := s.stats.StartedAt.Load(); ts > 0 {
		started = time.Unix(ts, 0).UTC()
	}
	return Progress{
		Running:           s.stats.Running.Load(),
		StartedAt:         started,
		Batches:           s.stats.Batches.Load(),
		Attempts:          s.stats.Attempts.Load(),
		Succeeded:         s.stats.Succeeded.Load(),
		FailedAttempts:    s.stats.FailedAttempts.Load(),
		Retried:           s.stats.Retried.Load(),
		PermanentlyFailed: s.stats.PermanentlyFailed.Load(),
		Skipped:           s.stats.Skipped.Load(),
		Backlog:           s.stats.Backlog.Load(),
	}
}

// Failures 返回本次运行的永久失败列表副本。
func (s *Scheduler) Failures() []Failure {
	s.failuresM.Lock()
	defer s.failuresM.Unlock()
	return append([]Failure(nil), s.failures...)
}
