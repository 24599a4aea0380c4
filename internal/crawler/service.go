package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/config"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/metrics"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/ratelimit"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// 超时常量
	browserInitTimeout     = 30 * time.Second       // 浏览器初始化超时
	browserHealthInterval  = 30 * time.Second       // 浏览器健康检查间隔
	browserHealthTimeout   = 5 * time.Second        // 健康检查单次超时
	pageCreateTimeout      = 10 * time.Second       // 页面创建超时
	loadWaitTimeout        = 30 * time.Second       // WaitLoad 超时
	requestIdleTimeout     = 15 * time.Second       // 网络空闲等待上限
	loaderWaitTimeout      = 6 * time.Second        // 站点 loader 消失等待
	consentWaitTimeout     = 6 * time.Second        // Cookie 同意按钮等待
	pageTextCheckTimeout   = 2 * time.Second        // 页面文本检查超时
	scrollProbeTimeout     = 2 * time.Second        // 滚动时单次探测超时
	debugScreenshotTimeout = 10 * time.Second       // 截图超时
	jitterMinDelay         = 500 * time.Millisecond // 请求前随机延迟下限
	jitterMaxDelay         = 2 * time.Second        // 请求前随机延迟上限
)

// Service 基于 rod 的页面抓取服务，实现调度器所需的 Fetch Adapter。
//
// 同一时间只有一个调度 worker 调用 Fetch；mu 保护浏览器实例，
// 使健康检查触发的重启与进行中的抓取互斥。
type Service struct {
	browser     *rod.Browser
	limiter     *ratelimit.RateLimiter
	logger      *slog.Logger
	cfg         config.BrowserConfig
	userAgent   string
	pageTimeout time.Duration
	mu          sync.RWMutex

	randMu sync.Mutex
	rand   *rand.Rand

	// 后台任务控制
	bgCancel context.CancelFunc

	stats crawlerStats
}

// crawlerStats 抓取统计信息
type crawlerStats struct {
	TotalFetched    atomic.Int64
	TotalSucceeded  atomic.Int64
	TotalFailed     atomic.Int64
	TotalBlocked    atomic.Int64
	BrowserRestarts atomic.Int64
}

// NewService 启动浏览器实例并创建服务。
//
// 参数:
//
//	ctx: 上下文，仅约束浏览器启动
//	cfg: 配置对象，使用其中的 browser 段
//	logger: 日志记录器
//	limiter: 全局令牌桶，可为 nil
//
// 返回值:
//
//	*Service: 初始化完成的服务实例
//	error: 如果浏览器启动失败则返回错误
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger, limiter *ratelimit.RateLimiter) (*Service, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	browser, err := startBrowser(initCtx, cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	metrics.CrawlerBrowserActive.Set(1)

	svc := newService(cfg.Browser, logger, limiter)
	svc.browser = browser

	// 后台任务使用独立 context，由 Shutdown 控制生命周期
	bgCtx, bgCancel := context.WithCancel(context.Background())
	svc.bgCancel = bgCancel
	go svc.startBrowserHealthCheck(bgCtx)

	logger.Info("crawler service initialized",
		slog.Bool("headless", cfg.Browser.Headless),
		slog.Duration("page_timeout", svc.pageTimeout),
		slog.Int("max_scrolls", cfg.Browser.MaxScrolls))
	return svc, nil
}

// newService 构造不带浏览器的服务骨架。
func newService(cfg config.BrowserConfig, logger *slog.Logger, limiter *ratelimit.RateLimiter) *Service {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	pageTimeout := cfg.PageTimeout
	if pageTimeout <= 0 {
		pageTimeout = 60 * time.Second
	}
	return &Service{
		limiter:     limiter,
		logger:      logger,
		cfg:         cfg,
		userAgent:   ua,
		pageTimeout: pageTimeout,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func startBrowser(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 针对容器环境的 Flag 优化
	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-notifications", "true").
		Set("disable-background-networking", "true").
		Set("disable-popup-blocking", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", cfg.ProxyURL)
		}
		proxyServer := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
		l = l.Proxy(proxyServer)
		logger.Info("using http proxy", slog.String("server", proxyServer))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// 启动用的 ctx 会被取消，后续操作不能继承它
	browser = browser.Context(context.Background())
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	logger.Info("browser started", slog.String("bin", bin))
	return browser, nil
}

// startBrowserHealthCheck 定期检查浏览器健康状态，如果无响应则重启浏览器实例。
func (s *Service) startBrowserHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(browserHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checkBrowserHealth(ctx) {
				continue
			}
			s.logger.Warn("browser health check failed, restarting browser instance")
			if err := s.Restart(ctx); err != nil {
				s.logger.Error("failed to restart browser instance", slog.String("error", err.Error()))
			}
		}
	}
}

// checkBrowserHealth 打开 about:blank 并执行一段脚本，返回 true 表示浏览器可用。
func (s *Service) checkBrowserHealth(ctx context.Context) bool {
	s.mu.RLock()
	browser := s.browser
	s.mu.RUnlock()
	if browser == nil {
		return false
	}

	healthCtx, cancel := context.WithTimeout(ctx, browserHealthTimeout)
	defer cancel()

	page, err := browser.Context(healthCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer func() { _ = page.Close() }()

	_, err = page.Eval("() => document.title")
	return err == nil
}

// Restart 关闭当前浏览器并启动新实例。进行中的 Fetch 会先完成。
func (s *Service) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.Warn("close old browser failed", slog.String("error", err.Error()))
		}
		s.browser = nil
		metrics.CrawlerBrowserActive.Set(0)
	}

	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()
	browser, err := startBrowser(initCtx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("start new browser: %w", err)
	}
	s.browser = browser
	s.stats.BrowserRestarts.Add(1)
	metrics.CrawlerBrowserActive.Set(1)
	metrics.CrawlerBrowserRestartsTotal.Inc()
	s.logger.Info("browser instance restarted")
	return nil
}

// Fetch 抓取单个详情页并返回渲染后的 HTML。
//
// 顺序: 令牌桶 -> 随机延迟 -> 无痕页面抓取。任何失败（包括空页面和拦截页）都以 error 返回，
// 由调度器计为一次失败尝试。
func (s *Service) Fetch(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	s.stats.TotalFetched.Add(1)

	html, err := s.fetch(ctx, rawURL)
	metrics.CrawlerFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.stats.TotalFailed.Add(1)
		kind := classifyCrawlerError(err)
		metrics.CrawlerFetchFailuresTotal.WithLabelValues(kind).Inc()
		if kind == "blocked" {
			s.stats.TotalBlocked.Add(1)
			metrics.CrawlerBlockedTotal.Inc()
		}
		s.logger.Warn("fetch failed",
			slog.String("url", rawURL),
			slog.String("type", kind),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return "", err
	}

	s.stats.TotalSucceeded.Add(1)
	s.logger.Info("page fetched",
		slog.String("url", rawURL),
		slog.Int("bytes", len(html)),
		slog.Duration("elapsed", time.Since(start)))
	return html, nil
}

func (s *Service) fetch(ctx context.Context, rawURL string) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", fmt.Errorf("wait for rate limit: %w", err)
	}

	jitter := s.jitter()
	s.logger.Debug("applying request jitter", slog.String("url", rawURL), slog.Duration("jitter", jitter))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled during jitter: %w", ctx.Err())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.browser == nil {
		return "", errors.New("browser not initialized")
	}
	return s.crawlPage(ctx, s.browser, rawURL)
}

// jitter 返回 [jitterMinDelay, jitterMaxDelay) 内的随机时长。
func (s *Service) jitter() time.Duration {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return jitterMinDelay + time.Duration(s.rand.Int63n(int64(jitterMaxDelay-jitterMinDelay)))
}

// Shutdown 停止后台健康检查并关闭浏览器。
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down crawler service...")

	if s.bgCancel != nil {
		s.bgCancel()
	}

	s.mu.Lock()
	browser := s.browser
	s.browser = nil
	s.mu.Unlock()

	var closeErr error
	if browser != nil {
		done := make(chan error, 1)
		go func() { done <- browser.Close() }()
		select {
		case closeErr = <-done:
		case <-ctx.Done():
			closeErr = ctx.Err()
		}
		metrics.CrawlerBrowserActive.Set(0)
		if closeErr != nil {
			s.logger.Error("close browser failed", slog.String("error", closeErr.Error()))
		}
	}

	s.logger.Info("crawler service shutdown completed",
		slog.Int64("total_fetched", s.stats.TotalFetched.Load()),
		slog.Int64("total_succeeded", s.stats.TotalSucceeded.Load()),
		slog.Int64("total_failed", s.stats.TotalFailed.Load()))
	return closeErr
}

// CrawlerStats 抓取统计信息快照
type CrawlerStats struct {
	TotalFetched    int64 `json:"total_fetched"`
	TotalSucceeded  int64 `json:"total_succeeded"`
	TotalFailed     int64 `json:"total_failed"`
	TotalBlocked    int64 `json:"total_blocked"`
	BrowserRestarts int64 `json:"browser_restarts"`
}

// Stats 获取抓取服务的统计信息。
func (s *Service) Stats() CrawlerStats {
	return CrawlerStats{
		TotalFetched:    s.stats.TotalFetched.Load(),
		TotalSucceeded:  s.stats.TotalSucceeded.Load(),
		TotalFailed:     s.stats.TotalFailed.Load(),
		TotalBlocked:    s.stats.TotalBlocked.Load(),
		BrowserRestarts: s.stats.BrowserRestarts.Load(),
	}
}
