package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

var (
	// ErrEmptyPage 页面加载完成但 HTML 为空。
	ErrEmptyPage = errors.New("empty page")
	// ErrBlocked 页面是反爬挑战或拦截页。
	ErrBlocked = errors.New("blocked_page")
)

// 屏蔽高带宽资源与第三方追踪脚本，详情页解析只依赖 DOM 文本。
var blockedResourceURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3", "*.ogg",
	"*google-analytics*",
	"*googletagmanager*",
	"*googlesyndication*",
	"*doubleclick*",
	"*criteo*",
	"*facebook*",
	"*twitter*",
	"*amazon-adsystem*",
	"*pubmatic*",
	"*sentry*",
}

const (
	loaderSelector  = "#fragranticaloader"
	reviewSelector  = ".fragrance-review-box"
	endOfListPrompt = "No more data"

	htmlReadTimeout = 10 * time.Second
)

// crawlPage 在独立的无痕上下文中加载页面，滚动加载全部评论后返回 HTML。
func (s *Service) crawlPage(ctx context.Context, browser *rod.Browser, rawURL string) (string, error) {
	incognito, err := browser.Context(ctx).Incognito()
	if err != nil {
		return "", fmt.Errorf("create incognito context: %w", err)
	}
	defer func() { _ = incognito.Close() }()

	page, err := s.createPage(ctx, incognito)
	if err != nil {
		return "", err
	}
	defer func() { _ = page.Close() }()

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedResourceURLs}).Call(page); err != nil {
		s.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.userAgent}); err != nil {
		s.logger.Warn("set user agent failed", slog.String("url", rawURL), slog.String("error", err.Error()))
	}

	s.logger.Debug("loading page", slog.String("url", rawURL))
	if err := s.navigate(ctx, page, rawURL); err != nil {
		return "", err
	}

	s.waitReady(ctx, page, rawURL)

	if blockType := s.detectBlock(ctx, page); blockType != "" {
		s.saveDebugScreenshot(rawURL, "blocked_"+blockType, page)
		return "", fmt.Errorf("%w: %s", ErrBlocked, blockType)
	}

	s.acceptConsent(ctx, page)
	scrolls := s.scrollReviews(ctx, page)
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled while scrolling: %w", err)
	}

	html, err := page.Context(ctx).Timeout(htmlReadTimeout).HTML()
	if err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	if strings.TrimSpace(html) == "" {
		return "", ErrEmptyPage
	}
	s.logger.Debug("page rendered",
		slog.String("url", rawURL),
		slog.Int("scrolls", scrolls))
	return html, nil
}

// createPage 创建页面并注入 stealth 脚本，页面创建本身用 select 做超时保护。
func (s *Service) createPage(ctx context.Context, browser *rod.Browser) (*rod.Page, error) {
	type pageResult struct {
		page *rod.Page
		err  error
	}
	resultCh := make(chan pageResult, 1)
	go func() {
		page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		resultCh <- pageResult{page: page, err: err}
	}()

	timer := time.NewTimer(pageCreateTimeout)
	defer timer.Stop()

	var page *rod.Page
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("create page failed: %w", res.err)
		}
		page = res.page
	case <-timer.C:
		go func() {
			// 超时后仍可能创建成功，需要回收
			if res := <-resultCh; res.page != nil {
				_ = res.page.Close()
			}
		}()
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}
	return page, nil
}

// navigate 在 pageTimeout 内完成导航，浏览器卡住时也能按时返回。
func (s *Service) navigate(ctx context.Context, page *rod.Page, rawURL string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.pageTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- page.Context(navCtx).Navigate(rawURL)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		return nil
	case <-navCtx.Done():
		return fmt.Errorf("navigate timeout: %w", navCtx.Err())
	}
}

// waitReady 等待 load 事件、网络空闲以及站点自身 loader 消失。均为尽力而为。
func (s *Service) waitReady(ctx context.Context, page *rod.Page, rawURL string) {
	loadCtx, loadCancel := context.WithTimeout(ctx, loadWaitTimeout)
	defer loadCancel()
	if err := page.Context(loadCtx).WaitLoad(); err != nil {
		s.logger.Warn("WaitLoad failed, continuing anyway",
			slog.String("url", rawURL),
			slog.String("error", err.Error()))
	}

	idleCtx, idleCancel := context.WithTimeout(ctx, requestIdleTimeout)
	defer idleCancel()
	waitIdle := page.Context(idleCtx).WaitRequestIdle(time.Second, nil, nil, nil)
	idleDone := make(chan struct{})
	go func() {
		waitIdle()
		close(idleDone)
	}()
	select {
	case <-idleDone:
	case <-idleCtx.Done():
		s.logger.Debug("WaitRequestIdle timeout, continuing", slog.String("url", rawURL))
	}

	loaderPage := page.Context(ctx).Timeout(loaderWaitTimeout)
	if loader, err := loaderPage.Element(loaderSelector); err == nil {
		if err := loader.WaitInvisible(); err != nil {
			s.logger.Debug("loader did not disappear in time", slog.String("url", rawURL))
		}
	}
}

// acceptConsent 点击 Cookie 同意按钮（如果存在）。
func (s *Service) acceptConsent(ctx context.Context, page *rod.Page) {
	btn, err := page.Context(ctx).Timeout(consentWaitTimeout).ElementR("button", "AGREE")
	if err != nil {
		return
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		s.logger.Debug("consent click failed", slog.String("error", err.Error()))
		return
	}
	s.sleep(ctx, time.Second)
}

// scrollReviews 持续滚动到底部，直到页面高度不再增长、出现 "No more data" 或达到 MaxScrolls。
// 返回实际滚动次数。
func (s *Service) scrollReviews(ctx context.Context, page *rod.Page) int {
	maxScrolls := s.cfg.MaxScrolls
	if maxScrolls <= 0 {
		return 0
	}
	pause := s.cfg.ScrollPause
	if pause <= 0 {
		pause = 2 * time.Second
	}

	lastHeight := s.pageHeight(ctx, page)
	scrolls := 0
	for scrolls < maxScrolls {
		if ctx.Err() != nil {
			break
		}
		probe := page.Context(ctx).Timeout(scrollProbeTimeout)
		if _, err := probe.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			break
		}
		scrolls++
		if !s.sleep(ctx, pause) {
			break
		}

		height := s.pageHeight(ctx, page)
		if height <= lastHeight {
			break
		}
		lastHeight = height

		if s.reachedEndOfList(ctx, page) {
			break
		}
	}

	if n, err := page.Context(ctx).Timeout(scrollProbeTimeout).Elements(reviewSelector); err == nil {
		s.logger.Debug("review list loaded", slog.Int("reviews", len(n)), slog.Int("scrolls", scrolls))
	}
	return scrolls
}

func (s *Service) pageHeight(ctx context.Context, page *rod.Page) int {
	res, err := page.Context(ctx).Timeout(scrollProbeTimeout).Eval(`() => document.body.scrollHeight`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

func (s *Service) reachedEndOfList(ctx context.Context, page *rod.Page) bool {
	el, err := page.Context(ctx).Timeout(scrollProbeTimeout).Sleeper(rod.NotFoundSleeper).
		ElementR(".infinite-status-prompt", endOfListPrompt)
	if err != nil {
		return false
	}
	visible, err := el.Visible()
	return err == nil && visible
}

// sleep 等待 d 或 ctx 结束，返回 false 表示 ctx 已结束。
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
