package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// 页面检测关键词
var (
	blockedTitleHints = []string{
		"just a moment",
		"attention required",
		"access denied",
		"403 forbidden",
		"429 too many requests",
		"blocked",
	}
	blockedHints = []string{
		"cloudflare",
		"attention required",
		"verify you are human",
		"access denied",
		"just a moment",
		"checking your browser",
		"challenge-platform",
		"cf-browser-verification",
		"recaptcha",
		"hcaptcha",
		"captcha",
		"403 forbidden",
		"429 too many requests",
		"too many requests",
		"err_connection",
		"err_proxy",
		"proxy error",
	}
)

// minBodyTextLen 正常详情页正文远长于此，过短视为空白页或加载失败。
const minBodyTextLen = 50

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// detectBlock 综合 DOM、标题与正文判断当前页面是否为拦截页，返回拦截类型，正常页面返回空串。
func (s *Service) detectBlock(ctx context.Context, page *rod.Page) string {
	if blockType := detectBlockTypeFromPage(ctx, page); blockType != "" {
		return blockType
	}

	diagCtx, cancel := context.WithTimeout(ctx, pageTextCheckTimeout)
	defer cancel()
	title := ""
	if info, err := page.Context(diagCtx).Info(); err == nil {
		title = info.Title
	}
	text := getPageBodyText(ctx, page)
	if !isBlockedText(title, text) {
		return ""
	}
	blockType := detectBlockType(title, text)
	s.logger.Warn("detected blocked page",
		slog.String("title", title),
		slog.String("block_type", blockType),
		slog.Int("content_length", len(text)))
	return blockType
}

// getPageBodyText 获取页面 body 文本（带超时保护）
func getPageBodyText(ctx context.Context, page *rod.Page) string {
	body, err := page.Context(ctx).Timeout(pageTextCheckTimeout).Element("body")
	if err != nil {
		return ""
	}
	text, err := body.Text()
	if err != nil {
		return ""
	}
	return text
}

// isBlockedText 根据标题与正文判断是否为拦截页或空白页。
func isBlockedText(title, body string) bool {
	lowerTitle := strings.ToLower(strings.TrimSpace(title))
	if containsAny(lowerTitle, blockedTitleHints) {
		return true
	}
	if len(strings.TrimSpace(body)) < minBodyTextLen {
		return true
	}
	// 详情页正文很长，只在开头部分查找拦截提示，避免评论内容误判
	head := strings.ToLower(body)
	if len(head) > 2000 {
		head = head[:2000]
	}
	return containsAny(head, blockedHints)
}

// detectBlockType 检测页面被拦截的类型
func detectBlockType(title, html string) string {
	lowerTitle := strings.ToLower(title)
	lowerHTML := strings.ToLower(html)

	// Cloudflare 拦截
	if strings.Contains(lowerTitle, "just a moment") ||
		strings.Contains(lowerHTML, "cloudflare") ||
		strings.Contains(lowerHTML, "cf-browser-verification") ||
		strings.Contains(lowerHTML, "challenge-platform") ||
		strings.Contains(lowerHTML, "checking your browser") ||
		strings.Contains(lowerHTML, "turnstile") {
		return "cloudflare_challenge"
	}

	// 人机验证
	if strings.Contains(lowerHTML, "captcha") ||
		strings.Contains(lowerHTML, "verify you are human") {
		return "captcha"
	}

	// 403 Forbidden（IP 被封）
	if strings.Contains(lowerTitle, "403") ||
		strings.Contains(lowerTitle, "forbidden") ||
		strings.Contains(lowerHTML, "access denied") {
		return "403_forbidden"
	}

	// 429 Too Many Requests（速率限制）
	if strings.Contains(lowerTitle, "429") ||
		strings.Contains(lowerHTML, "too many requests") ||
		strings.Contains(lowerHTML, "rate limit") {
		return "429_rate_limited"
	}

	// 连接错误
	if strings.Contains(lowerHTML, "err_connection") ||
		strings.Contains(lowerHTML, "err_proxy") ||
		strings.Contains(lowerHTML, "proxy error") {
		return "connection_error"
	}

	// 完全空白页
	if strings.TrimSpace(title) == "" || title == "about:blank" {
		if len(strings.TrimSpace(html)) < minBodyTextLen {
			return "blank_page"
		}
		return "empty_title"
	}

	return "unknown"
}

// detectBlockTypeFromPage 从页面 DOM 检测拦截类型（挑战 iframe、表单等），未命中返回空串。
func detectBlockTypeFromPage(ctx context.Context, page *rod.Page) string {
	detectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	// 不等待元素出现，只检查当前 DOM
	p := page.Context(detectCtx).Sleeper(rod.NotFoundSleeper)

	checks := []struct {
		selector  string
		blockType string
	}{
		{`iframe[src*="challenges.cloudflare.com"]`, "cloudflare_challenge"},
		{`#challenge-form, #challenge-running, #challenge-stage`, "cloudflare_challenge"},
		{`.cf-turnstile`, "cloudflare_challenge"},
		{`.g-recaptcha, .h-captcha, iframe[src*="captcha"]`, "captcha"},
	}
	for _, c := range checks {
		if has, _, err := p.Has(c.selector); err == nil && has {
			return c.blockType
		}
	}
	return ""
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// saveDebugScreenshot 保存调试截图，返回截图路径。
// 仅在配置了 browser.debug_screenshot_dir 时生效。
func (s *Service) saveDebugScreenshot(rawURL, phase string, page *rod.Page) string {
	dir := s.cfg.DebugScreenshotDir
	if dir == "" || page == nil {
		return ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create screenshot directory",
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return ""
	}

	slug := strings.Trim(unsafeFileChars.ReplaceAllString(filepath.Base(rawURL), "_"), "_")
	if len(slug) > 80 {
		slug = slug[:80]
	}
	name := fmt.Sprintf("%s_%s_%s.png", slug, phase, time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	// 使用独立的 context，任务 context 结束后仍可截图
	shotCtx, cancel := context.WithTimeout(context.Background(), debugScreenshotTimeout)
	defer cancel()

	data, err := page.Context(shotCtx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		s.logger.Warn("failed to save screenshot",
			slog.String("url", rawURL),
			slog.String("error", err.Error()))
		return ""
	}
	s.logger.Info("debug screenshot saved",
		slog.String("url", rawURL),
		slog.String("path", path))
	return path
}

// ============================================================================
// 错误分类
// ============================================================================

// crawlErrorType 抓取错误类型
type crawlErrorType int

const (
	errTypeUnknown crawlErrorType = iota
	errTypeTimeout
	errTypeBlocked // 被封禁（403/429/Cloudflare等）
	errTypeNetwork // 网络错误
	errTypeEmpty   // 空页面
)

// classifyError 统一的错误分类函数
func classifyError(err error) crawlErrorType {
	if err == nil {
		return errTypeUnknown
	}

	switch {
	case errors.Is(err, ErrBlocked):
		return errTypeBlocked
	case errors.Is(err, ErrEmptyPage):
		return errTypeEmpty
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errTypeTimeout
	}

	msg := strings.ToLower(err.Error())

	blockedKeywords := []string{
		"cloudflare", "attention required",
		"access denied", "403", "429", "forbidden", "too many requests",
	}
	if containsAny(msg, blockedKeywords) {
		return errTypeBlocked
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return errTypeTimeout
	}
	if containsAny(msg, []string{"net::", "connection", "navigate", "websocket"}) {
		return errTypeNetwork
	}
	return errTypeUnknown
}

// classifyCrawlerError 返回用于 metrics 与日志的错误类型字符串
func classifyCrawlerError(err error) string {
	switch classifyError(err) {
	case errTypeTimeout:
		return "timeout"
	case errTypeNetwork:
		return "network_error"
	case errTypeBlocked:
		return "blocked"
	case errTypeEmpty:
		return "empty_page"
	default:
		return "unknown"
	}
}
