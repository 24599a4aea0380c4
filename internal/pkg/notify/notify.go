package notify

import (
	"context"
	"time"
)

// FailedURL 运行报告中的一条永久失败记录。
type FailedURL struct {
	URL      string
	Reason   string
	Attempts int
}

// RunReport 一次爬取运行的汇总。
type RunReport struct {
	StartedAt         time.Time
	FinishedAt        time.Time
	Batches           int64
	Succeeded         int64
	FailedAttempts    int64
	Retried           int64
	PermanentlyFailed int64
	Skipped           int64
	Backlog           int64 // 中断时仍未处理的 URL 数
	Interrupted       bool
	Failures          []FailedURL
}

// Notifier 定义运行报告的发送接口。
type Notifier interface {
	// SendRunReport 发送运行报告。未配置时实现应直接返回 nil。
	SendRunReport(ctx context.Context, report *RunReport) error
}
