package scheduler

// Reason 失败原因，只用于日志和失败记录，不影响重试资格。
type Reason string

const (
	ReasonFetch       Reason = "fetch failure"
	ReasonExtraction  Reason = "extraction failure"
	ReasonPersistence Reason = "persistence failure"
)

// DefaultMaxRetries 单个 URL 的默认重试次数。
const DefaultMaxRetries = 3

// RetryManager 记录本次运行中每个 URL 的失败次数。
//
// 计数只存在内存中，进程重启即清零。它只被调度 worker 调用，不加锁。
type RetryManager struct {
	maxRetries int
	attempts   map[string]int
}

// NewRetryManager 创建重试管理器，maxRetries 小于 0 时按 0 处理。
func NewRetryManager(maxRetries int) *RetryManager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryManager{
		maxRetries: maxRetries,
		attempts:   make(map[string]int),
	}
}

// RecordFailure 记录一次失败尝试。
//
// 返回值:
//
//	attempt: 该 URL 截至目前的失败次数
//	retry: true 表示应重新入队；false 表示重试预算已用完，应记为永久失败
func (r *RetryManager) RecordFailure(url string) (attempt int, retry bool) {
	r.attempts[url]++
	attempt = r.attempts[url]
	return attempt, attempt <= r.maxRetries
}

// Attempts 返回 URL 已失败的次数。
func (r *RetryManager) Attempts(url string) int {
	return r.attempts[url]
}

// MaxRetries 返回配置的最大重试次数。
func (r *RetryManager) MaxRetries() int {
	return r.maxRetries
}
