package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FailureEntry 永久失败日志中的一条记录。
type FailureEntry struct {
	Time   string `json:"time"` // ISO-8601
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Store 持久化已完成 URL 集合与永久失败日志，是断点续跑的唯一依据。
//
// 已完成集合在每次成功后整体重写（排序后的 JSON 数组），
// 因此进程被杀掉时最多丢失正在处理的那一个 URL。
type Store struct {
	mu       sync.Mutex
	donePath string
	failPath string
	logger   *slog.Logger
	now      func() time.Time

	done      map[string]struct{}
	failures  []FailureEntry
	failedSet map[string]struct{}
}

// Open 读取状态文件与失败日志，文件不存在时视为空。
//
// 参数:
//
//	donePath: 已完成 URL 文件路径
//	failPath: 永久失败日志路径
//	logger: 日志器
//
// 返回值:
//
//	*Store: 状态存储
//	error: 文件存在但无法解析时返回错误
func Open(donePath, failPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		donePath:  donePath,
		failPath:  failPath,
		logger:    logger,
		now:       time.Now,
		done:      make(map[string]struct{}),
		failedSet: make(map[string]struct{}),
	}

	var done []string
	if err := readJSON(donePath, &done); err != nil {
		return nil, fmt.Errorf("load state file: %w", err)
	}
	for _, u := range done {
		s.done[u] = struct{}{}
	}
	if err := readJSON(failPath, &s.failures); err != nil {
		return nil, fmt.Errorf("load failure log: %w", err)
	}
	for _, f := range s.failures {
		s.failedSet[f.URL] = struct{}{}
	}
	return s, nil
}

func (s *Store) IsDone(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[url]
	return ok
}

// MarkDone 标记 URL 已完成，并在返回前落盘。
func (s *Store) MarkDone(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[url]; ok {
		return nil
	}
	s.done[url] = struct{}{}
	if err := writeJSON(s.donePath, s.sortedDoneLocked()); err != nil {
		delete(s.done, url)
		return fmt.Errorf("persist state file: %w", err)
	}
	return nil
}

func (s *Store) IsPermanentlyFailed(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failedSet[url]
	return ok
}

// MarkPermanentlyFailed 追加一条失败记录并重写失败日志。
func (s *Store) MarkPermanentlyFailed(url, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := FailureEntry{
		Time:   s.now().UTC().Format(time.RFC3339),
		URL:    url,
		Reason: reason,
	}
	s.failures = append(s.failures, entry)
	s.failedSet[url] = struct{}{}
	if err := writeJSON(s.failPath, s.failures); err != nil {
		return fmt.Errorf("persist failure log: %w", err)
	}
	return nil
}

// Clean 将失败日志中的 URL 从已完成集合移除，然后清空失败日志。
//
// 该操作是幂等的：失败日志为空时不做任何修改。
//
// 返回值:
//
//	int: 被撤销完成状态的 URL 数量
//	error: 写文件失败时返回错误
func (s *Store) Clean() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return 0, nil
	}

	revoked := 0
	for u := range s.failedSet {
		if _, ok := s.done[u]; ok {
			delete(s.done, u)
			revoked++
		}
	}
	if err := writeJSON(s.donePath, s.sortedDoneLocked()); err != nil {
		return revoked, fmt.Errorf("persist state file: %w", err)
	}

	cleared := len(s.failures)
	s.failures = nil
	s.failedSet = make(map[string]struct{})
	if err := writeJSON(s.failPath, []FailureEntry{}); err != nil {
		return revoked, fmt.Errorf("persist failure log: %w", err)
	}

	s.logger.Info("failure log cleaned",
		slog.Int("cleared", cleared),
		slog.Int("revoked", revoked))
	return revoked, nil
}

// Pending 计算本次运行的待处理列表：去重，保持输入顺序，排除已完成与永久失败的 URL。
func (s *Store) Pending(urls []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		if _, ok := s.done[u]; ok {
			continue
		}
		if _, ok := s.failedSet[u]; ok {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Done 返回已完成 URL 的排序快照。
func (s *Store) Done() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedDoneLocked()
}

// Failures 返回失败日志快照。
func (s *Store) Failures() []FailureEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailureEntry, len(s.failures))
	copy(out, s.failures)
	return out
}

func (s *Store) sortedDoneLocked() []string {
	out := make([]string, 0, len(s.done))
	for u := range s.done {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSON 先写临时文件再 rename，避免进程中断留下半截文件。
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
