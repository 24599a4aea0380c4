package catalog

import (
	"strconv"
	"strings"
	"time"
)

// parseLaunchYear 只接受纯数字的年份，"N/A"、"2019?" 等一律为空。
func parseLaunchYear(raw string) *int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil
		}
	}
	year, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &year
}

// intOrZero 转换失败时按 0 处理。
func intOrZero(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return v
}

func floatOrZero(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

// parsePercent 去掉百分号后解析，例如 "42.5%" -> 42.5。
func parsePercent(raw string) (float64, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "%", ""))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseCount(raw string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

var reviewDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseReviewDate 解析评论日期，无法识别时为空。
func parseReviewDate(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, layout := range reviewDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &day
		}
	}
	return nil
}

func optionalString(raw string) *string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	return &s
}
