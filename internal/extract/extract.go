package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AliAkbar852/ScentSymphony/internal/model"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoDocument 页面内容为空或无法解析为 HTML。
var ErrNoDocument = errors.New("markup is not a parseable document")

// FieldFunc 从文档中抽取一个字段写入 rec。
//
// 找不到元素属于正常情况，不返回错误；只有意外情况（如数值格式损坏）才返回 error。
type FieldFunc func(doc *goquery.Document, rec *model.Record) error

// Field 具名字段抽取器。
type Field struct {
	Name string
	Fn   FieldFunc
}

// Outcome 单个字段抽取的结果，Err 为 nil 表示成功。
type Outcome struct {
	Name string
	Err  error
}

// Extractor 依次执行注册的字段抽取器，单个字段失败（包括 panic）不影响其他字段。
type Extractor struct {
	fields []Field
	logger *slog.Logger
}

// New 创建抽取器，未指定字段时使用 DefaultFields。
func New(logger *slog.Logger, fields ...Field) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(fields) == 0 {
		fields = DefaultFields()
	}
	return &Extractor{fields: fields, logger: logger}
}

// Extract 实现抓取流水线的抽取接口，字段失败仅记录日志。
func (e *Extractor) Extract(ctx context.Context, markup, url string) (*model.Record, error) {
	rec, outcomes, err := e.ExtractWithOutcomes(ctx, markup, url)
	if err != nil {
		return nil, err
	}
	failed := 0
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		failed++
		e.logger.Warn("field extraction failed",
			slog.String("url", url),
			slog.String("field", o.Name),
			slog.String("error", o.Err.Error()))
	}
	e.logger.Debug("record extracted",
		slog.String("url", url),
		slog.Int("fields", len(outcomes)),
		slog.Int("failed_fields", failed))
	return rec, nil
}

// ExtractWithOutcomes 解析页面并返回合并后的记录以及每个字段的执行结果。
//
// 参数:
//
//	ctx: 上下文，取消后不再执行剩余字段
//	markup: 页面 HTML
//	url: 页面地址（记录的自然键）
//
// 返回值:
//
//	*model.Record: 尽力填充的记录
//	[]Outcome: 每个字段的结果，顺序与注册顺序一致
//	error: 页面为空或无法解析时返回 ErrNoDocument
func (e *Extractor) ExtractWithOutcomes(ctx context.Context, markup, url string) (*model.Record, []Outcome, error) {
	if strings.TrimSpace(markup) == "" {
		return nil, nil, ErrNoDocument
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoDocument, err)
	}

	rec := &model.Record{URL: url}
	outcomes := make([]Outcome, 0, len(e.fields))
	for _, f := range e.fields {
		if err := ctx.Err(); err != nil {
			return nil, outcomes, err
		}
		outcomes = append(outcomes, Outcome{Name: f.Name, Err: runField(f, doc, rec)})
	}
	return rec, outcomes, nil
}

func runField(f Field, doc *goquery.Document, rec *model.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", f.Name, r)
		}
	}()
	return f.Fn(doc, rec)
}
