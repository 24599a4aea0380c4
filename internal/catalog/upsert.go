package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AliAkbar852/ScentSymphony/internal/model"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/metrics"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LinearLevel 没有金字塔时香料使用的层级。
const LinearLevel = "linear"

// perfumeColumns 重新抓取时被覆盖的列。
var perfumeColumns = []string{
	"name", "subtitle", "image_url", "launch_year",
	"perfumer_name", "perfumer_url", "brand_id", "updated_at",
}

// Engine 把一条抽取结果映射为 perfume 根行及其子表。
//
// 各组写入独立提交：根行单独提交；清空子表与插入评分汇总在同一事务中；
// 每个百分比/计数分类、评论集合、每条关联各自提交。
// 根行成功即视为该 URL 处理成功，子表失败只记录警告。
type Engine struct {
	db           *gorm.DB
	resolver     *Resolver
	logger       *slog.Logger
	replaceLinks bool
}

// Option 配置 Engine。
type Option func(*Engine)

// WithLinkReplace 开启后，重新抓取时在清空子表的同一事务中一并清空香料/香调关联。
// 默认关闭：关联只增不减，已存在的 (perfume, accord) 保留首次写入的强度。
func WithLinkReplace(enabled bool) Option {
	return func(e *Engine) { e.replaceLinks = enabled }
}

// NewEngine 创建入库引擎。
func NewEngine(db *gorm.DB, resolver *Resolver, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{db: db, resolver: resolver, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert 写入一条抽取结果。
//
// 参数:
//
//	ctx: 上下文
//	rec: 抽取结果，URL 为自然键
//
// 返回值:
//
//	uint: perfume ID
//	error: 品牌解析或根行写入失败时返回错误（该 URL 应视为失败）
func (e *Engine) Upsert(ctx context.Context, rec *model.Record) (uint, error) {
	if rec == nil || strings.TrimSpace(rec.URL) == "" {
		return 0, ErrEmptyURL
	}
	log := e.logger.With(slog.String("url", rec.URL))

	// 1. 品牌
	var brandID *uint
	if name := strings.TrimSpace(rec.BrandName); name != "" {
		id, err := e.resolver.Brand(ctx, BrandAttrs{Name: name})
		if err != nil {
			return 0, fmt.Errorf("resolve brand: %w", err)
		}
		brandID = &id
	}

	// 2. 根行
	perfumeID, err := e.upsertPerfume(ctx, rec, brandID)
	if err != nil {
		return 0, err
	}

	// 3-4. 清空子表并写入评分汇总
	cleared := true
	if err := e.replaceDetails(ctx, perfumeID, rec); err != nil {
		cleared = false
		e.childFailed(log, "perfume_votes", err)
	}

	// 5-6. 依赖清空结果，否则会与旧数据叠加
	if cleared {
		e.insertPercentages(ctx, log, perfumeID, rec)
		e.insertStats(ctx, log, perfumeID, rec)
		e.insertReviews(ctx, log, perfumeID, rec)
	}

	// 7-8. 关联
	e.linkAccords(ctx, log, perfumeID, rec)
	e.linkNotes(ctx, log, perfumeID, rec)

	return perfumeID, nil
}

func (e *Engine) upsertPerfume(ctx context.Context, rec *model.Record, brandID *uint) (uint, error) {
	p := model.Perfume{
		URL:          strings.TrimSpace(rec.URL),
		Name:         strings.TrimSpace(rec.Title),
		Subtitle:     strings.TrimSpace(rec.Subtitle),
		ImageURL:     strings.TrimSpace(rec.ImageURL),
		LaunchYear:   parseLaunchYear(rec.LaunchYear),
		PerfumerName: strings.TrimSpace(rec.PerfumerName),
		PerfumerURL:  strings.TrimSpace(rec.PerfumerURL),
		BrandID:      brandID,
	}

	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "url"}},
			DoUpdates: clause.AssignmentColumns(perfumeColumns),
		}).
		Create(&p).Error
	if err != nil {
		return 0, fmt.Errorf("upsert perfume: %w", err)
	}

	// 冲突更新时部分驱动不会回填主键，统一按自然键读取
	var existing model.Perfume
	if err := e.db.WithContext(ctx).Select("id").Where("url = ?", p.URL).Take(&existing).Error; err != nil {
		return 0, fmt.Errorf("reload perfume id: %w", err)
	}
	return existing.ID, nil
}

// replaceDetails 在一个事务中清空子表并插入本次的评分汇总。
func (e *Engine) replaceDetails(ctx context.Context, perfumeID uint, rec *model.Record) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tables := []any{
			&model.PerfumeVote{},
			&model.PerfumePercentage{},
			&model.PerfumeStat{},
			&model.Review{},
		}
		if e.replaceLinks {
			tables = append(tables, &model.PerfumeAccord{}, &model.PerfumeNote{})
		}
		for _, t := range tables {
			if err := tx.Where("perfume_id = ?", perfumeID).Delete(t).Error; err != nil {
				return fmt.Errorf("clear %T: %w", t, err)
			}
		}

		vote := model.PerfumeVote{
			PerfumeID:   perfumeID,
			ReviewCount: intOrZero(rec.ReviewCount),
			RatingCount: intOrZero(rec.RatingCount),
			RatingValue: floatOrZero(rec.RatingValue),
		}
		if err := tx.Create(&vote).Error; err != nil {
			return fmt.Errorf("insert vote: %w", err)
		}
		return nil
	})
}

func (e *Engine) insertPercentages(ctx context.Context, log *slog.Logger, perfumeID uint, rec *model.Record) {
	for _, category := range sortedNames(rec.Percentages) {
		rows := make([]model.PerfumePercentage, 0, len(rec.Percentages[category]))
		for _, item := range rec.Percentages[category] {
			value, ok := parsePercent(item.Value)
			if !ok {
				log.Warn("skip percentage with invalid value",
					slog.String("category", category),
					slog.String("label", item.Label),
					slog.String("value", item.Value))
				continue
			}
			rows = append(rows, model.PerfumePercentage{
				PerfumeID: perfumeID,
				Category:  category,
				Label:     item.Label,
				Value:     value,
			})
		}
		if len(rows) == 0 {
			continue
		}
		if err := e.db.WithContext(ctx).Create(&rows).Error; err != nil {
			e.childFailed(log.With(slog.String("category", category)), "perfume_percentages", err)
		}
	}
}

func (e *Engine) insertStats(ctx context.Context, log *slog.Logger, perfumeID uint, rec *model.Record) {
	for _, category := range sortedNames(rec.Stats) {
		rows := make([]model.PerfumeStat, 0, len(rec.Stats[category]))
		for _, item := range rec.Stats[category] {
			count, ok := parseCount(item.Value)
			if !ok {
				log.Warn("skip stat with invalid value",
					slog.String("category", category),
					slog.String("label", item.Label),
					slog.String("value", item.Value))
				continue
			}
			rows = append(rows, model.PerfumeStat{
				PerfumeID: perfumeID,
				Category:  category,
				Label:     item.Label,
				VoteCount: count,
			})
		}
		if len(rows) == 0 {
			continue
		}
		if err := e.db.WithContext(ctx).Create(&rows).Error; err != nil {
			e.childFailed(log.With(slog.String("category", category)), "perfume_stats", err)
		}
	}
}

func (e *Engine) insertReviews(ctx context.Context, log *slog.Logger, perfumeID uint, rec *model.Record) {
	rows := make([]model.Review, 0, len(rec.Reviews))
	for _, r := range rec.Reviews {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		rows = append(rows, model.Review{
			PerfumeID:    perfumeID,
			Content:      content,
			ReviewerName: optionalString(r.ReviewerName),
			ReviewDate:   parseReviewDate(r.Date),
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := e.db.WithContext(ctx).CreateInBatches(&rows, 100).Error; err != nil {
		e.childFailed(log, "reviews", err)
	}
}

func (e *Engine) linkAccords(ctx context.Context, log *slog.Logger, perfumeID uint, rec *model.Record) {
	for _, a := range rec.Accords {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			continue
		}
		accordID, err := e.resolver.Accord(ctx, name)
		if err != nil {
			e.childFailed(log.With(slog.String("accord", name)), "accords", err)
			continue
		}
		link := model.PerfumeAccord{PerfumeID: perfumeID, AccordID: accordID, Strength: a.Strength}
		if err := e.insertLink(ctx, &link); err != nil {
			e.childFailed(log.With(slog.String("accord", name)), "perfume_accords", err)
		}
	}
}

func (e *Engine) linkNotes(ctx context.Context, log *slog.Logger, perfumeID uint, rec *model.Record) {
	tiers := rec.Pyramid
	if len(tiers) == 0 && len(rec.LinearNotes) > 0 {
		tiers = []model.NoteTier{{Level: LinearLevel, Notes: rec.LinearNotes}}
	}
	for _, tier := range tiers {
		level := strings.TrimSpace(tier.Level)
		if level == "" {
			level = LinearLevel
		}
		for _, n := range tier.Notes {
			name := strings.TrimSpace(n)
			if name == "" {
				continue
			}
			noteID, err := e.resolver.Note(ctx, name)
			if err != nil {
				e.childFailed(log.With(slog.String("note", name)), "notes", err)
				continue
			}
			link := model.PerfumeNote{PerfumeID: perfumeID, NoteID: noteID, Level: level}
			if err := e.insertLink(ctx, &link); err != nil {
				e.childFailed(log.With(slog.String("note", name), slog.String("level", level)), "perfume_notes", err)
			}
		}
	}
}

// insertLink 插入关联行，主键冲突时保留已有行。
func (e *Engine) insertLink(ctx context.Context, link any) error {
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error
	if err != nil && !isUniqueViolation(err) {
		return err
	}
	return nil
}

func (e *Engine) childFailed(log *slog.Logger, table string, err error) {
	metrics.CatalogChildErrorsTotal.WithLabelValues(table).Inc()
	log.Warn("child rows skipped",
		slog.String("table", table),
		slog.String("error", err.Error()))
}
