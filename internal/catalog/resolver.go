package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AliAkbar852/ScentSymphony/internal/model"

	"gorm.io/gorm"
)

// Resolver 维度表（国家、品牌、香料、香调）的 get-or-create。
//
// 插入遇到唯一约束冲突时回退为按名称重新读取，
// 因此导入器和爬虫可以同时写同一个库。
type Resolver struct {
	db     *gorm.DB
	logger *slog.Logger
}

// BrandAttrs 新建品牌时写入的属性，已存在的品牌不会被更新。
type BrandAttrs struct {
	Name         string
	CountryID    *uint
	URL          *string
	PerfumeCount *int
	WebsiteURL   *string
	ImageURL     *string
}

// NewResolver 创建维度解析器。
func NewResolver(db *gorm.DB, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{db: db, logger: logger}
}

// Country 获取或创建国家，brandCount 仅在创建时写入。
func (r *Resolver) Country(ctx context.Context, name string, brandCount int) (uint, error) {
	name = strings.TrimSpace(name)
	return getOrCreate(ctx, r.db, name,
		func() *model.Country { return &model.Country{Name: name, BrandCount: brandCount} },
		func(c *model.Country) uint { return c.ID })
}

// Brand 获取或创建品牌。
func (r *Resolver) Brand(ctx context.Context, attrs BrandAttrs) (uint, error) {
	name := strings.TrimSpace(attrs.Name)
	return getOrCreate(ctx, r.db, name,
		func() *model.Brand {
			return &model.Brand{
				Name:         name,
				CountryID:    attrs.CountryID,
				URL:          attrs.URL,
				PerfumeCount: attrs.PerfumeCount,
				WebsiteURL:   attrs.WebsiteURL,
				ImageURL:     attrs.ImageURL,
			}
		},
		func(b *model.Brand) uint { return b.ID })
}

// Note 获取或创建香料。
func (r *Resolver) Note(ctx context.Context, name string) (uint, error) {
	name = strings.TrimSpace(name)
	return getOrCreate(ctx, r.db, name,
		func() *model.Note { return &model.Note{Name: name} },
		func(n *model.Note) uint { return n.ID })
}

// Accord 获取或创建香调。
func (r *Resolver) Accord(ctx context.Context, name string) (uint, error) {
	name = strings.TrimSpace(name)
	return getOrCreate(ctx, r.db, name,
		func() *model.Accord { return &model.Accord{Name: name} },
		func(a *model.Accord) uint { return a.ID })
}

func getOrCreate[T any](ctx context.Context, db *gorm.DB, name string, build func() *T, idOf func(*T) uint) (uint, error) {
	if name == "" {
		return 0, ErrEmptyName
	}
	id, found, err := findByName[T](ctx, db, name, idOf)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}
	return createOrFind(ctx, db, name, build, idOf)
}

// createOrFind 插入新行；若并发写入者抢先插入了同名行，则返回已有行的 ID。
func createOrFind[T any](ctx context.Context, db *gorm.DB, name string, build func() *T, idOf func(*T) uint) (uint, error) {
	row := build()
	err := db.WithContext(ctx).Create(row).Error
	if err == nil {
		return idOf(row), nil
	}
	if !isUniqueViolation(err) {
		return 0, fmt.Errorf("create %T %q: %w", row, name, err)
	}

	id, found, findErr := findByName[T](ctx, db, name, idOf)
	if findErr != nil {
		return 0, findErr
	}
	if !found {
		return 0, fmt.Errorf("create %T %q: conflict but row not found: %w", row, name, err)
	}
	return id, nil
}

func findByName[T any](ctx context.Context, db *gorm.DB, name string, idOf func(*T) uint) (uint, bool, error) {
	var row T
	err := db.WithContext(ctx).Select("id").Where("name = ?", name).Take(&row).Error
	switch {
	case err == nil:
		return idOf(&row), true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("find %T %q: %w", row, name, err)
	}
}
