package model

import (
	"time"
)

// Country 表示品牌所属国家（维度表）。
//
// 按名称惰性创建，创建后不再更新。
type Country struct {
	ID         uint      `gorm:"primaryKey"`
	CreatedAt  time.Time // 创建时间
	Name       string    `gorm:"type:varchar(191);uniqueIndex;not null"` // 国家名称 (唯一索引)
	BrandCount int       `gorm:"default:0"`                              // 品牌数量（仅展示用）
}

// Brand 表示香水品牌（维度表）。
//
// 抓取单个香水时可能只知道名称，其余属性为空且不会被该路径回填。
type Brand struct {
	ID           uint      `gorm:"primaryKey"`
	CreatedAt    time.Time // 创建时间
	Name         string    `gorm:"type:varchar(191);uniqueIndex;not null"` // 品牌名称 (唯一索引)
	CountryID    *uint     `gorm:"index"`                                  // 所属国家，可为空
	Country      *Country  `gorm:"foreignKey:CountryID;constraint:OnDelete:SET NULL"`
	URL          *string   `gorm:"type:varchar(255)"` // 站内品牌页
	PerfumeCount *int      // 站内香水数量
	WebsiteURL   *string   `gorm:"type:varchar(255)"` // 官网
	ImageURL     *string   `gorm:"type:varchar(255)"` // 品牌图片
}

// Perfume 表示一款香水（根实体）。
//
// URL 是自然键：重复抓取时按 URL upsert，所有可变属性以最新一次抓取为准。
type Perfume struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 首次入库时间
	UpdatedAt time.Time // 最近一次覆盖时间

	URL          string  `gorm:"type:varchar(255);uniqueIndex;not null"` // 来源页面 (唯一索引)
	Name         string  `gorm:"type:varchar(255)"`                      // 香水名称
	Subtitle     string  `gorm:"type:varchar(255)"`                      // 副标题（如 "for women and men"）
	ImageURL     string  `gorm:"type:varchar(255)"`                      // 主图
	LaunchYear   *int    // 发布年份，非纯数字时为空
	PerfumerName string  `gorm:"type:varchar(255)"` // 调香师
	PerfumerURL  string  `gorm:"type:varchar(255)"` // 调香师页面
	BrandID      *uint   `gorm:"index"`             // 所属品牌，可为空
	Brand        *Brand  `gorm:"foreignKey:BrandID;constraint:OnDelete:SET NULL"`
}

// Note 香料维度表。
type Note struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"type:varchar(191);uniqueIndex;not null"`
}

// Accord 主香调维度表。
type Accord struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"type:varchar(191);uniqueIndex;not null"`
}

// PerfumeNote 香水与香料在某一层级（top / middle / base / linear ...）的关联。
//
// 层级属于主键，同一香料可以出现在多个层级。
type PerfumeNote struct {
	PerfumeID uint     `gorm:"primaryKey;autoIncrement:false"`
	NoteID    uint     `gorm:"primaryKey;autoIncrement:false"`
	Level     string   `gorm:"primaryKey;type:varchar(64)"`
	Perfume   *Perfume `gorm:"foreignKey:PerfumeID;constraint:OnDelete:CASCADE"`
	Note      *Note    `gorm:"foreignKey:NoteID;constraint:OnDelete:CASCADE"`
}

// PerfumeAccord 香水与主香调的关联，每个香调至多一个强度值（0-100）。
type PerfumeAccord struct {
	PerfumeID uint     `gorm:"primaryKey;autoIncrement:false"`
	AccordID  uint     `gorm:"primaryKey;autoIncrement:false"`
	Strength  *float64 `gorm:"type:decimal(5,2)"`
	Perfume   *Perfume `gorm:"foreignKey:PerfumeID;constraint:OnDelete:CASCADE"`
	Accord    *Accord  `gorm:"foreignKey:AccordID;constraint:OnDelete:CASCADE"`
}

// PerfumeVote 抓取时刻的评分汇总，每次抓取一行。
type PerfumeVote struct {
	ID          uint     `gorm:"primaryKey"`
	PerfumeID   uint     `gorm:"index;not null"`
	ReviewCount int      `gorm:"default:0"`
	RatingCount int      `gorm:"default:0"`
	RatingValue float64  `gorm:"type:decimal(3,2);default:0"`
	Perfume     *Perfume `gorm:"foreignKey:PerfumeID;constraint:OnDelete:CASCADE"`
}

// PerfumePercentage 百分比投票（possession / emotional_attachment / wearing_season ...）。
type PerfumePercentage struct {
	ID        uint     `gorm:"primaryKey"`
	PerfumeID uint     `gorm:"index;not null"`
	Category  string   `gorm:"type:varchar(64);not null"`
	Label     string   `gorm:"type:varchar(128);not null"`
	Value     float64  `gorm:"type:decimal(5,2)"`
	Perfume   *Perfume `gorm:"foreignKey:PerfumeID;constraint:OnDelete:CASCADE"`
}

// PerfumeStat 计数投票（longevity / sillage / gender / price_value ...）。
type PerfumeStat struct {
	ID        uint     `gorm:"primaryKey"`
	PerfumeID uint     `gorm:"index;not null"`
	Category  string   `gorm:"type:varchar(64);not null"`
	Label     string   `gorm:"type:varchar(128);not null"`
	VoteCount int      `gorm:"default:0"`
	Perfume   *Perfume `gorm:"foreignKey:PerfumeID;constraint:OnDelete:CASCADE"`
}

// Review 用户评论，每次重新抓取前整体清空。
type Review struct {
	ID           uint       `gorm:"primaryKey"`
	PerfumeID    uint       `gorm:"index;not null"`
	Content      string     `gorm:"type:text;not null"`
	ReviewerName *string    `gorm:"type:varchar(191)"`
	ReviewDate   *time.Time `gorm:"type:date"`
	Perfume      *Perfume   `gorm:"foreignKey:PerfumeID;constraint:OnDelete:CASCADE"`
}

// AllModels 返回需要迁移的全部表，顺序满足外键依赖。
func AllModels() []any {
	return []any{
		&Country{},
		&Brand{},
		&Perfume{},
		&Note{},
		&Accord{},
		&PerfumeNote{},
		&PerfumeAccord{},
		&PerfumeVote{},
		&PerfumePercentage{},
		&PerfumeStat{},
		&Review{},
	}
}
