package catalog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

const brandNameSuffix = " perfumes and colognes"

// BrandListing brands.json 中某国家下的一个品牌。
type BrandListing struct {
	Name         string `json:"brand_name"`
	URL          string `json:"brand_url"`
	PerfumeCount int    `json:"perfume_count"`
}

// BrandDetail 品牌详情 CSV 中的一行（无表头：名称、图片、国家、官网）。
type BrandDetail struct {
	Name       string
	ImageURL   string
	Country    string
	WebsiteURL string
}

// ImportStats 导入结果统计。
type ImportStats struct {
	Countries        int
	Brands           int
	SkippedCountries int
	Failed           int
}

// Importer 从国家/品牌清单批量建立维度数据，已有行保持不变。
type Importer struct {
	resolver *Resolver
	logger   *slog.Logger
	resolve  func(string) string
}

// NewImporter 创建导入器，resolveURL 用于把相对品牌链接补全为绝对地址。
func NewImporter(resolver *Resolver, logger *slog.Logger, resolveURL func(string) string) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	if resolveURL == nil {
		resolveURL = func(s string) string { return s }
	}
	return &Importer{resolver: resolver, logger: logger, resolve: resolveURL}
}

// Import 先建国家，再按国家建品牌。找不到国家 ID 的品牌整组跳过。
//
// 单个品牌失败只记录日志并计数，不中断导入；ctx 取消时立即返回。
func (im *Importer) Import(ctx context.Context, countries map[string]int, listings map[string][]BrandListing, details map[string]BrandDetail) (ImportStats, error) {
	var stats ImportStats

	countryIDs := make(map[string]uint, len(countries))
	for _, name := range sortedNames(countries) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		id, err := im.resolver.Country(ctx, name, countries[name])
		if err != nil {
			stats.Failed++
			im.logger.Warn("country import failed",
				slog.String("country", name),
				slog.String("error", err.Error()))
			continue
		}
		countryIDs[name] = id
		stats.Countries++
	}

	for _, country := range sortedNames(listings) {
		countryID, ok := countryIDs[country]
		if !ok {
			stats.SkippedCountries++
			im.logger.Warn("unknown country, skipping its brands", slog.String("country", country))
			continue
		}
		for _, listing := range listings[country] {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			name := strings.TrimSpace(listing.Name)
			if name == "" {
				continue
			}
			cid := countryID
			count := listing.PerfumeCount
			attrs := BrandAttrs{
				Name:         name,
				CountryID:    &cid,
				URL:          optionalString(im.resolve(listing.URL)),
				PerfumeCount: &count,
			}
			if d, ok := details[name]; ok {
				attrs.WebsiteURL = optionalString(d.WebsiteURL)
				attrs.ImageURL = optionalString(d.ImageURL)
			}
			if _, err := im.resolver.Brand(ctx, attrs); err != nil {
				stats.Failed++
				im.logger.Warn("brand import failed",
					slog.String("brand", name),
					slog.String("error", err.Error()))
				continue
			}
			stats.Brands++
		}
	}

	im.logger.Info("brand import finished",
		slog.Int("countries", stats.Countries),
		slog.Int("brands", stats.Brands),
		slog.Int("skipped_countries", stats.SkippedCountries),
		slog.Int("failed", stats.Failed))
	return stats, nil
}

// LoadCountryCounts 读取 {country: brand_count}。
func LoadCountryCounts(path string) (map[string]int, error) {
	out := make(map[string]int)
	if err := loadJSONFile(path, &out); err != nil {
		return nil, fmt.Errorf("load countries: %w", err)
	}
	return out, nil
}

// LoadBrandListings 读取 {country: [{brand_name, brand_url, perfume_count}]}。
func LoadBrandListings(path string) (map[string][]BrandListing, error) {
	out := make(map[string][]BrandListing)
	if err := loadJSONFile(path, &out); err != nil {
		return nil, fmt.Errorf("load brands: %w", err)
	}
	return out, nil
}

// LoadBrandDetails 读取无表头的品牌详情 CSV，按清洗后的品牌名索引，首次出现为准。
func LoadBrandDetails(path string) (map[string]BrandDetail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open brand details: %w", err)
	}
	defer f.Close()
	return parseBrandDetails(f)
}

func parseBrandDetails(r io.Reader) (map[string]BrandDetail, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	out := make(map[string]BrandDetail)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse brand details: %w", err)
		}
		if len(row) < 4 {
			continue
		}
		name := strings.TrimSpace(strings.Replace(strings.TrimSpace(row[0]), brandNameSuffix, "", 1))
		if name == "" {
			continue
		}
		if _, ok := out[name]; ok {
			continue
		}
		out[name] = BrandDetail{
			Name:       name,
			ImageURL:   strings.TrimSpace(row[1]),
			Country:    strings.TrimSpace(row[2]),
			WebsiteURL: strings.TrimSpace(row[3]),
		}
	}
	return out, nil
}

func loadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func sortedNames[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
