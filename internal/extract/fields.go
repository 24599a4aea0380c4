package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AliAkbar852/ScentSymphony/internal/model"

	"github.com/PuerkitoBio/goquery"
)

// UnknownBrand 页面上找不到品牌时使用的占位名称。
const UnknownBrand = "N/A"

var (
	widthPattern      = regexp.MustCompile(`width\s*:\s*([\d.]+)`)
	launchYearPattern = regexp.MustCompile(`was launched (?:in|during the) (\d{4})`)
	nonWordPattern    = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
)

// DefaultFields 返回站点页面的全部字段抽取器。
func DefaultFields() []Field {
	return []Field{
		{Name: "title", Fn: extractTitle},
		{Name: "brand", Fn: extractBrand},
		{Name: "image", Fn: extractImage},
		{Name: "ratings", Fn: extractRatings},
		{Name: "main_accords", Fn: extractAccords},
		{Name: "vote_sections", Fn: extractVoteSections},
		{Name: "pyramid", Fn: extractPyramid},
		{Name: "linear_notes", Fn: extractLinearNotes},
		{Name: "longevity", Fn: sectionVotes("LONGEVITY", "longevity")},
		{Name: "sillage", Fn: sectionVotes("SILLAGE", "sillage")},
		{Name: "gender", Fn: sectionVotes("GENDER", "gender")},
		{Name: "price_value", Fn: sectionVotes("PRICE VALUE", "price_value")},
		{Name: "perfumer", Fn: extractPerfumer},
		{Name: "launch_year", Fn: extractLaunchYear},
		{Name: "description", Fn: extractDescription},
		{Name: "reviews", Fn: extractReviews},
	}
}

// NormalizeKey 转小写、去首尾空白，并把非单词字符序列替换为 "_"。
func NormalizeKey(text string) string {
	return nonWordPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), "_")
}

// PyramidLevel 把金字塔标题转换为层级名，例如 "Top Notes" -> "top"。
func PyramidLevel(heading string) string {
	return strings.TrimSuffix(NormalizeKey(heading), "_notes")
}

func extractTitle(doc *goquery.Document, rec *model.Record) error {
	h1 := doc.Find("#toptop > h1").First()
	if h1.Length() == 0 {
		return nil
	}
	first := h1.Contents().First()
	if goquery.NodeName(first) == "#text" {
		rec.Title = strings.TrimSpace(first.Text())
	}
	rec.Subtitle = strings.TrimSpace(h1.Find("small").First().Text())
	return nil
}

func extractBrand(doc *goquery.Document, rec *model.Record) error {
	rec.BrandName = UnknownBrand
	if name := strings.TrimSpace(doc.Find("span.vote-button-name").First().Text()); name != "" {
		rec.BrandName = name
	}
	return nil
}

func extractImage(doc *goquery.Document, rec *model.Record) error {
	if src, ok := doc.Find(`img[itemprop="image"]`).First().Attr("src"); ok {
		rec.ImageURL = strings.TrimSpace(src)
	}
	return nil
}

func extractRatings(doc *goquery.Document, rec *model.Record) error {
	rec.ReviewCount = itemprop(doc, "reviewCount", "0")
	rec.RatingCount = itemprop(doc, "ratingCount", "0")
	rec.RatingValue = itemprop(doc, "ratingValue", "0")
	return nil
}

// itemprop 读取 meta 的 content 或元素文本。
func itemprop(doc *goquery.Document, name, fallback string) string {
	sel := doc.Find(fmt.Sprintf(`[itemprop="%s"]`, name)).First()
	if sel.Length() == 0 {
		return fallback
	}
	if v, ok := sel.Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(sel.Text()); v != "" {
		return v
	}
	return fallback
}

func extractAccords(doc *goquery.Document, rec *model.Record) error {
	var errs []error
	doc.Find("div.cell.accord-box > div.accord-bar").Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Text())
		style, _ := s.Attr("style")
		m := widthPattern.FindStringSubmatch(style)
		if name == "" || m == nil {
			return
		}
		strength, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("accord %q width %q: %w", name, m[1], err))
			return
		}
		rec.Accords = append(rec.Accords, model.AccordShare{Name: name, Strength: &strength})
	})
	return errors.Join(errs...)
}

// extractVoteSections 解析小图表中的百分比投票。
// 标签与进度条按页面顺序分段对应：possession、emotional_attachment、wearing_season。
func extractVoteSections(doc *goquery.Document, rec *model.Record) error {
	names := doc.Find("span.vote-button-name")
	legends := doc.Find("span.vote-button-legend")
	bars := doc.Find(".voting-small-chart-size > div > div")

	sections := []struct {
		category string
		labels   *goquery.Selection
		bars     *goquery.Selection
	}{
		{"possession", slice(names, 1, 4), slice(bars, 0, 3)},
		{"emotional_attachment", slice(legends, 0, 5), slice(bars, 3, 8)},
		{"wearing_season", slice(legends, 5, 11), slice(bars, 8, bars.Length())},
	}

	for _, sec := range sections {
		n := min(sec.labels.Length(), sec.bars.Length())
		for i := 0; i < n; i++ {
			label := NormalizeKey(sec.labels.Eq(i).Text())
			style, _ := sec.bars.Eq(i).Attr("style")
			value := ""
			if m := widthPattern.FindStringSubmatch(style); m != nil {
				if f, err := strconv.ParseFloat(m[1], 64); err == nil {
					value = strconv.FormatFloat(f, 'f', 2, 64)
				}
			}
			rec.AddPercentage(sec.category, label, value)
		}
	}
	return nil
}

// slice 返回 [start, end) 范围内的元素，越界部分自动截断。
func slice(sel *goquery.Selection, start, end int) *goquery.Selection {
	if end > sel.Length() {
		end = sel.Length()
	}
	if start >= end {
		return sel.Slice(0, 0)
	}
	return sel.Slice(start, end)
}

// sectionVotes 找到标题为 title 的区块，把其中的标签与 progress 值配对。
func sectionVotes(title, category string) FieldFunc {
	return func(doc *goquery.Document, rec *model.Record) error {
		anchor := doc.Find("span").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.TrimSpace(s.Text()) == title
		}).First()
		if anchor.Length() == 0 {
			return nil
		}
		container := anchor.Parent()
		for container.Length() > 0 && container.Find("span.vote-button-name").Length() == 0 {
			container = container.Parent()
		}
		if container.Length() == 0 {
			return nil
		}
		labels := container.Find("span.vote-button-name")
		progress := container.Find("progress")
		n := min(labels.Length(), progress.Length())
		for i := 0; i < n; i++ {
			value := progress.Eq(i).AttrOr("value", "0")
			rec.AddStat(category, NormalizeKey(labels.Eq(i).Text()), value)
		}
		return nil
	}
}

func extractPyramid(doc *goquery.Document, rec *model.Record) error {
	doc.Find("#pyramid h4").Each(func(_ int, h4 *goquery.Selection) {
		container := h4.NextAllFiltered("div").First()
		if container.Length() == 0 {
			return
		}
		tier := model.NoteTier{Level: PyramidLevel(h4.Text())}
		container.Find(`div[style*="margin: 0.2rem"]`).Each(func(_ int, n *goquery.Selection) {
			if name := strings.TrimSpace(n.Text()); name != "" {
				tier.Notes = append(tier.Notes, name)
			}
		})
		rec.Pyramid = append(rec.Pyramid, tier)
	})
	return nil
}

func extractLinearNotes(doc *goquery.Document, rec *model.Record) error {
	if doc.Find("#pyramid h4").Length() > 0 {
		return nil
	}
	doc.Find(`div[style*="margin: 0.2rem"] > div:nth-child(2)`).Each(func(_ int, s *goquery.Selection) {
		if name := strings.TrimSpace(s.Text()); name != "" {
			rec.LinearNotes = append(rec.LinearNotes, name)
		}
	})
	return nil
}

func extractPerfumer(doc *goquery.Document, rec *model.Record) error {
	link := doc.Find("img.perfumer-avatar").First().NextAllFiltered("a").First()
	if link.Length() == 0 {
		return nil
	}
	rec.PerfumerName = strings.TrimSpace(link.Text())
	rec.PerfumerURL = strings.TrimSpace(link.AttrOr("href", ""))
	return nil
}

func extractLaunchYear(doc *goquery.Document, rec *model.Record) error {
	rec.LaunchYear = "N/A"
	text := strings.Join(strings.Fields(doc.Text()), " ")
	if m := launchYearPattern.FindStringSubmatch(text); m != nil {
		rec.LaunchYear = m[1]
	}
	return nil
}

func extractDescription(doc *goquery.Document, rec *model.Record) error {
	rec.Description = strings.TrimSpace(doc.Find(`div[itemprop="description"] p`).First().Text())
	return nil
}

// extractReviews 读取滚动加载后的评论框；懒加载与首屏两种结构都支持。
func extractReviews(doc *goquery.Document, rec *model.Record) error {
	doc.Find(".fragrance-review-box").Each(func(_ int, box *goquery.Selection) {
		body := box.Find("div.flex-child-auto p").First()
		if body.Length() == 0 {
			body = box.Find(`div[itemprop="reviewBody"]`).First()
		}
		content := strings.TrimSpace(body.Text())
		if content == "" {
			return
		}
		rec.Reviews = append(rec.Reviews, model.ReviewEntry{
			Content:      content,
			ReviewerName: strings.TrimSpace(box.Find("b.idLinkify a").First().Text()),
			Date:         strings.TrimSpace(box.Find(`span[itemprop="datePublished"]`).First().AttrOr("content", "")),
		})
	})
	return nil
}
