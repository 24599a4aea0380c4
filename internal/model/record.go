package model

// Record 是抽取器从单个页面得到的松散结构化结果。
//
// 数值字段保留原始文本，由入库层负责转换；转换失败按 0 处理或跳过，而不是报错。
type Record struct {
	URL          string
	Title        string
	Subtitle     string
	BrandName    string
	ImageURL     string
	Description  string
	LaunchYear   string // "N/A" 或四位数字
	PerfumerName string
	PerfumerURL  string

	ReviewCount string
	RatingCount string
	RatingValue string

	Accords     []AccordShare
	Pyramid     []NoteTier // 金字塔层级，按页面顺序
	LinearNotes []string   // 仅在没有金字塔时使用

	Percentages map[string][]LabeledValue // category -> label/value
	Stats       map[string][]LabeledValue

	Reviews []ReviewEntry
}

// AccordShare 主香调及其强度（0-100）。
type AccordShare struct {
	Name     string
	Strength *float64
}

// NoteTier 金字塔的一层。
type NoteTier struct {
	Level string
	Notes []string
}

// LabeledValue 分类投票中的一项，Value 为原始文本。
type LabeledValue struct {
	Label string
	Value string
}

// ReviewEntry 一条评论，Date 为原始日期文本。
type ReviewEntry struct {
	Content      string
	ReviewerName string
	Date         string
}

// AddPercentage 追加一个百分比投票项。
func (r *Record) AddPercentage(category, label, value string) {
	if r.Percentages == nil {
		r.Percentages = make(map[string][]LabeledValue)
	}
	r.Percentages[category] = append(r.Percentages[category], LabeledValue{Label: label, Value: value})
}

// AddStat 追加一个计数投票项。
func (r *Record) AddStat(category, label, value string) {
	if r.Stats == nil {
		r.Stats = make(map[string][]LabeledValue)
	}
	r.Stats[category] = append(r.Stats[category], LabeledValue{Label: label, Value: value})
}
