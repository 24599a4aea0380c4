package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/AliAkbar852/ScentSymphony/internal/model"

	"gorm.io/gorm"
)

const testURL = "https://www.fragrantica.com/perfume/Dior/Sauvage-31861.html"

func floatPtr(v float64) *float64 { return &v }

func baseRecord() *model.Record {
	rec := &model.Record{
		URL:          testURL,
		Title:        "Sauvage",
		Subtitle:     "for men",
		BrandName:    "Dior",
		ImageURL:     "https://img/1.jpg",
		LaunchYear:   "2015",
		PerfumerName: "François Demachy",
		PerfumerURL:  "https://www.fragrantica.com/noses/Francois_Demachy.html",
		ReviewCount:  "120",
		RatingCount:  "4500",
		RatingValue:  "4.12",
		Accords: []model.AccordShare{
			{Name: "woody", Strength: floatPtr(45.0)},
		},
		Pyramid: []model.NoteTier{
			{Level: "top", Notes: []string{"Bergamot", "Pepper"}},
			{Level: "base", Notes: []string{"Ambroxan"}},
		},
		Reviews: []model.ReviewEntry{
			{Content: "Great", ReviewerName: "alice", Date: "2021-05-03T10:00:00Z"},
			{Content: "Too strong", ReviewerName: "bob", Date: "2022-01-15"},
		},
	}
	rec.AddPercentage("wearing_season", "winter", "40%")
	rec.AddPercentage("wearing_season", "summer", "60%")
	rec.AddStat("longevity", "long lasting", "300")
	return rec
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewEngine(db, NewResolver(db, newTestLogger()), newTestLogger(), opts...), db
}

func TestEngine_IdempotentRootUpsert(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	firstID, err := e.Upsert(ctx, baseRecord())
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := baseRecord()
	second.Title = "Sauvage Elixir"
	second.LaunchYear = "N/A"
	second.BrandName = "Christian Dior"
	second.PerfumerName = ""
	secondID, err := e.Upsert(ctx, second)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if firstID != secondID {
		t.Fatalf("expected same perfume id, got %d and %d", firstID, secondID)
	}
	if n := countRows(t, db, &model.Perfume{}); n != 1 {
		t.Fatalf("expected 1 perfume row, got %d", n)
	}

	var p model.Perfume
	if err := db.Preload("Brand").First(&p, secondID).Error; err != nil {
		t.Fatalf("load perfume: %v", err)
	}
	if p.Name != "Sauvage Elixir" {
		t.Fatalf("name not overwritten: %q", p.Name)
	}
	if p.LaunchYear != nil {
		t.Fatalf("non numeric launch year must be stored as null, got %d", *p.LaunchYear)
	}
	if p.PerfumerName != "" {
		t.Fatalf("perfumer name not overwritten: %q", p.PerfumerName)
	}
	if p.Brand == nil || p.Brand.Name != "Christian Dior" {
		t.Fatalf("brand not overwritten: %+v", p.Brand)
	}
	if p.Brand.URL != nil || p.Brand.CountryID != nil {
		t.Fatalf("brand from extraction path must have null attributes: %+v", p.Brand)
	}
}

func TestEngine_ChildTablesReflectLatestExtraction(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	var id uint
	for i := 0; i < 3; i++ {
		var err error
		if id, err = e.Upsert(ctx, baseRecord()); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	last := baseRecord()
	last.ReviewCount = "130"
	last.RatingValue = "4.20"
	last.Reviews = []model.ReviewEntry{{Content: "Changed my mind", ReviewerName: "carol"}}
	last.Percentages = nil
	last.AddPercentage("possession", "have it", "55.5")
	last.Stats = nil
	if _, err := e.Upsert(ctx, last); err != nil {
		t.Fatalf("last upsert: %v", err)
	}

	if n := countRows(t, db, &model.PerfumeVote{}, "perfume_id = ?", id); n != 1 {
		t.Fatalf("expected 1 vote row, got %d", n)
	}
	var vote model.PerfumeVote
	if err := db.Where("perfume_id = ?", id).Take(&vote).Error; err != nil {
		t.Fatalf("load vote: %v", err)
	}
	if vote.ReviewCount != 130 || vote.RatingCount != 4500 || vote.RatingValue < 4.19 || vote.RatingValue > 4.21 {
		t.Fatalf("unexpected vote %+v", vote)
	}

	var reviews []model.Review
	if err := db.Where("perfume_id = ?", id).Find(&reviews).Error; err != nil {
		t.Fatalf("load reviews: %v", err)
	}
	if len(reviews) != 1 || reviews[0].Content != "Changed my mind" {
		t.Fatalf("unexpected reviews %+v", reviews)
	}
	if reviews[0].ReviewDate != nil {
		t.Fatalf("missing date must be null")
	}

	var pcts []model.PerfumePercentage
	if err := db.Where("perfume_id = ?", id).Find(&pcts).Error; err != nil {
		t.Fatalf("load percentages: %v", err)
	}
	if len(pcts) != 1 || pcts[0].Category != "possession" || pcts[0].Value != 55.5 {
		t.Fatalf("unexpected percentages %+v", pcts)
	}
	if n := countRows(t, db, &model.PerfumeStat{}, "perfume_id = ?", id); n != 0 {
		t.Fatalf("expected stats cleared, got %d", n)
	}
}

func TestEngine_AccordLinksAreAdditive(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Upsert(ctx, baseRecord())
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := baseRecord()
	second.Reviews = nil
	second.Accords = []model.AccordShare{
		{Name: "woody", Strength: floatPtr(60.0)},
		{Name: "citrus", Strength: floatPtr(20.0)},
	}
	if _, err := e.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if n := countRows(t, db, &model.Review{}, "perfume_id = ?", id); n != 0 {
		t.Fatalf("expected 0 reviews, got %d", n)
	}
	strengths := accordStrengths(t, db, id)
	if len(strengths) != 2 {
		t.Fatalf("expected 2 accord links, got %v", strengths)
	}
	// 关联只增不减：已有的 woody 保留首次写入的强度
	if strengths["woody"] != 45.0 || strengths["citrus"] != 20.0 {
		t.Fatalf("unexpected strengths %v", strengths)
	}
}

func TestEngine_ReplaceLinksOption(t *testing.T) {
	e, db := newTestEngine(t, WithLinkReplace(true))
	ctx := context.Background()

	id, err := e.Upsert(ctx, baseRecord())
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := baseRecord()
	second.Accords = []model.AccordShare{
		{Name: "woody", Strength: floatPtr(60.0)},
		{Name: "citrus", Strength: floatPtr(20.0)},
	}
	second.Pyramid = []model.NoteTier{{Level: "top", Notes: []string{"Lemon"}}}
	if _, err := e.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	strengths := accordStrengths(t, db, id)
	if strengths["woody"] != 60.0 || strengths["citrus"] != 20.0 || len(strengths) != 2 {
		t.Fatalf("unexpected strengths %v", strengths)
	}
	if n := countRows(t, db, &model.PerfumeNote{}, "perfume_id = ?", id); n != 1 {
		t.Fatalf("expected note links replaced, got %d", n)
	}
}

func accordStrengths(t *testing.T, db *gorm.DB, perfumeID uint) map[string]float64 {
	t.Helper()
	var links []model.PerfumeAccord
	if err := db.Preload("Accord").Where("perfume_id = ?", perfumeID).Find(&links).Error; err != nil {
		t.Fatalf("load accords: %v", err)
	}
	out := make(map[string]float64, len(links))
	for _, l := range links {
		if l.Accord == nil || l.Strength == nil {
			t.Fatalf("incomplete link %+v", l)
		}
		out[l.Accord.Name] = *l.Strength
	}
	return out
}

func TestEngine_CoercionFailuresAreNotFatal(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	rec := baseRecord()
	rec.ReviewCount = "many"
	rec.RatingCount = ""
	rec.RatingValue = "n/a"
	rec.Percentages = nil
	rec.AddPercentage("possession", "have it", "n/a")
	rec.AddPercentage("possession", "want it", "12%")
	rec.Stats = nil
	rec.AddStat("sillage", "soft", "12.5")
	rec.AddStat("sillage", "strong", "80")
	rec.Reviews = []model.ReviewEntry{{Content: "   "}, {Content: ""}, {Content: "kept", Date: "yesterday"}}

	id, err := e.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var vote model.PerfumeVote
	if err := db.Where("perfume_id = ?", id).Take(&vote).Error; err != nil {
		t.Fatalf("load vote: %v", err)
	}
	if vote.ReviewCount != 0 || vote.RatingCount != 0 || vote.RatingValue != 0 {
		t.Fatalf("expected zeroed vote, got %+v", vote)
	}
	if n := countRows(t, db, &model.PerfumePercentage{}, "perfume_id = ?", id); n != 1 {
		t.Fatalf("expected 1 percentage row, got %d", n)
	}
	if n := countRows(t, db, &model.PerfumeStat{}, "perfume_id = ? AND label = ?", id, "strong"); n != 1 {
		t.Fatalf("expected valid stat row, got %d", n)
	}
	if n := countRows(t, db, &model.PerfumeStat{}, "perfume_id = ?", id); n != 1 {
		t.Fatalf("expected invalid stat skipped, got %d rows", n)
	}
	if n := countRows(t, db, &model.Review{}, "perfume_id = ?", id); n != 1 {
		t.Fatalf("expected empty reviews dropped, got %d rows", n)
	}
}

func TestEngine_NoteTiers(t *testing.T) {
	tests := []struct {
		name    string
		pyramid []model.NoteTier
		linear  []string
		want    map[string]int64
	}{
		{
			name:    "pyramid wins over linear",
			pyramid: []model.NoteTier{{Level: "top", Notes: []string{"Bergamot"}}, {Level: "middle", Notes: []string{"Bergamot", "Lavender"}}},
			linear:  []string{"Vanilla"},
			want:    map[string]int64{"top": 1, "middle": 2, LinearLevel: 0},
		},
		{
			name:   "linear only",
			linear: []string{"Vanilla", "Musk", ""},
			want:   map[string]int64{LinearLevel: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, db := newTestEngine(t)
			rec := baseRecord()
			rec.Pyramid = tt.pyramid
			rec.LinearNotes = tt.linear
			id, err := e.Upsert(context.Background(), rec)
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			for level, want := range tt.want {
				if got := countRows(t, db, &model.PerfumeNote{}, "perfume_id = ? AND level = ?", id, level); got != want {
					t.Fatalf("level %s: got %d links, want %d", level, got, want)
				}
			}
		})
	}
}

func TestEngine_RejectsRecordWithoutURL(t *testing.T) {
	e, db := newTestEngine(t)
	rec := baseRecord()
	rec.URL = "  "
	if _, err := e.Upsert(context.Background(), rec); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("expected ErrEmptyURL, got %v", err)
	}
	if n := countRows(t, db, &model.Perfume{}); n != 0 {
		t.Fatalf("expected no perfume rows, got %d", n)
	}
}

func TestEngine_ChildRowsCascadeWithPerfume(t *testing.T) {
	e, db := newTestEngine(t)
	id, err := e.Upsert(context.Background(), baseRecord())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.Delete(&model.Perfume{}, id).Error; err != nil {
		t.Fatalf("delete perfume: %v", err)
	}
	for _, m := range []any{&model.PerfumeVote{}, &model.Review{}, &model.PerfumeAccord{}, &model.PerfumeNote{}, &model.PerfumePercentage{}} {
		if n := countRows(t, db, m, "perfume_id = ?", id); n != 0 {
			t.Fatalf("%T rows not cascaded: %d", m, n)
		}
	}
}
