package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/AliAkbar852/ScentSymphony/internal/model"

	"github.com/PuerkitoBio/goquery"
)

const fixtureURL = "https://www.fragrantica.com/perfume/Dior/Sauvage-31861.html"

func newTestExtractor(fields ...Field) *Extractor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), fields...)
}

func loadFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/perfume.html")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func TestExtract_Fixture(t *testing.T) {
	rec, err := newTestExtractor().Extract(context.Background(), loadFixture(t), fixtureURL)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if rec.URL != fixtureURL {
		t.Fatalf("url = %q", rec.URL)
	}
	if rec.Title != "Sauvage" || rec.Subtitle != "for men" {
		t.Fatalf("title = %q subtitle = %q", rec.Title, rec.Subtitle)
	}
	if rec.BrandName != "Dior" {
		t.Fatalf("brand = %q", rec.BrandName)
	}
	if rec.ImageURL != "https://fimgs.net/mdimg/perfume/375x500.31861.jpg" {
		t.Fatalf("image = %q", rec.ImageURL)
	}
	if rec.ReviewCount != "1234" || rec.RatingCount != "15000" || rec.RatingValue != "4.12" {
		t.Fatalf("ratings = %q/%q/%q", rec.ReviewCount, rec.RatingCount, rec.RatingValue)
	}
	if rec.LaunchYear != "2015" {
		t.Fatalf("launch year = %q", rec.LaunchYear)
	}
	if rec.PerfumerName != "François Demachy" || rec.PerfumerURL != "/noses/Francois_Demachy.html" {
		t.Fatalf("perfumer = %q %q", rec.PerfumerName, rec.PerfumerURL)
	}
	if rec.Description == "" {
		t.Fatalf("expected description")
	}

	if len(rec.Accords) != 2 {
		t.Fatalf("expected 2 accords, got %+v", rec.Accords)
	}
	if rec.Accords[0].Name != "fresh spicy" || *rec.Accords[0].Strength != 100 || *rec.Accords[1].Strength != 72.5 {
		t.Fatalf("unexpected accords %+v", rec.Accords)
	}

	wantPct := map[string][]model.LabeledValue{
		"possession": {
			{Label: "i_have_it", Value: "50.12"},
			{Label: "i_had_it", Value: "20.00"},
			{Label: "i_want_it", Value: ""},
		},
		"emotional_attachment": {
			{Label: "love", Value: "61.00"},
			{Label: "like", Value: "12.00"},
		},
	}
	if len(rec.Percentages) != len(wantPct) {
		t.Fatalf("unexpected percentage categories %+v", rec.Percentages)
	}
	for category, want := range wantPct {
		got := rec.Percentages[category]
		if len(got) != len(want) {
			t.Fatalf("%s: got %+v, want %+v", category, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s[%d] = %+v, want %+v", category, i, got[i], want[i])
			}
		}
	}

	longevity := rec.Stats["longevity"]
	if len(longevity) != 2 || longevity[1].Label != "long_lasting" || longevity[1].Value != "340" {
		t.Fatalf("unexpected longevity %+v", longevity)
	}
	if _, ok := rec.Stats["sillage"]; ok {
		t.Fatalf("sillage section absent from page must not appear")
	}

	if len(rec.Pyramid) != 2 {
		t.Fatalf("expected 2 tiers, got %+v", rec.Pyramid)
	}
	if rec.Pyramid[0].Level != "top" || len(rec.Pyramid[0].Notes) != 2 || rec.Pyramid[1].Level != "base" {
		t.Fatalf("unexpected pyramid %+v", rec.Pyramid)
	}
	if len(rec.LinearNotes) != 0 {
		t.Fatalf("linear notes must be ignored when pyramid exists: %v", rec.LinearNotes)
	}

	want := []model.ReviewEntry{
		{Content: "Smells like a summer night.", ReviewerName: "alice", Date: "2021-05-03T10:00:00Z"},
		{Content: "Initial load review"},
	}
	if len(rec.Reviews) != len(want) {
		t.Fatalf("expected %d reviews, got %+v", len(want), rec.Reviews)
	}
	for i := range want {
		if rec.Reviews[i] != want[i] {
			t.Fatalf("review %d = %+v, want %+v", i, rec.Reviews[i], want[i])
		}
	}
}

func TestExtract_LinearNotesAndDefaults(t *testing.T) {
	markup := `<html><body>
<div class="notes">
  <div style="margin: 0.2rem;"><div><img></div><div>Vanilla</div></div>
  <div style="margin: 0.2rem;"><div><img></div><div>Musk</div></div>
</div>
</body></html>`

	rec, err := newTestExtractor().Extract(context.Background(), markup, fixtureURL)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(rec.LinearNotes) != 2 || rec.LinearNotes[0] != "Vanilla" {
		t.Fatalf("unexpected linear notes %v", rec.LinearNotes)
	}
	if rec.BrandName != UnknownBrand || rec.LaunchYear != "N/A" {
		t.Fatalf("expected placeholders, got brand=%q year=%q", rec.BrandName, rec.LaunchYear)
	}
	if rec.ReviewCount != "0" || rec.RatingValue != "0" {
		t.Fatalf("expected zero ratings, got %q %q", rec.ReviewCount, rec.RatingValue)
	}
}

func TestExtract_FieldFailuresAreIsolated(t *testing.T) {
	boom := errors.New("boom")
	e := newTestExtractor(
		Field{Name: "panics", Fn: func(*goquery.Document, *model.Record) error { panic("bad selector") }},
		Field{Name: "fails", Fn: func(*goquery.Document, *model.Record) error { return boom }},
		Field{Name: "title", Fn: extractTitle},
	)

	rec, outcomes, err := e.ExtractWithOutcomes(context.Background(), loadFixture(t), fixtureURL)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Err == nil || outcomes[0].Name != "panics" {
		t.Fatalf("expected panic captured, got %+v", outcomes[0])
	}
	if !errors.Is(outcomes[1].Err, boom) {
		t.Fatalf("expected boom, got %v", outcomes[1].Err)
	}
	if outcomes[2].Err != nil || rec.Title != "Sauvage" {
		t.Fatalf("title extractor must still run: %+v title=%q", outcomes[2], rec.Title)
	}
}

func TestExtract_EmptyMarkup(t *testing.T) {
	if _, err := newTestExtractor().Extract(context.Background(), "  \n", fixtureURL); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"I have it", "i_have_it"},
		{"  Very Weak ", "very_weak"},
		{"price/value", "price_value"},
		{"Été", "été"},
	}
	for _, tt := range tests {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Fatalf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := PyramidLevel("Middle Notes"); got != "middle" {
		t.Fatalf("PyramidLevel = %q", got)
	}
}
