package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/catalog"
	"github.com/AliAkbar852/ScentSymphony/internal/config"
	"github.com/AliAkbar852/ScentSymphony/internal/crawler"
	"github.com/AliAkbar852/ScentSymphony/internal/scheduler"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type stubProgress struct {
	stats    scheduler.Progress
	failures []scheduler.Failure
}

func (s stubProgress) Stats() scheduler.Progress { return s.stats }
func (s stubProgress) Failures() []scheduler.Failure { return s.failures }

type stubFetch struct{ stats crawler.CrawlerStats }

func (s stubFetch) Stats() crawler.CrawlerStats { return s.stats }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := catalog.Open(config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "ops.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	}, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	tests := []struct {
		name       string
		db         bool
		opts       []Option
		wantStatus int
		wantRedis  string
	}{
		{"db_ok_redis_disabled", true, nil, http.StatusOK, "disabled"},
		{"db_ok_redis_ok", true, []Option{WithRedis(rdb)}, http.StatusOK, "ok"},
		{"no_db", false, nil, http.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var db *gorm.DB
			if tt.db {
				db = openTestDB(t)
			}
			srv := NewServer(":0", testLogger(), db, stubProgress{}, tt.opts...)
			rec := doGet(t, srv.Router(), "/healthz")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantRedis == "" {
				return
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["redis"] != tt.wantRedis {
				t.Fatalf("redis = %q, want %q", body["redis"], tt.wantRedis)
			}
		})
	}
}

func TestHealthz_RedisDownStillHealthy(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	srv := NewServer(":0", testLogger(), openTestDB(t), stubProgress{}, WithRedis(rdb))
	rec := doGet(t, srv.Router(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"redis":"unreachable"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestProgress(t *testing.T) {
	started := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	progress := stubProgress{stats: scheduler.Progress{
		Running:   true,
		StartedAt: started,
		Batches:   4,
		Succeeded: 2,
		Backlog:   7,
	}}

	t.Run("scheduler_only", func(t *testing.T) {
		srv := NewServer(":0", testLogger(), nil, progress)
		rec := doGet(t, srv.Router(), "/progress")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp progressResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.Scheduler.Running || resp.Scheduler.Batches != 4 || resp.Scheduler.Backlog != 7 {
			t.Fatalf("unexpected scheduler stats %+v", resp.Scheduler)
		}
		if !resp.Scheduler.StartedAt.Equal(started) {
			t.Fatalf("started_at = %v", resp.Scheduler.StartedAt)
		}
		if resp.Crawler != nil {
			t.Fatalf("expected no crawler stats, got %+v", resp.Crawler)
		}
	})

	t.Run("with_crawler", func(t *testing.T) {
		fetch := stubFetch{stats: crawler.CrawlerStats{TotalFetched: 9, TotalBlocked: 1}}
		srv := NewServer(":0", testLogger(), nil, progress, WithFetchStats(fetch))
		rec := doGet(t, srv.Router(), "/progress")
		var resp progressResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Crawler == nil || resp.Crawler.TotalFetched != 9 || resp.Crawler.TotalBlocked != 1 {
			t.Fatalf("unexpected crawler stats %+v", resp.Crawler)
		}
	})

	t.Run("no_scheduler", func(t *testing.T) {
		srv := NewServer(":0", testLogger(), nil, nil)
		if rec := doGet(t, srv.Router(), "/progress"); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name      string
		failures  []scheduler.Failure
		wantCount int
	}{
		{"empty", nil, 0},
		{"one", []scheduler.Failure{{URL: "https://example.test/b.html", Reason: "fetch failure", Attempts: 4}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(":0", testLogger(), nil, stubProgress{failures: tt.failures})
			rec := doGet(t, srv.Router(), "/failures")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var resp struct {
				Failures []scheduler.Failure `json:"failures"`
				Count    int                 `json:"count"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Count != tt.wantCount || len(resp.Failures) != tt.wantCount {
				t.Fatalf("count = %d, failures = %v", resp.Count, resp.Failures)
			}
			if !strings.Contains(rec.Body.String(), `"failures":[`) {
				t.Fatalf("failures should encode as an array: %s", rec.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(":0", testLogger(), nil, stubProgress{})
	rec := doGet(t, srv.Router(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("expected default go collector output")
	}
}
