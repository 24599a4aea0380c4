package catalog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/AliAkbar852/ScentSymphony/internal/config"
	"github.com/AliAkbar852/ScentSymphony/internal/model"

	"gorm.io/gorm"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "catalog.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := Open(config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		DSN:          dsn,
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	}, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func countRows(t *testing.T, db *gorm.DB, m any, where ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(m)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", m, err)
	}
	return n
}

func TestResolver_ReturnsStableID(t *testing.T) {
	db := newTestDB(t)
	r := NewResolver(db, newTestLogger())
	ctx := context.Background()

	first, err := r.Note(ctx, "Bergamot")
	if err != nil {
		t.Fatalf("first note: %v", err)
	}
	second, err := r.Note(ctx, " Bergamot ")
	if err != nil {
		t.Fatalf("second note: %v", err)
	}
	if first != second {
		t.Fatalf("expected same id, got %d and %d", first, second)
	}
	if n := countRows(t, db, &model.Note{}); n != 1 {
		t.Fatalf("expected 1 note row, got %d", n)
	}
}

func TestResolver_ConcurrentCreateNoDuplicates(t *testing.T) {
	db := newTestDB(t)
	r := NewResolver(db, newTestLogger())
	ctx := context.Background()

	const workers = 8
	ids := make([]uint, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.Accord(ctx, "woody")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got id %d, want %d", i, ids[i], ids[0])
		}
	}
	if n := countRows(t, db, &model.Accord{}); n != 1 {
		t.Fatalf("expected 1 accord row, got %d", n)
	}
}

func TestResolver_InsertConflictFallsBackToRead(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	existing := model.Country{Name: "France", BrandCount: 120}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	// 跳过预先查询，模拟并发写入者在查询与插入之间抢先插入
	id, err := createOrFind(ctx, db, "France",
		func() *model.Country { return &model.Country{Name: "France", BrandCount: 1} },
		func(c *model.Country) uint { return c.ID })
	if err != nil {
		t.Fatalf("createOrFind: %v", err)
	}
	if id != existing.ID {
		t.Fatalf("expected existing id %d, got %d", existing.ID, id)
	}

	var got model.Country
	if err := db.First(&got, existing.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.BrandCount != 120 {
		t.Fatalf("existing country must not be updated, brand_count=%d", got.BrandCount)
	}
}

func TestResolver_EmptyName(t *testing.T) {
	r := NewResolver(newTestDB(t), newTestLogger())
	if _, err := r.Note(context.Background(), "   "); err != ErrEmptyName {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(nil) {
		t.Fatalf("nil must not be a violation")
	}
	if !isUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("gorm.ErrDuplicatedKey must be a violation")
	}
	if isUniqueViolation(gorm.ErrRecordNotFound) {
		t.Fatalf("ErrRecordNotFound must not be a violation")
	}
}
