// Package storagetest opens throwaway in-memory stores for tests.
package storagetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"paper-pulse/storage"
)

var seq atomic.Int64

// New returns a migrated store backed by a private in-memory SQLite database
// that lives as long as the test.
func New(t testing.TB) *storage.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, seq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// One connection serializes writers the way a single database would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return storage.New(db)
}
