// Package testutil은 패키지 테스트가 함께 쓰는 헬퍼를 모아둔다.
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jeongdaeha/cycler-harvester/internal/config"
	"github.com/jeongdaeha/cycler-harvester/internal/database"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB는 테스트 전용으로 마이그레이션된 인메모리 SQLite를 연다.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg := &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	}

	db, err := database.NewDB(cfg, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.MigrateDB(db))

	t.Cleanup(func() {
		_ = database.CloseDB(db)
	})

	return db
}

func NewStore(t *testing.T) *database.Store {
	t.Helper()
	return database.NewStore(NewDB(t))
}
