package store

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Ping checks connectivity with a round trip to the database.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// MissingTables lists expected tables that are absent from the schema.
func (s *GormStore) MissingTables(ctx context.Context) []string {
	migrator := s.db.WithContext(ctx).Migrator()
	var missing []string
	for _, model := range allModels() {
		if !migrator.HasTable(model) {
			if t, ok := model.(schema.Tabler); ok {
				missing = append(missing, t.TableName())
			}
		}
	}
	return missing
}

// ProbeWrite inserts and deletes a scratch battery row in one transaction.
func (s *GormStore) ProbeWrite(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		probe := BatteryModel{Name: name}
		if err := tx.Create(&probe).Error; err != nil {
			return fmt.Errorf("insert probe row: %w", err)
		}
		res := tx.Delete(&BatteryModel{}, probe.ID)
		if res.Error != nil {
			return fmt.Errorf("delete probe row: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("delete probe row: %d rows affected", res.RowsAffected)
		}
		return nil
	})
}

// PoolStats reports database/sql connection pool statistics.
func (s *GormStore) PoolStats() (sql.DBStats, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return sql.DBStats{}, err
	}
	return sqlDB.Stats(), nil
}

// CountBatteries is used by tests and diagnostics to confirm probes leave no rows.
func (s *GormStore) CountBatteries(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&BatteryModel{}).Count(&n).Error
	return n, err
}
