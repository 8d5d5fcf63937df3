package experiment

import (
	"fmt"

	"gorm.io/gorm"
)

// InitDatabase 初始化实验引擎的数据库计划
// 支持: PostgreSQL, MySQL, SQLite
func InitDatabase(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Test{},
		&Assignment{},
		&Conversion{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}

	return nil
}
