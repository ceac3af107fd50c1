// Package migration creates the schema on startup so local and self-hosted
// deployments work out of the box, then runs the default seeder.
package migration

import (
	"errors"

	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"gorm.io/gorm"
)

// Run applies the schema for every persisted model via gorm's migrator,
// which keeps the DDL portable across the supported dialects.
func Run(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	return db.AutoMigrate(
		&creditdomain.Account{},
		&creditdomain.ServiceCost{},
		&creditdomain.TransactionLog{},
		&convdomain.Conversation{},
		&convdomain.Message{},
		&convdomain.Attachment{},
	)
}
