package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(func(conn *gorm.DB) error {
		return Run(conn)
	}),
)
