package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/wisdar/engine/internal/clock"
	"github.com/wisdar/engine/internal/config"
	"github.com/wisdar/engine/internal/conversation"
	"github.com/wisdar/engine/internal/credit"
	"github.com/wisdar/engine/internal/jobs"
	"github.com/wisdar/engine/internal/media"
	"github.com/wisdar/engine/internal/migration"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/observability/metrics"
	"github.com/wisdar/engine/internal/provider"
	"github.com/wisdar/engine/pkg/db"
	"github.com/wisdar/engine/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		notify.Module,
		metrics.Module,

		migration.Module,

		credit.Module,
		conversation.Module,
		provider.Module,
		media.Module,
		jobs.Module,
		jobs.WorkerModule,
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	nodeID := int64(2)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}
