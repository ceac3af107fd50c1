// Package seed bootstraps the rows the engine cannot run without: the
// service price list and, in development, a root account to bill against.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/wisdar/engine/internal/config"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/ratelimit"
	pkgdb "github.com/wisdar/engine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRootEmail   = "root@wisdar.local"
	defaultRootDisplay = "Root"
	seedLockKey        = "seed:defaults"
	seedLockTTL        = 30 * time.Second
)

// defaultBalance is the starting credit grant for the dev root account.
var defaultBalance = decimal.NewFromInt(10000)

type defaultCost struct {
	key     string
	display string
	price   string
	unit    string
}

var defaultCosts = []defaultCost{
	{creditdomain.KeyChatInput, "Chat input (per word)", "0.1", creditdomain.UnitPerWord},
	{creditdomain.KeyChatOutput, "Chat output (per word)", "0.2", creditdomain.UnitPerWord},
	{creditdomain.KeyTranscriptionSecond, "Transcription (per second)", "0.5", creditdomain.UnitPerSecond},
	{creditdomain.KeyImageGeneration, "Image generation", "50", creditdomain.UnitPerImage},
	{creditdomain.KeyTTSCharacter, "Speech synthesis (per character)", "0.05", creditdomain.UnitPerCharacter},
	{creditdomain.KeyVideoScene, "Video scene", "100", creditdomain.UnitPerAction},
}

// EnsureDefaults seeds the service cost table, plus the root account when
// running in development. Existing rows are left untouched, so operators
// can reprice services without fighting the seeder.
func EnsureDefaults(db *gorm.DB, cfg config.Config) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureServiceCosts(ctx, tx, node); err != nil {
			return err
		}
		if cfg.Environment == "development" {
			return ensureRootAccount(ctx, tx, node)
		}
		return nil
	})
}

func ensureServiceCosts(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	for _, c := range defaultCosts {
		var existing creditdomain.ServiceCost
		err := tx.WithContext(ctx).
			Where("service_key = ?", c.key).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		price, err := decimal.NewFromString(c.price)
		if err != nil {
			return err
		}
		cost := creditdomain.ServiceCost{
			ID:          node.Generate(),
			ServiceKey:  c.key,
			DisplayName: c.display,
			Price:       price,
			Unit:        c.unit,
		}
		if err := tx.WithContext(ctx).Create(&cost).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureRootAccount(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	var existing creditdomain.Account
	err := tx.WithContext(ctx).
		Where("email = ?", defaultRootEmail).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	account := creditdomain.Account{
		ID:          node.Generate(),
		Email:       defaultRootEmail,
		DisplayName: defaultRootDisplay,
		Balance:     defaultBalance,
	}
	err = tx.WithContext(ctx).Create(&account).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		// another replica won the race without holding the lock
		return nil
	}
	return err
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Cfg    config.Config
	Log    *zap.Logger
	Locker *ratelimit.Locker `optional:"true"`
}

// Run executes the seeder once at startup, serialized across replicas by a
// redis lock when one is configured.
func Run(p Params) error {
	ctx := context.Background()
	token, ok, err := p.Locker.TryLock(ctx, seedLockKey, seedLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		p.Log.Info("seed skipped, another replica holds the lock")
		return nil
	}
	defer func() {
		if err := p.Locker.Release(ctx, seedLockKey, token); err != nil {
			p.Log.Warn("seed lock release failed", zap.Error(err))
		}
	}()
	return EnsureDefaults(p.DB, p.Cfg)
}

var Module = fx.Module("seed",
	fx.Invoke(Run),
)
