package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxDeductRetries bounds the optimistic balance update loop. Contention on
// a single account is rare enough that three attempts is generous.
const maxDeductRetries = 3

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Bus   notify.Bus `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	bus   notify.Bus
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("credit.service"),
		genID: p.GenID,
		bus:   p.Bus,
	}
}

func (s *Service) Cost(ctx context.Context, serviceKey string) (*creditdomain.ServiceCost, error) {
	var cost creditdomain.ServiceCost
	err := s.db.WithContext(ctx).
		Where("service_key = ?", serviceKey).
		First(&cost).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, creditdomain.ErrServiceNotConfigured
	}
	if err != nil {
		return nil, err
	}
	return &cost, nil
}

func (s *Service) Balance(ctx context.Context, actorID snowflake.ID) (decimal.Decimal, error) {
	actor, err := s.findAccount(ctx, actorID)
	if err != nil {
		return decimal.Zero, err
	}
	billed := actor
	if actor.ParentID != nil {
		billed, err = s.findAccount(ctx, *actor.ParentID)
		if err != nil {
			return decimal.Zero, err
		}
	}
	return billed.Balance, nil
}

// errAlreadyBilled flags a ledger reference that is already recorded. The
// debit transaction rolls back and Deduct reports success without touching
// the balance again.
var errAlreadyBilled = errors.New("credit: reference already billed")

func (s *Service) Deduct(ctx context.Context, actorID snowflake.ID, serviceKey string, quantity decimal.Decimal, reference string) error {
	cost, err := s.Cost(ctx, serviceKey)
	if err != nil {
		return err
	}

	amount := cost.Price.Mul(quantity)
	if amount.Sign() <= 0 {
		return nil
	}

	actor, err := s.findAccount(ctx, actorID)
	if err != nil {
		return err
	}
	billedID := actor.BilledAccountID()

	var newBalance decimal.Decimal
	for attempt := 0; ; attempt++ {
		billed, err := s.findAccount(ctx, billedID)
		if err != nil {
			return err
		}
		if billed.Balance.LessThan(amount) {
			return creditdomain.ErrInsufficientCredits
		}
		newBalance = billed.Balance.Sub(amount)

		applied, err := s.applyDebit(ctx, actor.ID, billed, amount, quantity, newBalance, cost.ID, reference)
		if errors.Is(err, errAlreadyBilled) {
			return nil
		}
		if err != nil {
			return err
		}
		if applied {
			break
		}
		if attempt+1 >= maxDeductRetries {
			return errors.New("credit: balance update contention, giving up")
		}
	}

	s.publishBalance(ctx, billedID, actor.ID, newBalance)
	return nil
}

// applyDebit decrements the balance and writes the ledger row in one
// transaction. The balance update is guarded by the previously read value;
// a concurrent debit makes it match zero rows, in which case the caller
// re-reads and retries. A duplicate reference fails the ledger insert,
// rolling back the balance update, and surfaces as errAlreadyBilled.
func (s *Service) applyDebit(
	ctx context.Context,
	actorID snowflake.ID,
	billed *creditdomain.Account,
	amount, quantity, newBalance decimal.Decimal,
	costID snowflake.ID,
	reference string,
) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Exec(
			`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ? AND balance = ?`,
			newBalance, now, billed.ID, billed.Balance,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true

		return tx.Create(&creditdomain.TransactionLog{
			ID:              s.genID.Generate(),
			AccountID:       actorID,
			BilledAccountID: billed.ID,
			ServiceCostID:   costID,
			Reference:       reference,
			Quantity:        quantity,
			Amount:          amount,
			CreatedAt:       now,
		}).Error
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		return false, errAlreadyBilled
	}
	return applied, err
}

func (s *Service) findAccount(ctx context.Context, id snowflake.ID) (*creditdomain.Account, error) {
	var account creditdomain.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, creditdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// publishBalance notifies the billed account and, when different, the acting
// sub-account of the new balance. Delivery is best effort.
func (s *Service) publishBalance(ctx context.Context, billedID, actorID snowflake.ID, balance decimal.Decimal) {
	if s.bus == nil {
		return
	}
	payload := notify.CreditsUpdatePayload{
		AccountID: billedID,
		Balance:   balance.String(),
	}
	s.bus.Publish(ctx, billedID, notify.EventCreditsUpdate, payload)
	if actorID != billedID {
		s.bus.Publish(ctx, actorID, notify.EventCreditsUpdate, payload)
	}
}
