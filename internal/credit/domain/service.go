package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Service is the credit ledger. All metered operations call Deduct before
// (or, for output-metered streams, after) performing billable work.
type Service interface {
	// Deduct charges actorID for quantity units of serviceKey. Debits of a
	// sub-account land on the parent balance. A computed amount of zero or
	// less is a successful no-op: no balance change, no ledger row.
	// Reference identifies the work unit being billed; a reference that is
	// already in the ledger makes Deduct a successful no-op, so redelivered
	// tasks never bill twice.
	Deduct(ctx context.Context, actorID snowflake.ID, serviceKey string, quantity decimal.Decimal, reference string) error

	// Balance returns the current balance of the account that would be
	// billed for actorID, i.e. the parent for sub-accounts.
	Balance(ctx context.Context, actorID snowflake.ID) (decimal.Decimal, error)

	// Cost returns the configured price entry for serviceKey.
	Cost(ctx context.Context, serviceKey string) (*ServiceCost, error)
}
