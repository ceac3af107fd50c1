package tenantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type accountKey struct{}

// WithAccountID annotates the context with the acting account.
func WithAccountID(ctx context.Context, id snowflake.ID) context.Context {
	return context.WithValue(ctx, accountKey{}, id)
}

// AccountID fetches the acting account from the context.
func AccountID(ctx context.Context) (snowflake.ID, bool) {
	id, ok := ctx.Value(accountKey{}).(snowflake.ID)
	return id, ok
}
