// Package domain contains the billing entities: accounts, priced actions,
// and the immutable transaction ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Account is a billable entity. An account with a parent is a sub-account:
// all its debits route to the parent ("team") balance.
type Account struct {
	ID          snowflake.ID     `gorm:"primaryKey" json:"id"`
	Email       string           `gorm:"type:text;not null;uniqueIndex" json:"email"`
	DisplayName string           `gorm:"type:text;not null" json:"display_name"`
	Balance     decimal.Decimal  `gorm:"type:numeric(20,8);not null" json:"balance"`
	ParentID    *snowflake.ID    `gorm:"index" json:"parent_id,omitempty"`
	CreditLimit *decimal.Decimal `gorm:"type:numeric(20,8)" json:"credit_limit,omitempty"`
	TTSVoice    string           `gorm:"type:text;default:'alloy'" json:"tts_voice"`
	CreatedAt   time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// BilledAccountID resolves the team-rollup rule: debits charge the parent
// when one exists, the account itself otherwise.
func (a Account) BilledAccountID() snowflake.ID {
	if a.ParentID != nil {
		return *a.ParentID
	}
	return a.ID
}

// ServiceCost is the single source of truth for the price of one billable
// action. An unconfigured key is a configuration error, never a free action.
type ServiceCost struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	ServiceKey  string          `gorm:"type:text;not null;uniqueIndex" json:"service_key"`
	DisplayName string          `gorm:"type:text;not null" json:"display_name"`
	Description string          `gorm:"type:text" json:"description,omitempty"`
	Price       decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"price"`
	Unit        string          `gorm:"type:text;not null" json:"unit"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ServiceCost) TableName() string { return "service_costs" }

// Units of measure for service costs.
const (
	UnitPerAction    = "per_action"
	UnitPerWord      = "per_word"
	UnitPerSecond    = "per_second"
	UnitPerCharacter = "per_character"
	UnitPerMB        = "per_mb"
	UnitPerImage     = "per_image"
)

// Well-known service keys.
const (
	KeyChatInput           = "ai.chat.input"
	KeyChatOutput          = "ai.chat.output"
	KeyTranscriptionSecond = "ai.transcription.second"
	KeyImageGeneration     = "ai.image.generation"
	KeyTTSCharacter        = "ai.tts.character"
	KeyVideoScene          = "ai.video.scene"
)

// TransactionLog is one immutable debit record. AccountID is the acting
// user; BilledAccountID is the account whose balance was decremented.
// Reference is caller-supplied and unique: redelivered work units carry the
// same reference, so a second debit attempt hits the index instead of the
// balance.
type TransactionLog struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID       snowflake.ID    `gorm:"not null;index" json:"account_id"`
	BilledAccountID snowflake.ID    `gorm:"not null;index" json:"billed_account_id"`
	ServiceCostID   snowflake.ID    `gorm:"not null;index" json:"service_cost_id"`
	Reference       string          `gorm:"uniqueIndex;not null" json:"reference"`
	Quantity        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"quantity"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (TransactionLog) TableName() string { return "transaction_logs" }
