package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindEarn   Kind = "earn"
	KindSpend  Kind = "spend"
	KindExpire Kind = "expire"
	KindAdjust Kind = "adjust"
)

// Valid reports whether k is one of the known transaction kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEarn, KindSpend, KindExpire, KindAdjust:
		return true
	}
	return false
}

// Account is the materialized view of a customer's ledger.
// Balance always equals the sum of Delta over the account's transactions.
type Account struct {
	CustomerID     string    `json:"customer_id"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is one immutable ledger entry. Delta is signed: credits are
// positive, debits negative.
type Transaction struct {
	ID                  int64      `json:"id"`
	AccountID           string     `json:"account_id"`
	Kind                Kind       `json:"kind"`
	Delta               int64      `json:"delta"`
	Description         string     `json:"description"`
	RelatedRedemptionID *uuid.UUID `json:"related_redemption_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Amount is the unsigned magnitude of the transaction.
func (t Transaction) Amount() int64 {
	if t.Delta < 0 {
		return -t.Delta
	}
	return t.Delta
}

// MarshalJSON adds the derived amount to the wire form.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	return json.Marshal(struct {
		alias
		Amount int64 `json:"amount"`
	}{alias(t), t.Amount()})
}

// Page selects a window of transaction history, newest first.
// BeforeID is exclusive; zero starts from the newest entry.
type Page struct {
	Limit    int   `json:"limit"`
	BeforeID int64 `json:"before_id,omitempty"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps the page size into the accepted range.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// OrderContext describes the order a reward is being applied to.
type OrderContext struct {
	OrderRef    string          `json:"order_ref,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
}

// RedemptionStatus is the lifecycle state of a redemption code.
type RedemptionStatus string

const (
	RedemptionActive  RedemptionStatus = "active"
	RedemptionUsed    RedemptionStatus = "used"
	RedemptionExpired RedemptionStatus = "expired"
)

// Redemption is a minted reward code paid for by exactly one spend transaction.
type Redemption struct {
	ID                 uuid.UUID        `json:"id"`
	AccountID          string           `json:"account_id"`
	RewardID           int64            `json:"reward_id"`
	PointsSpent        int64            `json:"points_spent"`
	Code               string           `json:"code"`
	Status             RedemptionStatus `json:"status"`
	Terms              RewardTerms      `json:"terms"`
	SpendTransactionID int64            `json:"spend_transaction_id"`
	OrderRef           string           `json:"order_ref,omitempty"`
	DiscountApplied    *decimal.Decimal `json:"discount_applied,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ExpiresAt          time.Time        `json:"expires_at"`
	UsedAt             *time.Time       `json:"used_at,omitempty"`
}

// Terminal reports whether no further transition is possible.
func (r *Redemption) Terminal() bool {
	return r.Status == RedemptionUsed || r.Status == RedemptionExpired
}

// IdempotencyRecord is the stored outcome of a keyed request.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      string
	Response    json.RawMessage
}

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)

// Settings holds the engine tunables. Values are replaced as a whole.
type Settings struct {
	PointValue             decimal.Decimal `json:"point_value"`
	MinPointsRedeem        int64           `json:"min_points_redeem"`
	PointsExpiryDays       int             `json:"points_expiry_days"`
	PointsPerCurrency      decimal.Decimal `json:"points_per_currency"`
	MinOrderPoints         decimal.Decimal `json:"min_order_points"`
	RedemptionValidityDays int             `json:"redemption_validity_days"`
}

// SettingsRecord is the persisted settings row. Tiers holds the JSON tier
// table and stays nil until a table is saved, in which case the configured
// table applies. Version guards every write.
type SettingsRecord struct {
	Values  Settings
	Tiers   []byte
	Version int64
}

// DefaultSettings is used when no settings have been persisted yet.
func DefaultSettings() Settings {
	return Settings{
		PointValue:             decimal.RequireFromString("0.01"),
		MinPointsRedeem:        0,
		PointsExpiryDays:       365,
		PointsPerCurrency:      decimal.NewFromInt(1),
		MinOrderPoints:         decimal.Zero,
		RedemptionValidityDays: 30,
	}
}

// Validate checks ranges for every tunable.
func (s Settings) Validate() error {
	switch {
	case !s.PointValue.IsPositive():
		return Invalid("point_value", "must be positive")
	case s.MinPointsRedeem < 0:
		return Invalid("min_points_redeem", "must not be negative")
	case s.PointsExpiryDays < 0:
		return Invalid("points_expiry_days", "must not be negative")
	case !s.PointsPerCurrency.IsPositive():
		return Invalid("points_per_currency", "must be positive")
	case s.MinOrderPoints.IsNegative():
		return Invalid("min_order_points", "must not be negative")
	case s.RedemptionValidityDays <= 0:
		return Invalid("redemption_validity_days", "must be positive")
	}
	return nil
}

// ExpiryCutoff returns the instant at or before which credits are aged out.
// ok is false when expiry is disabled.
func (s Settings) ExpiryCutoff(now time.Time) (cutoff time.Time, ok bool) {
	if s.PointsExpiryDays == 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -s.PointsExpiryDays), true
}
