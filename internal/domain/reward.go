package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RewardType selects the variant of a reward. Discount variants carry a
// Discount payload; free_delivery and gift carry none.
type RewardType string

const (
	RewardFreeDelivery     RewardType = "free_delivery"
	RewardOrderDiscount    RewardType = "order_discount"
	RewardDeliveryDiscount RewardType = "delivery_discount"
	RewardProductDiscount  RewardType = "product_discount"
	RewardGift             RewardType = "gift"
)

func (t RewardType) valid() bool {
	switch t {
	case RewardFreeDelivery, RewardOrderDiscount, RewardDeliveryDiscount, RewardProductDiscount, RewardGift:
		return true
	}
	return false
}

// CarriesDiscount reports whether the variant requires a Discount payload.
func (t RewardType) CarriesDiscount() bool {
	switch t {
	case RewardOrderDiscount, RewardDeliveryDiscount, RewardProductDiscount:
		return true
	}
	return false
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

var hundred = decimal.NewFromInt(100)

// Discount is the payload of the discount variants.
type Discount struct {
	Type        DiscountType     `json:"type"`
	Value       decimal.Decimal  `json:"value"`
	MaxDiscount *decimal.Decimal `json:"max_discount,omitempty"`
}

func (d *Discount) validate() error {
	switch d.Type {
	case DiscountPercentage:
		if !d.Value.IsPositive() || d.Value.GreaterThan(hundred) {
			return Invalid("discount.value", "percentage must be in (0, 100]")
		}
	case DiscountFixed:
		if !d.Value.IsPositive() {
			return Invalid("discount.value", "fixed discount must be positive")
		}
	default:
		return Invalid("discount.type", "must be percentage or fixed")
	}
	if d.MaxDiscount != nil && !d.MaxDiscount.IsPositive() {
		return Invalid("discount.max_discount", "must be positive when set")
	}
	return nil
}

type RewardStatus string

const (
	RewardActive   RewardStatus = "active"
	RewardInactive RewardStatus = "inactive"
)

// RewardSpec is the administrator-supplied definition of a reward.
type RewardSpec struct {
	Name           string          `json:"name"`
	PointsCost     int64           `json:"points_cost"`
	Type           RewardType      `json:"reward_type"`
	Discount       *Discount       `json:"discount,omitempty"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
	UsageLimit     *int64          `json:"usage_limit,omitempty"`
	ValidFrom      time.Time       `json:"valid_from"`
	ValidUntil     time.Time       `json:"valid_until"`
	Status         RewardStatus    `json:"status"`
}

// Validate checks every field, including the variant payload.
func (s *RewardSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return Invalid("name", "required")
	}
	if s.PointsCost <= 0 {
		return Invalid("points_cost", "must be positive")
	}
	if !s.Type.valid() {
		return Invalid("reward_type", "unknown reward type "+string(s.Type))
	}
	if s.Type.CarriesDiscount() {
		if s.Discount == nil {
			return Invalid("discount", "required for "+string(s.Type))
		}
		if err := s.Discount.validate(); err != nil {
			return err
		}
	} else if s.Discount != nil {
		return Invalid("discount", "not allowed for "+string(s.Type))
	}
	if s.MinOrderAmount.IsNegative() {
		return Invalid("min_order_amount", "must not be negative")
	}
	if s.UsageLimit != nil && *s.UsageLimit <= 0 {
		return Invalid("usage_limit", "must be positive when set")
	}
	if s.ValidFrom.IsZero() || s.ValidUntil.IsZero() {
		return Invalid("validity_window", "start and end are required")
	}
	if s.ValidUntil.Before(s.ValidFrom) {
		return Invalid("validity_window", "end before start")
	}
	switch s.Status {
	case RewardActive, RewardInactive:
	default:
		return Invalid("status", "must be active or inactive")
	}
	return nil
}

// Reward is a catalog entry. UsedCount never exceeds UsageLimit when set.
type Reward struct {
	ID int64 `json:"id"`
	RewardSpec
	UsedCount int64     `json:"used_count"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Availability returns nil when the reward can be redeemed at now.
func (r *Reward) Availability(now time.Time) error {
	if r.Status != RewardActive {
		return ErrRewardInactive
	}
	if now.Before(r.ValidFrom) || now.After(r.ValidUntil) {
		return ErrRewardOutOfWindow
	}
	return nil
}

// Exhausted reports whether the usage cap has been reached.
func (r *Reward) Exhausted() bool {
	return r.UsageLimit != nil && r.UsedCount >= *r.UsageLimit
}

// Terms snapshots what a redemption of this reward grants.
func (r *Reward) Terms() RewardTerms {
	t := RewardTerms{
		Name:           r.Name,
		Type:           r.Type,
		MinOrderAmount: r.MinOrderAmount,
	}
	if r.Discount != nil {
		d := *r.Discount
		t.Discount = &d
	}
	return t
}

// RewardFilter narrows ListRewards. Zero values match everything.
type RewardFilter struct {
	Status      RewardStatus `json:"status,omitempty"`
	Type        RewardType   `json:"reward_type,omitempty"`
	AvailableAt *time.Time   `json:"available_at,omitempty"`
}

// Match applies the filter to a single reward.
func (f RewardFilter) Match(r *Reward) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.AvailableAt != nil && (r.Availability(*f.AvailableAt) != nil || r.Exhausted()) {
		return false
	}
	return true
}

// RewardTerms is the immutable part of a reward carried by a redemption.
type RewardTerms struct {
	Name           string          `json:"name"`
	Type           RewardType      `json:"reward_type"`
	Discount       *Discount       `json:"discount,omitempty"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
}

// CheckOrder rejects orders below the minimum amount.
func (t RewardTerms) CheckOrder(oc OrderContext) error {
	if oc.Amount.LessThan(t.MinOrderAmount) {
		return ErrOrderTooSmall
	}
	return nil
}

// DiscountFor computes the monetary discount the terms grant on oc.
// The result is capped by max_discount and by the amount it applies to.
func (t RewardTerms) DiscountFor(oc OrderContext) decimal.Decimal {
	var base decimal.Decimal
	switch t.Type {
	case RewardGift:
		return decimal.Zero
	case RewardFreeDelivery:
		return oc.DeliveryFee
	case RewardDeliveryDiscount:
		base = oc.DeliveryFee
	default:
		base = oc.Amount
	}
	if t.Discount == nil {
		return decimal.Zero
	}

	var off decimal.Decimal
	if t.Discount.Type == DiscountPercentage {
		off = base.Mul(t.Discount.Value).Div(hundred).Round(2)
	} else {
		off = t.Discount.Value
	}
	if t.Discount.MaxDiscount != nil && off.GreaterThan(*t.Discount.MaxDiscount) {
		off = *t.Discount.MaxDiscount
	}
	if off.GreaterThan(base) {
		off = base
	}
	return off
}
