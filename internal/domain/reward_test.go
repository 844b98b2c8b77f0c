package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func validSpec() RewardSpec {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return RewardSpec{
		Name:       "10% off",
		PointsCost: 60,
		Type:       RewardOrderDiscount,
		Discount:   &Discount{Type: DiscountPercentage, Value: dec("10")},
		ValidFrom:  now,
		ValidUntil: now.AddDate(1, 0, 0),
		Status:     RewardActive,
	}
}

func TestRewardSpecValidate(t *testing.T) {
	limit0 := int64(0)
	tests := []struct {
		name  string
		mut   func(s *RewardSpec)
		field string
	}{
		{"valid", func(s *RewardSpec) {}, ""},
		{"empty name", func(s *RewardSpec) { s.Name = "  " }, "name"},
		{"zero cost", func(s *RewardSpec) { s.PointsCost = 0 }, "points_cost"},
		{"unknown type", func(s *RewardSpec) { s.Type = "cashback" }, "reward_type"},
		{"discount variant without payload", func(s *RewardSpec) { s.Discount = nil }, "discount"},
		{"gift with payload", func(s *RewardSpec) { s.Type = RewardGift }, "discount"},
		{"gift without payload", func(s *RewardSpec) { s.Type = RewardGift; s.Discount = nil }, ""},
		{"free delivery without payload", func(s *RewardSpec) { s.Type = RewardFreeDelivery; s.Discount = nil }, ""},
		{"percentage over 100", func(s *RewardSpec) { s.Discount.Value = dec("100.5") }, "discount.value"},
		{"percentage of 100", func(s *RewardSpec) { s.Discount.Value = dec("100") }, ""},
		{"fixed zero", func(s *RewardSpec) { s.Discount = &Discount{Type: DiscountFixed} }, "discount.value"},
		{"bad discount type", func(s *RewardSpec) { s.Discount.Type = "bogo" }, "discount.type"},
		{"non-positive cap", func(s *RewardSpec) { s.Discount.MaxDiscount = decPtr("0") }, "discount.max_discount"},
		{"negative min order", func(s *RewardSpec) { s.MinOrderAmount = dec("-1") }, "min_order_amount"},
		{"zero usage limit", func(s *RewardSpec) { s.UsageLimit = &limit0 }, "usage_limit"},
		{"end before start", func(s *RewardSpec) { s.ValidUntil = s.ValidFrom.Add(-time.Second) }, "validity_window"},
		{"end equals start", func(s *RewardSpec) { s.ValidUntil = s.ValidFrom }, ""},
		{"missing window", func(s *RewardSpec) { s.ValidFrom = time.Time{} }, "validity_window"},
		{"bad status", func(s *RewardSpec) { s.Status = "archived" }, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mut(&s)
			err := s.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRewardAvailability(t *testing.T) {
	s := validSpec()
	r := &Reward{ID: 1, RewardSpec: s}

	assert.NoError(t, r.Availability(s.ValidFrom))
	assert.NoError(t, r.Availability(s.ValidUntil))
	assert.ErrorIs(t, r.Availability(s.ValidFrom.Add(-time.Nanosecond)), ErrRewardOutOfWindow)
	assert.ErrorIs(t, r.Availability(s.ValidUntil.Add(time.Nanosecond)), ErrRewardUnavailable)

	r.Status = RewardInactive
	assert.ErrorIs(t, r.Availability(s.ValidFrom), ErrRewardInactive)
	assert.ErrorIs(t, r.Availability(s.ValidFrom), ErrRewardUnavailable)
}

func TestRewardExhausted(t *testing.T) {
	r := &Reward{RewardSpec: validSpec()}
	assert.False(t, r.Exhausted())

	limit := int64(2)
	r.UsageLimit = &limit
	r.UsedCount = 1
	assert.False(t, r.Exhausted())
	r.UsedCount = 2
	assert.True(t, r.Exhausted())
}

func TestDiscountFor(t *testing.T) {
	order := OrderContext{Amount: dec("80.00"), DeliveryFee: dec("5.00")}
	tests := []struct {
		name  string
		terms RewardTerms
		want  string
	}{
		{"percentage of order", RewardTerms{Type: RewardOrderDiscount, Discount: &Discount{Type: DiscountPercentage, Value: dec("15")}}, "12"},
		{"percentage capped", RewardTerms{Type: RewardOrderDiscount, Discount: &Discount{Type: DiscountPercentage, Value: dec("50"), MaxDiscount: decPtr("10")}}, "10"},
		{"percentage rounds to cents", RewardTerms{Type: RewardProductDiscount, Discount: &Discount{Type: DiscountPercentage, Value: dec("33.333")}}, "26.67"},
		{"fixed", RewardTerms{Type: RewardOrderDiscount, Discount: &Discount{Type: DiscountFixed, Value: dec("7.5")}}, "7.5"},
		{"fixed bounded by base", RewardTerms{Type: RewardDeliveryDiscount, Discount: &Discount{Type: DiscountFixed, Value: dec("9")}}, "5"},
		{"delivery percentage", RewardTerms{Type: RewardDeliveryDiscount, Discount: &Discount{Type: DiscountPercentage, Value: dec("50")}}, "2.5"},
		{"free delivery", RewardTerms{Type: RewardFreeDelivery}, "5"},
		{"gift", RewardTerms{Type: RewardGift}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.terms.DiscountFor(order)
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestCheckOrder(t *testing.T) {
	terms := RewardTerms{Type: RewardGift, MinOrderAmount: dec("100")}
	assert.ErrorIs(t, terms.CheckOrder(OrderContext{Amount: dec("50")}), ErrOrderTooSmall)
	assert.NoError(t, terms.CheckOrder(OrderContext{Amount: dec("100")}))
}

func TestRewardFilterMatch(t *testing.T) {
	r := &Reward{ID: 1, RewardSpec: validSpec()}
	inWindow := r.ValidFrom.Add(time.Hour)
	before := r.ValidFrom.Add(-time.Hour)

	assert.True(t, RewardFilter{}.Match(r))
	assert.True(t, RewardFilter{Status: RewardActive, Type: RewardOrderDiscount}.Match(r))
	assert.False(t, RewardFilter{Type: RewardGift}.Match(r))
	assert.True(t, RewardFilter{AvailableAt: &inWindow}.Match(r))
	assert.False(t, RewardFilter{AvailableAt: &before}.Match(r))

	limit := int64(1)
	r.UsageLimit, r.UsedCount = &limit, 1
	assert.False(t, RewardFilter{AvailableAt: &inWindow}.Match(r))
}

func TestRewardTermsAreCopied(t *testing.T) {
	r := &Reward{RewardSpec: validSpec()}
	terms := r.Terms()
	r.Discount.Value = dec("90")
	assert.True(t, terms.Discount.Value.Equal(dec("10")))
}

func TestTransactionJSONCarriesAmount(t *testing.T) {
	raw, err := json.Marshal(Transaction{ID: 3, Kind: KindSpend, Delta: -60})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.EqualValues(t, 60, m["amount"])
	assert.EqualValues(t, -60, m["delta"])
	assert.Equal(t, "spend", m["kind"])
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.PointsPerCurrency = decimal.Zero
	assert.True(t, IsValidation(s.Validate()))

	s = DefaultSettings()
	s.RedemptionValidityDays = 0
	assert.True(t, IsValidation(s.Validate()))

	s = DefaultSettings()
	s.PointsExpiryDays = 0
	require.NoError(t, s.Validate())
	_, ok := s.ExpiryCutoff(time.Now())
	assert.False(t, ok)
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Page{}.Normalize().Limit)
	assert.Equal(t, MaxPageSize, Page{Limit: 10_000}.Normalize().Limit)
	assert.Equal(t, 7, Page{Limit: 7}.Normalize().Limit)
}
