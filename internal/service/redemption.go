package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/events"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	codeAttempts = 5
	// 32 symbols without 0/O and 1/I; a byte maps onto it without bias.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeGroups   = 3
	codeGroupLen = 4
)

// Redemptions exchanges points for reward codes and consumes those codes.
type Redemptions struct {
	d       *Deps
	ledger  *Ledger
	catalog *Catalog
}

func NewRedemptions(d Deps, ledger *Ledger, catalog *Catalog) *Redemptions {
	return &Redemptions{d: d.withDefaults(), ledger: ledger, catalog: catalog}
}

// mintCode returns an opaque code like RWD-7KQ2-M9XD-4HTP.
func mintCode() (string, error) {
	b := make([]byte, codeGroups*codeGroupLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("RWD")
	for i, c := range b {
		if i%codeGroupLen == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return sb.String(), nil
}

func validOrder(oc *domain.OrderContext) error {
	if oc == nil {
		return nil
	}
	if oc.Amount.IsNegative() {
		return domain.Invalid("order.amount", "must not be negative")
	}
	if oc.DeliveryFee.IsNegative() {
		return domain.Invalid("order.delivery_fee", "must not be negative")
	}
	return nil
}

// Redeem spends the reward's cost, increments its usage and mints a code in
// one unit of work. Any failure leaves balance and usage untouched.
func (s *Redemptions) Redeem(ctx context.Context, customerID string, rewardID int64, oc *domain.OrderContext, key IdempotencyKey) (red *domain.Redemption, replayed bool, err error) {
	ctx, span := tracer.Start(ctx, "Redemptions.Redeem", trace.WithAttributes(
		attribute.String("customer_id", customerID),
		attribute.Int64("reward_id", rewardID),
	))
	defer func() { finish(span, err) }()

	if err := validCustomerID(customerID); err != nil {
		return nil, false, err
	}
	if rewardID <= 0 {
		return nil, false, domain.Invalid("reward_id", "must be positive")
	}
	if err := validOrder(oc); err != nil {
		return nil, false, err
	}

	var spend *domain.Transaction
	err = s.d.Retry.Do(ctx, "redeem", func() error {
		return s.d.Store.InTx(ctx, func(tx store.Tx) error {
			var err error
			red, replayed, err = runIdempotent(ctx, tx, key, func() (*domain.Redemption, error) {
				r, t, err := s.redeem(ctx, tx, customerID, rewardID, oc)
				spend = t
				return r, err
			})
			return err
		})
	})
	redemptionsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return nil, false, err
	}
	if replayed {
		return red, true, nil
	}

	ledgerAppendsTotal.WithLabelValues(string(domain.KindSpend), "ok").Inc()
	s.d.Logger.WithFields(logrus.Fields{
		"customer_id":   customerID,
		"reward_id":     rewardID,
		"redemption_id": red.ID,
		"points":        red.PointsSpent,
	}).Info("reward redeemed")
	s.d.publish(ctx,
		events.New(events.PointsSpent, customerID, spend.CreatedAt, spend),
		events.New(events.RedemptionCreated, customerID, red.CreatedAt, red),
	)
	return red, false, nil
}

func (s *Redemptions) redeem(ctx context.Context, tx store.Tx, customerID string, rewardID int64, oc *domain.OrderContext) (*domain.Redemption, *domain.Transaction, error) {
	now := s.d.Now()
	snap := s.d.Settings.Current()

	// Reward before account: the only lock order that touches both.
	reward, err := tx.LockReward(ctx, rewardID)
	if err != nil {
		return nil, nil, err
	}
	if err := reward.Availability(now); err != nil {
		return nil, nil, err
	}
	terms := reward.Terms()
	if oc != nil {
		if err := terms.CheckOrder(*oc); err != nil {
			return nil, nil, err
		}
	}
	if reward.Exhausted() {
		return nil, nil, domain.ErrUsageLimitExceeded
	}

	acc, err := tx.LockAccount(ctx, customerID)
	if err != nil {
		return nil, nil, err
	}
	if acc.Balance < snap.Values.MinPointsRedeem {
		return nil, nil, fmt.Errorf("%w: at least %d points are required to redeem",
			domain.ErrInsufficientBalance, snap.Values.MinPointsRedeem)
	}

	id := uuid.New()
	spend, err := s.ledger.apply(ctx, tx, acc, domain.KindSpend, -reward.PointsCost, "Redeemed: "+reward.Name, &id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.catalog.incrementUsage(ctx, tx, rewardID); err != nil {
		return nil, nil, err
	}

	red := &domain.Redemption{
		ID:                 id,
		AccountID:          customerID,
		RewardID:           rewardID,
		PointsSpent:        reward.PointsCost,
		Status:             domain.RedemptionActive,
		Terms:              terms,
		SpendTransactionID: spend.ID,
		CreatedAt:          now,
		ExpiresAt:          now.AddDate(0, 0, snap.Values.RedemptionValidityDays),
	}
	if oc != nil {
		red.OrderRef = oc.OrderRef
	}
	for attempt := 1; ; attempt++ {
		if red.Code, err = mintCode(); err != nil {
			return nil, nil, fmt.Errorf("mint redemption code: %w", err)
		}
		err = tx.InsertRedemption(ctx, red)
		if err == nil {
			return red, spend, nil
		}
		if !errors.Is(err, domain.ErrDuplicateCode) || attempt == codeAttempts {
			return nil, nil, err
		}
	}
}

// Consume marks an active code used against an order. A used code returns
// the redemption with domain.ErrAlreadyUsed and changes nothing. A code past
// its expiry is moved to expired and reported as domain.ErrExpired.
func (s *Redemptions) Consume(ctx context.Context, code string, oc domain.OrderContext) (red *domain.Redemption, err error) {
	ctx, span := tracer.Start(ctx, "Redemptions.Consume")
	defer func() { finish(span, err) }()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.Invalid("code", "required")
	}
	if err := validOrder(&oc); err != nil {
		return nil, err
	}

	var lapsed bool
	err = s.d.Retry.Do(ctx, "consume", func() error {
		lapsed = false
		return s.d.Store.InTx(ctx, func(tx store.Tx) error {
			r, err := tx.LockRedemptionByCode(ctx, code)
			if err != nil {
				return err
			}
			red = r
			switch r.Status {
			case domain.RedemptionUsed:
				return domain.ErrAlreadyUsed
			case domain.RedemptionExpired:
				return domain.ErrExpired
			}

			now := s.d.Now()
			if now.After(r.ExpiresAt) {
				r.Status = domain.RedemptionExpired
				lapsed = true
				return tx.UpdateRedemption(ctx, r)
			}
			if err := r.Terms.CheckOrder(oc); err != nil {
				return err
			}
			discount := r.Terms.DiscountFor(oc)
			r.Status = domain.RedemptionUsed
			r.DiscountApplied = &discount
			r.UsedAt = &now
			if oc.OrderRef != "" {
				r.OrderRef = oc.OrderRef
			}
			return tx.UpdateRedemption(ctx, r)
		})
	})
	if err == nil && lapsed {
		err = domain.ErrExpired
	}
	consumesTotal.WithLabelValues(resultLabel(err)).Inc()

	switch {
	case errors.Is(err, domain.ErrAlreadyUsed), errors.Is(err, domain.ErrExpired):
		return red, err
	case err != nil:
		return nil, err
	}
	s.d.Logger.WithFields(logrus.Fields{
		"customer_id":   red.AccountID,
		"redemption_id": red.ID,
		"discount":      red.DiscountApplied.String(),
	}).Info("redemption consumed")
	s.d.publish(ctx, events.New(events.RedemptionConsumed, red.AccountID, *red.UsedAt, red))
	return red, nil
}

func (s *Redemptions) Get(ctx context.Context, code string) (*domain.Redemption, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.Invalid("code", "required")
	}
	red, err := s.d.Store.GetRedemptionByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	// The sweeper may not have caught up yet.
	if red.Status == domain.RedemptionActive && s.d.Now().After(red.ExpiresAt) {
		red.Status = domain.RedemptionExpired
	}
	return red, nil
}

// ExpireStale moves every active redemption past its expiry to expired.
func (s *Redemptions) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.d.Store.ExpireRedemptions(ctx, s.d.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.d.Logger.WithField("count", n).Info("redemptions expired")
	}
	return n, nil
}
