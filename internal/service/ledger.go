package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/events"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Ledger appends transactions and keeps the account counters in step with
// them. Every append locks the account row for the duration of its unit of
// work, so appends on one account are serialized while different accounts
// proceed in parallel.
type Ledger struct {
	d *Deps
}

func NewLedger(d Deps) *Ledger {
	return &Ledger{d: d.withDefaults()}
}

// GetBalance returns the materialized account. Customers without any
// transaction read as a zero account.
func (l *Ledger) GetBalance(ctx context.Context, customerID string) (*domain.Account, error) {
	if err := validCustomerID(customerID); err != nil {
		return nil, err
	}
	acc, err := l.d.Store.GetAccount(ctx, customerID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.Account{CustomerID: customerID}, nil
	}
	return acc, err
}

// History pages through transactions newest first.
func (l *Ledger) History(ctx context.Context, customerID string, page domain.Page) ([]domain.Transaction, error) {
	if err := validCustomerID(customerID); err != nil {
		return nil, err
	}
	if page.BeforeID < 0 {
		return nil, domain.Invalid("before", "must not be negative")
	}
	txs, err := l.d.Store.ListTransactions(ctx, customerID, page.Normalize())
	if errors.Is(err, domain.ErrNotFound) {
		return []domain.Transaction{}, nil
	}
	if txs == nil && err == nil {
		txs = []domain.Transaction{}
	}
	return txs, err
}

func (l *Ledger) AppendEarn(ctx context.Context, customerID string, amount int64, description string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}
	return l.append(ctx, customerID, domain.KindEarn, amount, description, nil)
}

// AppendSpend fails with domain.ErrInsufficientBalance when amount exceeds
// the balance.
func (l *Ledger) AppendSpend(ctx context.Context, customerID string, amount int64, description string, related *uuid.UUID) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}
	return l.append(ctx, customerID, domain.KindSpend, -amount, description, related)
}

// AppendAdjust applies an administrative correction of either sign.
func (l *Ledger) AppendAdjust(ctx context.Context, customerID string, delta int64, description string) (*domain.Transaction, error) {
	if delta == 0 {
		return nil, domain.Invalid("amount", "must not be zero")
	}
	if description == "" {
		return nil, domain.Invalid("description", "required for adjustments")
	}
	return l.append(ctx, customerID, domain.KindAdjust, delta, description, nil)
}

// AppendExpire expires up to amount points, capped to what has aged past the
// expiry window. It returns a nil transaction when nothing has aged.
func (l *Ledger) AppendExpire(ctx context.Context, customerID string, amount int64, description string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}
	return l.expire(ctx, customerID, amount, description)
}

// ExpireAged expires everything that has aged past the window.
func (l *Ledger) ExpireAged(ctx context.Context, customerID string) (*domain.Transaction, error) {
	return l.expire(ctx, customerID, 0, "")
}

// Earn converts an order amount into points at the configured rate, scaled
// by the multiplier of the tier the customer holds before this earn.
func (l *Ledger) Earn(ctx context.Context, customerID string, orderAmount decimal.Decimal, description string, key IdempotencyKey) (txn *domain.Transaction, replayed bool, err error) {
	ctx, span := tracer.Start(ctx, "Ledger.Earn", trace.WithAttributes(attribute.String("customer_id", customerID)))
	defer func() { finish(span, err) }()

	if err := validCustomerID(customerID); err != nil {
		return nil, false, err
	}
	if !orderAmount.IsPositive() {
		return nil, false, domain.Invalid("order_amount", "must be positive")
	}
	snap := l.d.Settings.Current()
	if orderAmount.LessThan(snap.Values.MinOrderPoints) {
		return nil, false, domain.Invalid("order_amount",
			fmt.Sprintf("below the minimum of %s required to earn points", snap.Values.MinOrderPoints.StringFixed(2)))
	}

	err = l.d.Retry.Do(ctx, "earn", func() error {
		return l.d.Store.InTx(ctx, func(tx store.Tx) error {
			var err error
			txn, replayed, err = runIdempotent(ctx, tx, key, func() (*domain.Transaction, error) {
				acc, err := tx.LockAccount(ctx, customerID)
				if err != nil {
					return nil, err
				}
				t := snap.Tiers.Resolve(acc.LifetimeEarned)
				earned := orderAmount.Mul(snap.Values.PointsPerCurrency).Mul(t.Multiplier).Floor()
				if earned.Sign() <= 0 {
					return nil, domain.Invalid("order_amount", "too small to earn a whole point")
				}
				headroom := min(math.MaxInt64-acc.Balance, math.MaxInt64-acc.LifetimeEarned)
				if earned.GreaterThan(decimal.NewFromInt(headroom)) {
					return nil, domain.Invalid("order_amount", "would overflow the account balance")
				}
				points := earned.IntPart()
				desc := description
				if desc == "" {
					desc = fmt.Sprintf("Earned on order of %s (%s tier)", orderAmount.StringFixed(2), t.Name)
				}
				return l.apply(ctx, tx, acc, domain.KindEarn, points, desc, nil)
			})
			return err
		})
	})
	ledgerAppendsTotal.WithLabelValues(string(domain.KindEarn), resultLabel(err)).Inc()
	if err != nil {
		return nil, false, err
	}
	if !replayed {
		l.d.publish(ctx, events.New(events.PointsEarned, customerID, txn.CreatedAt, txn))
	}
	return txn, replayed, nil
}

func (l *Ledger) append(ctx context.Context, customerID string, kind domain.Kind, delta int64, description string, related *uuid.UUID) (txn *domain.Transaction, err error) {
	ctx, span := tracer.Start(ctx, "Ledger.Append", trace.WithAttributes(
		attribute.String("customer_id", customerID),
		attribute.String("kind", string(kind)),
		attribute.Int64("delta", delta),
	))
	defer func() { finish(span, err) }()

	if err := validCustomerID(customerID); err != nil {
		return nil, err
	}
	err = l.d.Retry.Do(ctx, string(kind), func() error {
		return l.d.Store.InTx(ctx, func(tx store.Tx) error {
			acc, err := tx.LockAccount(ctx, customerID)
			if err != nil {
				return err
			}
			txn, err = l.apply(ctx, tx, acc, kind, delta, description, related)
			return err
		})
	})
	ledgerAppendsTotal.WithLabelValues(string(kind), resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	l.d.publish(ctx, events.New(eventFor(kind), customerID, txn.CreatedAt, txn))
	return txn, nil
}

func (l *Ledger) expire(ctx context.Context, customerID string, limit int64, description string) (txn *domain.Transaction, err error) {
	ctx, span := tracer.Start(ctx, "Ledger.Expire", trace.WithAttributes(attribute.String("customer_id", customerID)))
	defer func() { finish(span, err) }()

	if err := validCustomerID(customerID); err != nil {
		return nil, err
	}
	snap := l.d.Settings.Current()
	err = l.d.Retry.Do(ctx, string(domain.KindExpire), func() error {
		txn = nil
		return l.d.Store.InTx(ctx, func(tx store.Tx) error {
			cutoff, ok := snap.Values.ExpiryCutoff(l.d.Now())
			if !ok {
				return errNoop
			}
			acc, err := tx.LockAccount(ctx, customerID)
			if err != nil {
				return err
			}
			history, err := tx.AccountTransactions(ctx, customerID)
			if err != nil {
				return err
			}
			amount := min(agedOutstanding(history, cutoff), acc.Balance)
			if limit > 0 {
				amount = min(amount, limit)
			}
			if amount <= 0 {
				return errNoop
			}
			desc := description
			if desc == "" {
				desc = fmt.Sprintf("Expired %d points credited on or before %s", amount, cutoff.Format("2006-01-02"))
			}
			txn, err = l.apply(ctx, tx, acc, domain.KindExpire, -amount, desc, nil)
			return err
		})
	})
	if errors.Is(err, errNoop) {
		return nil, nil
	}
	ledgerAppendsTotal.WithLabelValues(string(domain.KindExpire), resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	pointsExpiredTotal.Add(float64(-txn.Delta))
	l.d.Logger.WithFields(logrus.Fields{
		"customer_id": customerID,
		"points":      -txn.Delta,
	}).Info("points expired")
	l.d.publish(ctx, events.New(events.PointsExpired, customerID, txn.CreatedAt, txn))
	return txn, nil
}

// apply is the single write path for every transaction. acc must be locked
// by tx.
func (l *Ledger) apply(ctx context.Context, tx store.Tx, acc *domain.Account, kind domain.Kind, delta int64, description string, related *uuid.UUID) (*domain.Transaction, error) {
	if delta == 0 {
		return nil, domain.Invalid("amount", "must not be zero")
	}
	if delta > 0 && (acc.Balance > math.MaxInt64-delta ||
		kind == domain.KindEarn && acc.LifetimeEarned > math.MaxInt64-delta) {
		return nil, domain.Invalid("amount", "would overflow the account balance")
	}
	if acc.Balance+delta < 0 {
		return nil, domain.ErrInsufficientBalance
	}

	now := l.d.Now()
	txn := &domain.Transaction{
		AccountID:           acc.CustomerID,
		Kind:                kind,
		Delta:               delta,
		Description:         description,
		RelatedRedemptionID: related,
		CreatedAt:           now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}

	acc.Balance += delta
	if kind == domain.KindEarn {
		acc.LifetimeEarned += delta
	}
	acc.Version++
	acc.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}
	return txn, nil
}

// Reconciliation compares the materialized counters with a fold of history.
type Reconciliation struct {
	CustomerID       string `json:"customer_id"`
	Balance          int64  `json:"balance"`
	LifetimeEarned   int64  `json:"lifetime_earned"`
	ComputedBalance  int64  `json:"computed_balance"`
	ComputedLifetime int64  `json:"computed_lifetime_earned"`
	Transactions     int    `json:"transactions"`
	Consistent       bool   `json:"consistent"`
}

func (l *Ledger) Verify(ctx context.Context, customerID string) (*Reconciliation, error) {
	if err := validCustomerID(customerID); err != nil {
		return nil, err
	}
	if _, err := l.d.Store.GetAccount(ctx, customerID); err != nil {
		return nil, err
	}

	var rec *Reconciliation
	err := l.d.Store.InTx(ctx, func(tx store.Tx) error {
		acc, err := tx.LockAccount(ctx, customerID)
		if err != nil {
			return err
		}
		history, err := tx.AccountTransactions(ctx, customerID)
		if err != nil {
			return err
		}
		balance, lifetime := fold(history)
		rec = &Reconciliation{
			CustomerID:       customerID,
			Balance:          acc.Balance,
			LifetimeEarned:   acc.LifetimeEarned,
			ComputedBalance:  balance,
			ComputedLifetime: lifetime,
			Transactions:     len(history),
			Consistent:       balance == acc.Balance && lifetime == acc.LifetimeEarned && balance >= 0,
		}
		return errNoop
	})
	if err != nil && !errors.Is(err, errNoop) {
		return nil, err
	}
	if !rec.Consistent {
		l.d.Logger.WithFields(logrus.Fields{
			"customer_id":      customerID,
			"balance":          rec.Balance,
			"computed_balance": rec.ComputedBalance,
		}).Error("ledger drift detected")
	}
	return rec, nil
}

func eventFor(kind domain.Kind) events.Type {
	switch kind {
	case domain.KindEarn:
		return events.PointsEarned
	case domain.KindSpend:
		return events.PointsSpent
	case domain.KindExpire:
		return events.PointsExpired
	}
	return events.PointsAdjusted
}
