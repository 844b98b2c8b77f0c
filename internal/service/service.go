// Package service implements the points ledger, the reward catalog, the
// redemption engine and the expiry sweeper on top of a store.Store.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/events"
	"github.com/punchamoorthee/pointsledger/internal/settings"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/punchamoorthee/pointsledger/internal/service")

// errNoop rolls back a unit of work that turned out to have nothing to do.
var errNoop = errors.New("nothing to do")

const maxCustomerIDLen = 128

// Deps are shared by every component.
type Deps struct {
	Store    store.Store
	Settings *settings.Store
	Events   events.Publisher
	Logger   logrus.FieldLogger
	Retry    RetryPolicy
	Now      func() time.Time
}

func (d Deps) withDefaults() *Deps {
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Retry.Attempts == 0 {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &d
}

// publish runs after commit; failures are logged only.
func (d *Deps) publish(ctx context.Context, evs ...events.Event) {
	for _, e := range evs {
		if err := d.Events.Publish(ctx, e); err != nil {
			d.Logger.WithError(err).WithFields(logrus.Fields{
				"event_type":  e.Type,
				"customer_id": e.CustomerID,
			}).Warn("event publish failed")
		}
	}
}

func validCustomerID(id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.Invalid("customer_id", "required")
	}
	if len(id) > maxCustomerIDLen {
		return domain.Invalid("customer_id", "too long")
	}
	return nil
}

// finish ends span, marking it failed for infrastructure errors. Domain
// rejections are expected outcomes and leave the span OK.
func finish(span trace.Span, err error) {
	if err != nil {
		label := resultLabel(err)
		span.SetAttributes(resultAttr(label))
		if label == "error" || label == "conflict" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsValidation(err):
		return "invalid"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrRewardUnavailable):
		return "reward_unavailable"
	case errors.Is(err, domain.ErrUsageLimitExceeded):
		return "usage_limit_exceeded"
	case errors.Is(err, domain.ErrOrderTooSmall):
		return "order_too_small"
	case errors.Is(err, domain.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, domain.ErrExpired):
		return "expired"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrIdempotencyInProgress), errors.Is(err, domain.ErrIdempotencyMismatch):
		return "idempotency"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	}
	return "error"
}
