package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// Postgres is the production Store. Units of work run at READ COMMITTED:
// every read-validate-write holds a row lock (FOR UPDATE) or is a
// conditional UPDATE, so concurrent redemptions of one reward queue on its
// row instead of failing with serialization errors. Lock timeouts and
// deadlocks surface as domain.ErrConflict.
type Postgres struct {
	Db          *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPostgres(ctx context.Context, connString string, maxConns int32, lockTimeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool, lockTimeout: lockTimeout}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		ms := s.lockTimeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return mapErr(err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// mapErr folds driver failures into the domain error vocabulary. Errors that
// already carry a domain sentinel pass through unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		case "57P01", "57P02", "57P03", "53300":
			return fmt.Errorf("%w: %s", domain.ErrStorageUnavailable, pgErr.Message)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}

const accountColumns = "customer_id, balance, lifetime_earned, version, created_at, updated_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.CustomerID, &a.Balance, &a.LifetimeEarned, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) GetAccount(ctx context.Context, customerID string) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM points_accounts WHERE customer_id = $1", customerID))
	if err != nil {
		return nil, mapErr(err)
	}
	return acc, nil
}

const transactionColumns = "id, account_id, kind, delta, description, related_redemption_id::text, created_at"

func scanTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var related *string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Delta, &t.Description, &related, &t.CreatedAt); err != nil {
			return nil, err
		}
		if related != nil {
			id, err := uuid.Parse(*related)
			if err != nil {
				return nil, err
			}
			t.RelatedRedemptionID = &id
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) ListTransactions(ctx context.Context, customerID string, page domain.Page) ([]domain.Transaction, error) {
	page = page.Normalize()
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM points_accounts WHERE customer_id = $1)", customerID).Scan(&exists)
	if err != nil {
		return nil, mapErr(err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	rows, err := s.Db.Query(ctx,
		"SELECT "+transactionColumns+" FROM points_transactions"+
			" WHERE account_id = $1 AND ($2::bigint = 0 OR id < $2)"+
			" ORDER BY id DESC LIMIT $3",
		customerID, page.BeforeID, page.Limit)
	if err != nil {
		return nil, mapErr(err)
	}
	txs, err := scanTransactions(rows)
	return txs, mapErr(err)
}

const rewardColumns = "id, name, points_cost, reward_type, discount, min_order_amount::text, usage_limit," +
	" used_count, valid_from, valid_until, status, version, created_at, updated_at"

func scanReward(row pgx.Row) (*domain.Reward, error) {
	var r domain.Reward
	var discount []byte
	var minOrder string
	if err := row.Scan(&r.ID, &r.Name, &r.PointsCost, &r.Type, &discount, &minOrder, &r.UsageLimit,
		&r.UsedCount, &r.ValidFrom, &r.ValidUntil, &r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(discount) > 0 {
		r.Discount = &domain.Discount{}
		if err := json.Unmarshal(discount, r.Discount); err != nil {
			return nil, fmt.Errorf("decode discount of reward %d: %w", r.ID, err)
		}
	}
	var err error
	if r.MinOrderAmount, err = decimal.NewFromString(minOrder); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) GetReward(ctx context.Context, id int64) (*domain.Reward, error) {
	r, err := scanReward(s.Db.QueryRow(ctx, "SELECT "+rewardColumns+" FROM rewards WHERE id = $1", id))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *Postgres) ListRewards(ctx context.Context, filter domain.RewardFilter) ([]domain.Reward, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+rewardColumns+" FROM rewards"+
			" WHERE ($1 = '' OR status = $1) AND ($2 = '' OR reward_type = $2)"+
			" ORDER BY id",
		string(filter.Status), string(filter.Type))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		// Window and usage checks share the domain rule.
		if filter.Match(r) {
			out = append(out, *r)
		}
	}
	return out, mapErr(rows.Err())
}

const redemptionColumns = "id::text, account_id, reward_id, points_spent, code, status, terms, spend_transaction_id," +
	" order_ref, discount_applied::text, created_at, expires_at, used_at"

func scanRedemption(row pgx.Row) (*domain.Redemption, error) {
	var r domain.Redemption
	var id string
	var terms []byte
	var applied *string
	if err := row.Scan(&id, &r.AccountID, &r.RewardID, &r.PointsSpent, &r.Code, &r.Status, &terms,
		&r.SpendTransactionID, &r.OrderRef, &applied, &r.CreatedAt, &r.ExpiresAt, &r.UsedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(terms, &r.Terms); err != nil {
		return nil, fmt.Errorf("decode terms of redemption %s: %w", r.Code, err)
	}
	if applied != nil {
		d, err := decimal.NewFromString(*applied)
		if err != nil {
			return nil, err
		}
		r.DiscountApplied = &d
	}
	return &r, nil
}

func (s *Postgres) GetRedemptionByCode(ctx context.Context, code string) (*domain.Redemption, error) {
	r, err := scanRedemption(s.Db.QueryRow(ctx, "SELECT "+redemptionColumns+" FROM redemptions WHERE code = $1", code))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *Postgres) ListExpirableAccounts(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]string, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT a.customer_id FROM points_accounts a
		WHERE a.balance > 0 AND a.customer_id > $2
		  AND EXISTS (
		      SELECT 1 FROM points_transactions t
		      WHERE t.account_id = a.customer_id AND t.delta > 0 AND t.created_at <= $1)
		ORDER BY a.customer_id
		LIMIT $3`, cutoff, afterID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapErr(err)
}

func (s *Postgres) ExpireRedemptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE redemptions SET status = 'expired' WHERE status = 'active' AND expires_at < $1", now)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) LoadSettings(ctx context.Context) (domain.SettingsRecord, error) {
	var rec domain.SettingsRecord
	st := &rec.Values
	var pointValue, perCurrency, minOrder string
	err := s.Db.QueryRow(ctx, `
		SELECT point_value::text, min_points_redeem, points_expiry_days, points_per_currency::text,
		       min_order_points::text, redemption_validity_days, tiers, version
		FROM loyalty_settings WHERE id = 1`).Scan(
		&pointValue, &st.MinPointsRedeem, &st.PointsExpiryDays, &perCurrency,
		&minOrder, &st.RedemptionValidityDays, &rec.Tiers, &rec.Version)
	if err != nil {
		return rec, mapErr(err)
	}
	for _, f := range []struct {
		src string
		dst *decimal.Decimal
	}{{pointValue, &st.PointValue}, {perCurrency, &st.PointsPerCurrency}, {minOrder, &st.MinOrderPoints}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (s *Postgres) SaveSettings(ctx context.Context, rec domain.SettingsRecord) (int64, error) {
	st := rec.Values
	var version int64
	var err error
	if rec.Version == 0 {
		err = s.Db.QueryRow(ctx, `
			INSERT INTO loyalty_settings (id, point_value, min_points_redeem, points_expiry_days,
			    points_per_currency, min_order_points, redemption_validity_days, tiers, version)
			VALUES (1, $1::numeric, $2, $3, $4::numeric, $5::numeric, $6, $7::jsonb, 1)
			ON CONFLICT (id) DO NOTHING
			RETURNING version`,
			st.PointValue.String(), st.MinPointsRedeem, st.PointsExpiryDays,
			st.PointsPerCurrency.String(), st.MinOrderPoints.String(), st.RedemptionValidityDays, rec.Tiers,
		).Scan(&version)
	} else {
		err = s.Db.QueryRow(ctx, `
			UPDATE loyalty_settings SET point_value = $1::numeric, min_points_redeem = $2,
			    points_expiry_days = $3, points_per_currency = $4::numeric, min_order_points = $5::numeric,
			    redemption_validity_days = $6, tiers = $7::jsonb, version = version + 1, updated_at = now()
			WHERE id = 1 AND version = $8
			RETURNING version`,
			st.PointValue.String(), st.MinPointsRedeem, st.PointsExpiryDays,
			st.PointsPerCurrency.String(), st.MinOrderPoints.String(), st.RedemptionValidityDays,
			rec.Tiers, rec.Version,
		).Scan(&version)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, mapErr(err)
	}
	return version, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, customerID string) (*domain.Account, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO points_accounts (customer_id) VALUES ($1) ON CONFLICT (customer_id) DO NOTHING", customerID)
	if err != nil {
		return nil, fmt.Errorf("account create failed: %w", err)
	}
	acc, err := scanAccount(t.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM points_accounts WHERE customer_id = $1 FOR UPDATE", customerID))
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return acc, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, acc *domain.Account) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE points_accounts SET balance = $1, lifetime_earned = $2, version = $3, updated_at = $4 WHERE customer_id = $5",
		acc.Balance, acc.LifetimeEarned, acc.Version, acc.UpdatedAt, acc.CustomerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) AccountTransactions(ctx context.Context, customerID string) ([]domain.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+transactionColumns+" FROM points_transactions WHERE account_id = $1 ORDER BY created_at, id",
		customerID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	var related *string
	if txn.RelatedRedemptionID != nil {
		s := txn.RelatedRedemptionID.String()
		related = &s
	}
	return t.tx.QueryRow(ctx,
		"INSERT INTO points_transactions (account_id, kind, delta, description, related_redemption_id, created_at)"+
			" VALUES ($1, $2, $3, $4, $5::uuid, $6) RETURNING id",
		txn.AccountID, string(txn.Kind), txn.Delta, txn.Description, related, txn.CreatedAt,
	).Scan(&txn.ID)
}

func (t *pgTx) GetReward(ctx context.Context, id int64) (*domain.Reward, error) {
	r, err := scanReward(t.tx.QueryRow(ctx, "SELECT "+rewardColumns+" FROM rewards WHERE id = $1", id))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (t *pgTx) LockReward(ctx context.Context, id int64) (*domain.Reward, error) {
	r, err := scanReward(t.tx.QueryRow(ctx, "SELECT "+rewardColumns+" FROM rewards WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (t *pgTx) IncrementRewardUsage(ctx context.Context, id int64) (int64, error) {
	var used int64
	err := t.tx.QueryRow(ctx, `
		UPDATE rewards SET used_count = used_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)
		RETURNING used_count`, id).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM rewards WHERE id = $1)", id).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, domain.ErrNotFound
		}
		return 0, domain.ErrUsageLimitExceeded
	}
	return used, err
}

func encodeDiscount(d *domain.Discount) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

func (t *pgTx) CreateReward(ctx context.Context, r *domain.Reward) error {
	discount, err := encodeDiscount(r.Discount)
	if err != nil {
		return err
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO rewards (name, points_cost, reward_type, discount, min_order_amount, usage_limit,
		    used_count, valid_from, valid_until, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		r.Name, r.PointsCost, string(r.Type), discount, r.MinOrderAmount.String(), r.UsageLimit,
		r.UsedCount, r.ValidFrom, r.ValidUntil, string(r.Status), r.Version, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
}

func (t *pgTx) UpdateReward(ctx context.Context, r *domain.Reward) error {
	discount, err := encodeDiscount(r.Discount)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE rewards SET name = $2, points_cost = $3, reward_type = $4, discount = $5,
		    min_order_amount = $6::numeric, usage_limit = $7, valid_from = $8, valid_until = $9,
		    status = $10, version = $11, updated_at = $12
		WHERE id = $1`,
		r.ID, r.Name, r.PointsCost, string(r.Type), discount, r.MinOrderAmount.String(), r.UsageLimit,
		r.ValidFrom, r.ValidUntil, string(r.Status), r.Version, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertRedemption(ctx context.Context, r *domain.Redemption) error {
	terms, err := json.Marshal(r.Terms)
	if err != nil {
		return err
	}
	// Savepoint so a code collision leaves the outer transaction usable.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(ctx)

	_, err = sp.Exec(ctx, `
		INSERT INTO redemptions (id, account_id, reward_id, points_spent, code, status, terms,
		    spend_transaction_id, order_ref, created_at, expires_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID.String(), r.AccountID, r.RewardID, r.PointsSpent, r.Code, string(r.Status), terms,
		r.SpendTransactionID, r.OrderRef, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "redemptions_code_key" {
			return domain.ErrDuplicateCode
		}
		return fmt.Errorf("redemption insert failed: %w", err)
	}
	return sp.Commit(ctx)
}

func (t *pgTx) LockRedemptionByCode(ctx context.Context, code string) (*domain.Redemption, error) {
	r, err := scanRedemption(t.tx.QueryRow(ctx,
		"SELECT "+redemptionColumns+" FROM redemptions WHERE code = $1 FOR UPDATE", code))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (t *pgTx) UpdateRedemption(ctx context.Context, r *domain.Redemption) error {
	var applied *string
	if r.DiscountApplied != nil {
		s := r.DiscountApplied.String()
		applied = &s
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE redemptions SET status = $2, order_ref = $3, discount_applied = $4::numeric, used_at = $5 WHERE code = $1",
		r.Code, string(r.Status), r.OrderRef, applied, r.UsedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := t.tx.QueryRow(ctx,
		"SELECT key, request_hash, status, response_body FROM idempotency_keys WHERE key = $1", key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.Status, &rec.Response)
	if err == nil {
		if rec.RequestHash != requestHash {
			return nil, domain.ErrIdempotencyMismatch
		}
		if rec.Status != domain.IdempotencyCompleted {
			return nil, domain.ErrIdempotencyInProgress
		}
		return &rec, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, domain.IdempotencyInProgress)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrIdempotencyInProgress
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return nil, nil
}

func (t *pgTx) CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = $2, response_body = $3 WHERE key = $1",
		key, domain.IdempotencyCompleted, response)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}
