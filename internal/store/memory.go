package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// Memory is a thread-safe in-process Store. Units of work are serialized
// and buffer their writes, which are applied only when fn returns nil.
// The single writer lock makes every account contend with every other, so
// Memory backs tests and single-process demos only; config refuses it in
// production.
type Memory struct {
	writer sync.Mutex   // held for the whole of a unit of work
	mu     sync.RWMutex // guards committed state against readers

	accounts    map[string]domain.Account
	history     map[string][]domain.Transaction
	rewards     map[int64]domain.Reward
	rewardOrder []int64
	redemptions map[string]domain.Redemption // by code
	idempotency map[string]domain.IdempotencyRecord

	settings *domain.SettingsRecord

	txnSeq    atomic.Int64
	rewardSeq atomic.Int64

	now func() time.Time
}

type MemoryOption func(*Memory)

// WithClock stamps new accounts with now instead of the wall clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		accounts:    make(map[string]domain.Account),
		history:     make(map[string][]domain.Transaction),
		rewards:     make(map[int64]domain.Reward),
		redemptions: make(map[string]domain.Redemption),
		idempotency: make(map[string]domain.IdempotencyRecord),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Close() {}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writer.Lock()
	defer m.writer.Unlock()

	tx := &memTx{
		m:           m,
		accounts:    make(map[string]domain.Account),
		rewards:     make(map[int64]domain.Reward),
		redemptions: make(map[string]domain.Redemption),
		idempotency: make(map[string]domain.IdempotencyRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) GetAccount(_ context.Context, customerID string) (*domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[customerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &acc, nil
}

func (m *Memory) ListTransactions(_ context.Context, customerID string, page domain.Page) ([]domain.Transaction, error) {
	page = page.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[customerID]; !ok {
		return nil, domain.ErrNotFound
	}
	h := m.history[customerID]
	out := make([]domain.Transaction, 0, page.Limit)
	for i := len(h) - 1; i >= 0 && len(out) < page.Limit; i-- {
		if page.BeforeID != 0 && h[i].ID >= page.BeforeID {
			continue
		}
		out = append(out, h[i])
	}
	return out, nil
}

func (m *Memory) GetReward(_ context.Context, id int64) (*domain.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rewards[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneReward(r), nil
}

func (m *Memory) ListRewards(_ context.Context, filter domain.RewardFilter) ([]domain.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Reward, 0, len(m.rewardOrder))
	for _, id := range m.rewardOrder {
		r := m.rewards[id]
		if filter.Match(&r) {
			out = append(out, *cloneReward(r))
		}
	}
	return out, nil
}

func (m *Memory) GetRedemptionByCode(_ context.Context, code string) (*domain.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.redemptions[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRedemption(r), nil
}

func (m *Memory) ListExpirableAccounts(_ context.Context, cutoff time.Time, afterID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, acc := range m.accounts {
		if id <= afterID || acc.Balance <= 0 {
			continue
		}
		for _, t := range m.history[id] {
			if t.Delta > 0 && !t.CreatedAt.After(cutoff) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) ExpireRedemptions(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.writer.Lock()
	defer m.writer.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for code, r := range m.redemptions {
		if r.Status == domain.RedemptionActive && now.After(r.ExpiresAt) {
			r.Status = domain.RedemptionExpired
			m.redemptions[code] = r
			n++
		}
	}
	return n, nil
}

func (m *Memory) LoadSettings(_ context.Context) (domain.SettingsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return domain.SettingsRecord{}, domain.ErrNotFound
	}
	rec := *m.settings
	rec.Tiers = bytes.Clone(rec.Tiers)
	return rec, nil
}

func (m *Memory) SaveSettings(_ context.Context, rec domain.SettingsRecord) (int64, error) {
	m.writer.Lock()
	defer m.writer.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if m.settings != nil {
		current = m.settings.Version
	}
	if current != rec.Version {
		return 0, domain.ErrConflict
	}
	rec.Version++
	rec.Tiers = bytes.Clone(rec.Tiers)
	m.settings = &rec
	return rec.Version, nil
}

// memTx stages writes; reads fall through to committed state, which cannot
// change while the writer lock is held.
type memTx struct {
	m *Memory

	accounts    map[string]domain.Account
	txns        []domain.Transaction
	rewards     map[int64]domain.Reward
	newRewards  []int64
	redemptions map[string]domain.Redemption
	idempotency map[string]domain.IdempotencyRecord
}

func (tx *memTx) commit() {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, acc := range tx.accounts {
		m.accounts[id] = acc
	}
	for _, t := range tx.txns {
		m.history[t.AccountID] = append(m.history[t.AccountID], t)
	}
	for id, r := range tx.rewards {
		m.rewards[id] = r
	}
	m.rewardOrder = append(m.rewardOrder, tx.newRewards...)
	for code, r := range tx.redemptions {
		m.redemptions[code] = r
	}
	for k, rec := range tx.idempotency {
		m.idempotency[k] = rec
	}
}

func (tx *memTx) account(id string) (domain.Account, bool) {
	if acc, ok := tx.accounts[id]; ok {
		return acc, true
	}
	acc, ok := tx.m.accounts[id]
	return acc, ok
}

func (tx *memTx) LockAccount(_ context.Context, customerID string) (*domain.Account, error) {
	acc, ok := tx.account(customerID)
	if !ok {
		now := tx.m.now().UTC()
		acc = domain.Account{CustomerID: customerID, CreatedAt: now, UpdatedAt: now}
		tx.accounts[customerID] = acc
	}
	return &acc, nil
}

func (tx *memTx) SaveAccount(_ context.Context, acc *domain.Account) error {
	if _, ok := tx.account(acc.CustomerID); !ok {
		return domain.ErrNotFound
	}
	tx.accounts[acc.CustomerID] = *acc
	return nil
}

func (tx *memTx) AccountTransactions(_ context.Context, customerID string) ([]domain.Transaction, error) {
	committed := tx.m.history[customerID]
	out := make([]domain.Transaction, 0, len(committed)+len(tx.txns))
	out = append(out, committed...)
	for _, t := range tx.txns {
		if t.AccountID == customerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *domain.Transaction) error {
	if t.Delta == 0 {
		return domain.Invalid("delta", "must not be zero")
	}
	t.ID = tx.m.txnSeq.Add(1)
	tx.txns = append(tx.txns, *t)
	return nil
}

func (tx *memTx) reward(id int64) (domain.Reward, bool) {
	if r, ok := tx.rewards[id]; ok {
		return r, true
	}
	r, ok := tx.m.rewards[id]
	return r, ok
}

func (tx *memTx) GetReward(_ context.Context, id int64) (*domain.Reward, error) {
	r, ok := tx.reward(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneReward(r), nil
}

func (tx *memTx) LockReward(ctx context.Context, id int64) (*domain.Reward, error) {
	return tx.GetReward(ctx, id)
}

func (tx *memTx) IncrementRewardUsage(_ context.Context, id int64) (int64, error) {
	r, ok := tx.reward(id)
	if !ok {
		return 0, domain.ErrNotFound
	}
	if r.Exhausted() {
		return r.UsedCount, domain.ErrUsageLimitExceeded
	}
	r.UsedCount++
	tx.rewards[id] = r
	return r.UsedCount, nil
}

func (tx *memTx) CreateReward(_ context.Context, r *domain.Reward) error {
	r.ID = tx.m.rewardSeq.Add(1)
	tx.rewards[r.ID] = *cloneReward(*r)
	tx.newRewards = append(tx.newRewards, r.ID)
	return nil
}

func (tx *memTx) UpdateReward(_ context.Context, r *domain.Reward) error {
	if _, ok := tx.reward(r.ID); !ok {
		return domain.ErrNotFound
	}
	tx.rewards[r.ID] = *cloneReward(*r)
	return nil
}

func (tx *memTx) redemption(code string) (domain.Redemption, bool) {
	if r, ok := tx.redemptions[code]; ok {
		return r, true
	}
	r, ok := tx.m.redemptions[code]
	return r, ok
}

func (tx *memTx) InsertRedemption(_ context.Context, r *domain.Redemption) error {
	if _, ok := tx.redemption(r.Code); ok {
		return domain.ErrDuplicateCode
	}
	tx.redemptions[r.Code] = *cloneRedemption(*r)
	return nil
}

func (tx *memTx) LockRedemptionByCode(_ context.Context, code string) (*domain.Redemption, error) {
	r, ok := tx.redemption(code)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRedemption(r), nil
}

func (tx *memTx) UpdateRedemption(_ context.Context, r *domain.Redemption) error {
	if _, ok := tx.redemption(r.Code); !ok {
		return domain.ErrNotFound
	}
	tx.redemptions[r.Code] = *cloneRedemption(*r)
	return nil
}

func (tx *memTx) ClaimIdempotencyKey(_ context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	rec, ok := tx.idempotency[key]
	if !ok {
		rec, ok = tx.m.idempotency[key]
	}
	if ok {
		if rec.RequestHash != requestHash {
			return nil, domain.ErrIdempotencyMismatch
		}
		if rec.Status != domain.IdempotencyCompleted {
			return nil, domain.ErrIdempotencyInProgress
		}
		return &rec, nil
	}
	tx.idempotency[key] = domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyInProgress,
	}
	return nil, nil
}

func (tx *memTx) CompleteIdempotencyKey(_ context.Context, key string, response []byte) error {
	rec, ok := tx.idempotency[key]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = domain.IdempotencyCompleted
	rec.Response = append([]byte(nil), response...)
	tx.idempotency[key] = rec
	return nil
}

func cloneReward(r domain.Reward) *domain.Reward {
	if r.Discount != nil {
		d := *r.Discount
		r.Discount = &d
	}
	if r.UsageLimit != nil {
		l := *r.UsageLimit
		r.UsageLimit = &l
	}
	return &r
}

func cloneRedemption(r domain.Redemption) *domain.Redemption {
	if r.Terms.Discount != nil {
		d := *r.Terms.Discount
		r.Terms.Discount = &d
	}
	if r.DiscountApplied != nil {
		d := *r.DiscountApplied
		r.DiscountApplied = &d
	}
	if r.UsedAt != nil {
		t := *r.UsedAt
		r.UsedAt = &t
	}
	return &r
}
