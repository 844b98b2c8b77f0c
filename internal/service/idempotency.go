package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/punchamoorthee/pointsledger/internal/store"
)

// IdempotencyKey identifies client retries of one request. The zero value
// disables replay protection.
type IdempotencyKey struct {
	Key         string
	RequestHash string
}

// runIdempotent claims key inside tx, so the claim commits or rolls back
// together with the work. A completed claim replays the stored result.
func runIdempotent[T any](ctx context.Context, tx store.Tx, key IdempotencyKey, fn func() (*T, error)) (*T, bool, error) {
	if key.Key == "" {
		res, err := fn()
		return res, false, err
	}

	rec, err := tx.ClaimIdempotencyKey(ctx, key.Key, key.RequestHash)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		var stored T
		if err := json.Unmarshal(rec.Response, &stored); err != nil {
			return nil, false, fmt.Errorf("decode stored response for key %s: %w", key.Key, err)
		}
		return &stored, true, nil
	}

	res, err := fn()
	if err != nil {
		return nil, false, err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, false, err
	}
	if err := tx.CompleteIdempotencyKey(ctx, key.Key, body); err != nil {
		return nil, false, err
	}
	return res, false, nil
}
