package service

import (
	"sort"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

type lot struct {
	at        time.Time
	remaining int64
}

// agedOutstanding replays history in (created_at, id) order. Every credit
// opens a lot and every debit drains the oldest open lots first. It returns
// what is left in lots dated at or before cutoff.
//
// The result depends only on history and cutoff, so expiring it and then
// recomputing yields zero.
func agedOutstanding(history []domain.Transaction, cutoff time.Time) int64 {
	txs := make([]domain.Transaction, len(history))
	copy(txs, history)
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})

	var lots []lot
	head := 0
	for _, t := range txs {
		if t.Delta > 0 {
			lots = append(lots, lot{at: t.CreatedAt, remaining: t.Delta})
			continue
		}
		debit := -t.Delta
		for debit > 0 && head < len(lots) {
			take := min(debit, lots[head].remaining)
			lots[head].remaining -= take
			debit -= take
			if lots[head].remaining == 0 {
				head++
			}
		}
	}

	var aged int64
	for _, l := range lots[head:] {
		if !l.at.After(cutoff) {
			aged += l.remaining
		}
	}
	return aged
}

// fold recomputes the materialized counters from history.
func fold(history []domain.Transaction) (balance, lifetime int64) {
	for _, t := range history {
		balance += t.Delta
		if t.Kind == domain.KindEarn {
			lifetime += t.Delta
		}
	}
	return balance, lifetime
}
