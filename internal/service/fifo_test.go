package service

import (
	"testing"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestAgedOutstanding(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d int) time.Time { return t0.AddDate(0, 0, d) }
	tx := func(id int64, kind domain.Kind, delta int64, day int) domain.Transaction {
		return domain.Transaction{ID: id, Kind: kind, Delta: delta, CreatedAt: at(day)}
	}

	tests := []struct {
		name    string
		history []domain.Transaction
		cutoff  time.Time
		want    int64
	}{
		{
			name:    "nothing aged",
			history: []domain.Transaction{tx(1, domain.KindEarn, 100, 10)},
			cutoff:  at(5),
			want:    0,
		},
		{
			name:    "single aged earn",
			history: []domain.Transaction{tx(1, domain.KindEarn, 100, 0)},
			cutoff:  at(0),
			want:    100,
		},
		{
			name: "spend drains the oldest lot first",
			history: []domain.Transaction{
				tx(1, domain.KindEarn, 100, 0),
				tx(2, domain.KindEarn, 50, 20),
				tx(3, domain.KindSpend, -120, 30),
			},
			cutoff: at(10),
			want:   0,
		},
		{
			name: "partially drained lot ages out",
			history: []domain.Transaction{
				tx(1, domain.KindEarn, 100, 0),
				tx(2, domain.KindSpend, -30, 5),
				tx(3, domain.KindEarn, 50, 20),
			},
			cutoff: at(10),
			want:   70,
		},
		{
			name: "previous expiry is accounted for",
			history: []domain.Transaction{
				tx(1, domain.KindEarn, 100, 0),
				tx(2, domain.KindExpire, -100, 400),
				tx(3, domain.KindEarn, 40, 401),
			},
			cutoff: at(401),
			want:   40,
		},
		{
			name: "positive adjust is a lot, negative adjust a debit",
			history: []domain.Transaction{
				tx(1, domain.KindAdjust, 25, 0),
				tx(2, domain.KindEarn, 10, 1),
				tx(3, domain.KindAdjust, -5, 2),
			},
			cutoff: at(1),
			want:   30,
		},
		{
			name: "out of order input is sorted by time then id",
			history: []domain.Transaction{
				tx(3, domain.KindSpend, -60, 5),
				tx(1, domain.KindEarn, 50, 0),
				tx(2, domain.KindEarn, 50, 0),
			},
			cutoff: at(0),
			want:   40,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, agedOutstanding(tt.history, tt.cutoff))
		})
	}
}

func TestAgedOutstandingIsStableAfterExpiry(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	history := []domain.Transaction{
		{ID: 1, Kind: domain.KindEarn, Delta: 100, CreatedAt: t0},
		{ID: 2, Kind: domain.KindSpend, Delta: -30, CreatedAt: t0.AddDate(0, 0, 3)},
	}
	cutoff := t0.AddDate(0, 0, 10)
	aged := agedOutstanding(history, cutoff)
	assert.EqualValues(t, 70, aged)

	history = append(history, domain.Transaction{ID: 3, Kind: domain.KindExpire, Delta: -aged, CreatedAt: cutoff})
	assert.Zero(t, agedOutstanding(history, cutoff))
}

func TestFold(t *testing.T) {
	balance, lifetime := fold([]domain.Transaction{
		{Kind: domain.KindEarn, Delta: 100},
		{Kind: domain.KindSpend, Delta: -40},
		{Kind: domain.KindAdjust, Delta: 15},
		{Kind: domain.KindExpire, Delta: -5},
	})
	assert.EqualValues(t, 70, balance)
	assert.EqualValues(t, 100, lifetime)
}
