// Command benchmark drives a mix of earn, redeem and consume calls against a
// running API and reports throughput, latency and outcome counts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type options struct {
	url         string
	workers     int
	duration    time.Duration
	workload    string
	redeemRatio float64
	consume     bool
	rewardID    int64
	accounts    int
}

// outcomes counts responses by class.
type outcomes struct {
	created   atomic.Uint64
	replayed  atomic.Uint64
	conflicts atomic.Uint64
	rejected  atomic.Uint64
	gone      atomic.Uint64
	errors    atomic.Uint64
	consumed  atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (o *outcomes) record(status int, took time.Duration) {
	switch status {
	case http.StatusCreated:
		o.created.Add(1)
	case http.StatusOK:
		o.replayed.Add(1)
	case http.StatusConflict:
		o.conflicts.Add(1)
	case http.StatusUnprocessableEntity:
		o.rejected.Add(1)
	case http.StatusGone:
		o.gone.Add(1)
	default:
		o.errors.Add(1)
	}
	o.mu.Lock()
	o.latencies = append(o.latencies, took)
	o.mu.Unlock()
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "http://localhost:8080", "API base URL")
	flag.IntVar(&opts.workers, "workers", 10, "Concurrent workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&opts.workload, "workload", "uniform", "uniform | hotspot")
	flag.Float64Var(&opts.redeemRatio, "redeem-ratio", 0.2, "Share of requests that redeem instead of earn")
	flag.BoolVar(&opts.consume, "consume", true, "Consume every code right after redeeming it")
	flag.Int64Var(&opts.rewardID, "reward", 1, "Reward id to redeem")
	flag.IntVar(&opts.accounts, "accounts", 1000, "Number of seeded accounts")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.WithFields(logrus.Fields{
		"workload": opts.workload,
		"workers":  opts.workers,
		"duration": opts.duration.String(),
		"redeem":   opts.redeemRatio,
	}).Info("benchmark starting")

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	stats := &outcomes{}
	start := time.Now()
	var g errgroup.Group
	for i := range opts.workers {
		w := &worker{
			id:     i,
			opts:   opts,
			stats:  stats,
			client: &http.Client{Timeout: 5 * time.Second},
		}
		g.Go(func() error { return w.run(ctx) })
	}
	_ = g.Wait()

	report := summarize(opts, stats, time.Since(start))
	if err := writeReport(report, fmt.Sprintf("results_%s.json", opts.workload)); err != nil {
		log.WithError(err).Warn("unable to write results file")
	}
}

type worker struct {
	id     int
	seq    int
	opts   options
	stats  *outcomes
	client *http.Client
}

func (w *worker) run(ctx context.Context) error {
	for ctx.Err() == nil {
		customer := w.pickCustomer()
		if rand.Float64() < w.opts.redeemRatio {
			w.redeem(ctx, customer)
		} else {
			w.earn(ctx, customer)
		}
	}
	return nil
}

func (w *worker) earn(ctx context.Context, customer string) {
	amount := fmt.Sprintf("%d.%02d", 5+rand.IntN(200), rand.IntN(100))
	w.post(ctx, "/api/v1/accounts/"+customer+"/earn", map[string]any{"order_amount": amount}, nil)
}

func (w *worker) redeem(ctx context.Context, customer string) {
	var red struct {
		Code string `json:"code"`
	}
	status := w.post(ctx, "/api/v1/redemptions", map[string]any{
		"customer_id": customer,
		"reward_id":   w.opts.rewardID,
	}, &red)
	if status != http.StatusCreated || !w.opts.consume || red.Code == "" {
		return
	}
	order := map[string]any{"amount": "60.00", "order_ref": fmt.Sprintf("bench-order-%d-%d", w.id, w.seq)}
	if w.post(ctx, "/api/v1/redemptions/"+red.Code+"/consume", order, nil) == http.StatusOK {
		w.stats.consumed.Add(1)
	}
}

// post returns 0 when the request never completed.
func (w *worker) post(ctx context.Context, path string, payload any, out any) int {
	w.seq++
	body, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.url+path, bytes.NewReader(body))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("bench-%d-%d-%d", w.id, w.seq, time.Now().UnixNano()))

	began := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			w.stats.errors.Add(1)
		}
		return 0
	}
	defer resp.Body.Close()
	w.stats.record(resp.StatusCode, time.Since(began))
	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (w *worker) pickCustomer() string {
	// hotspot: 90% of traffic lands on two customers
	if w.opts.workload == "hotspot" && rand.Float32() < 0.90 {
		return fmt.Sprintf("cust-%05d", 1+rand.IntN(2))
	}
	return fmt.Sprintf("cust-%05d", 1+rand.IntN(w.opts.accounts))
}

type report struct {
	Workload      string  `json:"workload"`
	RedeemRatio   float64 `json:"redeem_ratio"`
	DurationSec   float64 `json:"duration_sec"`
	Requests      int     `json:"total_requests"`
	ThroughputTPS float64 `json:"throughput_tps"`
	Created       uint64  `json:"success_created"`
	Replayed      uint64  `json:"success_ok"`
	Consumed      uint64  `json:"codes_consumed"`
	Conflicts     uint64  `json:"aborts_conflict"`
	AbortRatePct  float64 `json:"abort_rate_pct"`
	Rejected      uint64  `json:"domain_rejection"`
	Gone          uint64  `json:"expired"`
	Errors        uint64  `json:"errors"`
	P50Ms         float64 `json:"p50_ms"`
	P95Ms         float64 `json:"p95_ms"`
	P99Ms         float64 `json:"p99_ms"`
}

func summarize(opts options, o *outcomes, d time.Duration) report {
	o.mu.Lock()
	lat := slices.Clone(o.latencies)
	o.mu.Unlock()
	slices.Sort(lat)

	r := report{
		Workload:    opts.workload,
		RedeemRatio: opts.redeemRatio,
		DurationSec: d.Seconds(),
		Requests:    len(lat),
		Created:     o.created.Load(),
		Replayed:    o.replayed.Load(),
		Consumed:    o.consumed.Load(),
		Conflicts:   o.conflicts.Load(),
		Rejected:    o.rejected.Load(),
		Gone:        o.gone.Load(),
		Errors:      o.errors.Load(),
		P50Ms:       percentile(lat, 0.50),
		P95Ms:       percentile(lat, 0.95),
		P99Ms:       percentile(lat, 0.99),
	}
	if r.Requests > 0 {
		r.ThroughputTPS = float64(r.Requests) / d.Seconds()
		r.AbortRatePct = float64(r.Conflicts) / float64(r.Requests) * 100
	}
	return r
}

func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)-1))
	return float64(sorted[i].Microseconds()) / 1000
}

// writeReport prints the report for the plotting scripts and keeps a copy on disk.
func writeReport(r report, filename string) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(r)
}
