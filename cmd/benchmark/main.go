package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	payers      int
	amount      string
)

// Metrics
var (
	rounds        uint64
	approvedWins  uint64 // approve returned 200
	cancelledWins uint64 // cancel returned 200
	fail409       uint64 // lost the race
	doubleWinners uint64 // both approve and cancel returned 200
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.IntVar(&payers, "payers", 10, "Payer identities (payer-1..payer-N); fund them via SIM_BALANCES")
	flag.StringVar(&amount, "amount", "0.01", "Amount per request in token units")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: approve/cancel race | Workers: %d | Duration: %s", concurrency, duration)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error { return race(gctx, worker) })
	}
	if err := g.Wait(); err != nil {
		log.Printf("worker stopped: %v", err)
	}
	printResults(time.Since(start))
}

// race repeatedly creates a request and fires approve and cancel at it at
// the same time. Exactly one of the two may succeed.
func race(ctx context.Context, worker int) error {
	client := &http.Client{Timeout: 5 * time.Second}

	for ctx.Err() == nil {
		requester := fmt.Sprintf("requester-%d", worker)
		payee := fmt.Sprintf("payer-%d", rand.Intn(payers)+1)

		id, err := create(ctx, client, requester, payee)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			atomic.AddUint64(&failOther, 1)
			continue
		}

		var approveCode, cancelCode int
		var g errgroup.Group
		g.Go(func() error {
			approveCode = post(ctx, client, fmt.Sprintf("/api/v1/requests/%d/approve", id), payee)
			return nil
		})
		g.Go(func() error {
			cancelCode = post(ctx, client, fmt.Sprintf("/api/v1/requests/%d/cancel", id), requester)
			return nil
		})
		g.Wait()

		atomic.AddUint64(&rounds, 1)
		tally(approveCode, &approvedWins)
		tally(cancelCode, &cancelledWins)
		if approveCode == http.StatusOK && cancelCode == http.StatusOK {
			atomic.AddUint64(&doubleWinners, 1)
		}
	}
	return nil
}

func tally(code int, win *uint64) {
	switch code {
	case http.StatusOK:
		atomic.AddUint64(win, 1)
	case http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func create(ctx context.Context, client *http.Client, requester, payee string) (int64, error) {
	body, _ := json.Marshal(map[string]string{
		"payee":       payee,
		"amount":      amount,
		"description": "benchmark",
	})
	req, err := http.NewRequestWithContext(ctx, "POST", targetURL+"/api/v1/requests", bytes.NewBuffer(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", requester)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("create returned %d", resp.StatusCode)
	}

	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

func post(ctx context.Context, client *http.Client, path, actor string) int {
	req, err := http.NewRequestWithContext(ctx, "POST", targetURL+path, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("X-Actor", actor)
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	resp.Body.Close()
	return resp.StatusCode
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&rounds)
	approved := atomic.LoadUint64(&approvedWins)
	cancelled := atomic.LoadUint64(&cancelledWins)
	f409 := atomic.LoadUint64(&fail409)
	doubles := atomic.LoadUint64(&doubleWinners)
	fErr := atomic.LoadUint64(&failOther)

	results := map[string]interface{}{
		"workload":         "approve_cancel_race",
		"duration_sec":     d.Seconds(),
		"rounds":           total,
		"rounds_per_sec":   float64(total) / d.Seconds(),
		"approved_wins":    approved,
		"cancelled_wins":   cancelled,
		"conflicts_409":    f409,
		"double_winners":   doubles,
		"errors":           fErr,
		"exclusive_result": doubles == 0,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	file, err := os.Create("results_race.json")
	if err != nil {
		log.Printf("unable to save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
