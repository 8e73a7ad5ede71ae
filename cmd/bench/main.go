package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"

	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/consensus"
	"github.com/vaultik/backend/internal/system"
	"github.com/vaultik/backend/internal/verify"
)

// Benchmark drives concurrent consensus requests against an in-process
// control plane and reports latency percentiles. Exit code 0 iff the
// success rate reaches 99.0%.
func main() {
	requests := flag.Int("requests", 500, "total requests to issue")
	concurrency := flag.Int("concurrency", 16, "concurrent workers")
	users := flag.Int("users", 25, "distinct simulated users")
	flag.Parse()

	bold := color.New(color.Bold)
	bold.Println("vaultik consensus benchmark")
	fmt.Printf("requests=%d concurrency=%d users=%d\n\n", *requests, *concurrency, *users)

	cfg := config.Default()
	cfg.Trust.ProfileDir = mustTempDir()
	cfg.Monitor.EnablePromSink = false

	sys, err := system.New(cfg)
	if err != nil {
		color.Red("system construction failed: %v", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if err := sys.Initialize(ctx); err != nil {
		color.Red("initialization failed: %v", err)
		os.Exit(1)
	}
	defer sys.Shutdown(ctx)

	var (
		succeeded atomic.Int64
		failed    atomic.Int64
		mu        sync.Mutex
		latencies []time.Duration
	)

	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				userID := fmt.Sprintf("bench-user-%d", i%*users)
				session := 900.0
				kpm := 62.0
				reqStart := time.Now()
				decision, err := sys.Decide(ctx, system.AccessRequest{
					UserID:  userID,
					VaultID: "bench-vault",
					Raw: verify.RawContext{
						DeviceFingerprint: "bench-device-" + userID,
						ChallengeNonce:    fmt.Sprintf("nonce-%d", i),
						Timestamp:         time.Now(),
						SessionDuration:   &session,
						KeystrokesPerMin:  &kpm,
					},
					Level:           verify.LevelStandard,
					AccessFrequency: 4,
					AccessHour:      14,
					BusinessHours:   true,
					IPConsistent:    true,
				})
				elapsed := time.Since(reqStart)

				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()

				if err == nil && decision.Consensus.FinalDecision != consensus.DecisionConsensusFailed {
					succeeded.Add(1)
				} else {
					failed.Add(1)
				}
			}
		}()
	}
	for i := 0; i < *requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	total := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	successRate := float64(succeeded.Load()) / float64(*requests) * 100

	bold.Println("\nresults")
	fmt.Printf("  duration:    %v\n", total.Round(time.Millisecond))
	fmt.Printf("  throughput:  %.1f req/s\n", float64(*requests)/total.Seconds())
	fmt.Printf("  p50 latency: %v\n", percentile(latencies, 0.50))
	fmt.Printf("  p95 latency: %v\n", percentile(latencies, 0.95))
	fmt.Printf("  p99 latency: %v\n", percentile(latencies, 0.99))
	fmt.Printf("  succeeded:   %d\n", succeeded.Load())
	fmt.Printf("  failed:      %d\n", failed.Load())

	if successRate >= 99.0 {
		color.Green("success rate %.2f%% (>= 99.0%%)", successRate)
		os.Exit(0)
	}
	color.Red("success rate %.2f%% (< 99.0%%)", successRate)
	os.Exit(1)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx].Round(time.Microsecond)
}

func mustTempDir() string {
	dir, err := os.MkdirTemp("", "vaultik-bench-*")
	if err != nil {
		color.Red("temp dir: %v", err)
		os.Exit(1)
	}
	return dir
}
