package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

var (
	target      = flag.String("target", "localhost:19132", "Proxy address")
	mode        = flag.String("mode", "connect", "Load to generate: connect or ping")
	kind        = flag.String("transport", "raknet", "Transport: raknet or tcp")
	connections = flag.Int("connections", 100, "Number of concurrent workers")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	hold        = flag.Duration("hold", 5*time.Second, "How long each connection stays open (connect mode)")
	rate        = flag.Float64("rate", 10.0, "Pings per second per worker (ping mode)")
	timeout     = flag.Duration("timeout", 5*time.Second, "Dial and ping timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	Attempts     int64
	Successes    int64
	Failures     int64
	Dropped      int64 // connections the proxy closed before hold elapsed
	MinLatency   int64
	MaxLatency   int64
	TotalLatency int64
	LatencyCount int64
}

var stats Stats

func main() {
	flag.Parse()

	dialer, err := transport.NewDialer(transport.Kind(*kind), transport.Options{MaxFrameSize: 4 * 1024 * 1024, WriteTimeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid transport: %v\n", err)
		os.Exit(2)
	}

	var work func(ctx context.Context)
	switch *mode {
	case "connect":
		work = func(ctx context.Context) { runConnection(ctx, dialer) }
	case "ping":
		pinger, ok := dialer.(transport.Pinger)
		if !ok {
			fmt.Fprintf(os.Stderr, "Transport %s cannot ping\n", *kind)
			os.Exit(2)
		}
		work = func(ctx context.Context) { runPinger(ctx, pinger) }
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode %q\n", *mode)
		os.Exit(2)
	}

	fmt.Printf("=== Bedrock Proxy Load Test ===\n")
	fmt.Printf("Target: %s (%s)\n", *target, *kind)
	fmt.Printf("Mode: %s\n", *mode)
	fmt.Printf("Workers: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	startTime := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				work(ctx)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	// Final report
	<-statsDone
	printFinalReport(elapsed)
}

// runConnection opens one connection and keeps it for hold, reporting
// connections the proxy refuses or drops early
func runConnection(ctx context.Context, dialer transport.Dialer) {
	atomic.AddInt64(&stats.Attempts, 1)

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	start := time.Now()
	conn, err := dialer.Dial(dialCtx, *target)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		atomic.AddInt64(&stats.Failures, 1)
		if *verbose {
			fmt.Printf("Connection failed: %v\n", err)
		}
		time.Sleep(100 * time.Millisecond)
		return
	}
	recordLatency(time.Since(start))
	atomic.AddInt64(&stats.Successes, 1)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(*hold)
	defer timer.Stop()
	select {
	case <-closed:
		atomic.AddInt64(&stats.Dropped, 1)
	case <-timer.C:
	case <-ctx.Done():
	}
	conn.Close()
}

// runPinger sends unconnected pings at rate until ctx is done
func runPinger(ctx context.Context, pinger transport.Pinger) {
	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			atomic.AddInt64(&stats.Attempts, 1)
			pingCtx, cancel := context.WithTimeout(ctx, *timeout)
			start := time.Now()
			_, err := pinger.Ping(pingCtx, *target)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				atomic.AddInt64(&stats.Failures, 1)
				if *verbose {
					fmt.Printf("Ping failed: %v\n", err)
				}
				continue
			}
			recordLatency(time.Since(start))
			atomic.AddInt64(&stats.Successes, 1)
		}
	}
}

func recordLatency(latency time.Duration) {
	l := int64(latency)
	atomic.AddInt64(&stats.LatencyCount, 1)
	atomic.AddInt64(&stats.TotalLatency, l)

	for {
		oldMin := atomic.LoadInt64(&stats.MinLatency)
		if oldMin != 0 && l >= oldMin {
			break
		}
		if atomic.CompareAndSwapInt64(&stats.MinLatency, oldMin, l) {
			break
		}
	}
	for {
		oldMax := atomic.LoadInt64(&stats.MaxLatency)
		if l <= oldMax {
			break
		}
		if atomic.CompareAndSwapInt64(&stats.MaxLatency, oldMax, l) {
			break
		}
	}
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	fmt.Printf("\r[Stats] Attempts: %d | OK: %d | Failed: %d | Dropped: %d",
		atomic.LoadInt64(&stats.Attempts),
		atomic.LoadInt64(&stats.Successes),
		atomic.LoadInt64(&stats.Failures),
		atomic.LoadInt64(&stats.Dropped),
	)
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	attempts := atomic.LoadInt64(&stats.Attempts)
	successes := atomic.LoadInt64(&stats.Successes)
	failures := atomic.LoadInt64(&stats.Failures)
	dropped := atomic.LoadInt64(&stats.Dropped)
	latencyCount := atomic.LoadInt64(&stats.LatencyCount)

	fmt.Printf("\n--- %s ---\n", *mode)
	fmt.Printf("Attempts: %d\n", attempts)
	if attempts > 0 {
		fmt.Printf("Successful: %d (%.2f%%)\n", successes, float64(successes)/float64(attempts)*100)
		fmt.Printf("Failed: %d (%.2f%%)\n", failures, float64(failures)/float64(attempts)*100)
	}
	if *mode == "connect" {
		fmt.Printf("Dropped early: %d\n", dropped)
	}
	fmt.Printf("Rate: %.2f/s\n", float64(successes)/elapsed.Seconds())

	fmt.Printf("\n--- Latency ---\n")
	if latencyCount > 0 {
		fmt.Printf("Min: %v\n", time.Duration(atomic.LoadInt64(&stats.MinLatency)))
		fmt.Printf("Max: %v\n", time.Duration(atomic.LoadInt64(&stats.MaxLatency)))
		fmt.Printf("Avg: %v\n", time.Duration(atomic.LoadInt64(&stats.TotalLatency)/latencyCount))
	}

	// Exit code
	if failures > attempts/10 {
		fmt.Printf("\nTest failed: too many errors\n")
		os.Exit(1)
	}
	fmt.Printf("\nTest completed successfully\n")
}
