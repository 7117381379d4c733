// fence-sim drives a fence pool and submission tracker against the
// software driver with randomized device completion latencies, then
// dumps wait and pool statistics. It exists to shake out lifecycle
// bugs (leaked fences, stuck waiters, out-of-order reclamation) under
// load without any hardware.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ehrlich-b/go-fence"
	"github.com/ehrlich-b/go-fence/driver/soft"
	"github.com/ehrlich-b/go-fence/internal/logging"
)

func main() {
	var (
		submissions = flag.Int("n", 10000, "Total submissions to run")
		workers     = flag.Int("workers", 8, "Concurrent submitter goroutines")
		prealloc    = flag.Int("prealloc", 16, "Fences preallocated in the pool")
		minLatency  = flag.Duration("min-latency", 50*time.Microsecond, "Minimum simulated device latency")
		maxLatency  = flag.Duration("max-latency", 2*time.Millisecond, "Maximum simulated device latency")
		reapEvery   = flag.Duration("reap", time.Millisecond, "Interval between reap sweeps (0 disables the reaper)")
		seed        = flag.Int64("seed", 0, "Random seed (0 uses the current time)")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *maxLatency < *minLatency {
		fmt.Fprintf(os.Stderr, "max-latency %v is below min-latency %v\n", *maxLatency, *minLatency)
		os.Exit(1)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	drv := soft.New()
	defer drv.Close()
	dev := fence.RegisterDevice(drv)
	defer fence.UnregisterDevice(dev)

	metrics := fence.NewMetrics()
	observer := fence.NewMetricsObserver(metrics)
	fence.SetDefaultObserver(observer)

	pool, err := fence.NewPool(dev, &fence.PoolOptions{
		Prealloc: *prealloc,
		Observer: observer,
	})
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		os.Exit(1)
	}
	tracker := fence.NewTracker(pool, &fence.TrackerOptions{Observer: observer})

	logger.Info("starting simulation",
		"submissions", *submissions,
		"workers", *workers,
		"prealloc", *prealloc,
		"seed", *seed)

	// Background reaper, racing the per-submission waits the way a
	// polling completion thread races blocking callers in production.
	reapDone := make(chan struct{})
	var reapWg sync.WaitGroup
	if *reapEvery > 0 {
		reapWg.Add(1)
		go func() {
			defer reapWg.Done()
			ticker := time.NewTicker(*reapEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					tracker.ReapCompleted()
				case <-reapDone:
					return
				}
			}
		}()
	}

	start := time.Now()
	var wg sync.WaitGroup
	perWorker := *submissions / *workers

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(*seed + int64(worker)))

			for i := 0; i < perWorker; i++ {
				f, err := pool.Acquire()
				if err != nil {
					logger.Error("acquire failed", "worker", worker, "error", err)
					return
				}

				id := tracker.NextID()
				if err := tracker.Track(id, f); err != nil {
					logger.Error("track failed", "worker", worker, "error", err)
					return
				}

				// Simulated device: complete the work after a random delay
				latency := *minLatency + time.Duration(rng.Int63n(int64(*maxLatency-*minLatency)+1))
				h := f.Handle()
				go func() {
					time.Sleep(latency)
					drv.SignalFence(h)
				}()

				// Half of the submissions are waited for synchronously,
				// the other half are left for the reaper
				if rng.Intn(2) == 0 || *reapEvery == 0 {
					status, err := tracker.WaitFor(id, fence.WaitForever)
					if err != nil && !fence.IsCode(err, fence.ErrCodeNotTracked) {
						// NotTracked means the reaper got there first
						logger.Error("wait failed", "worker", worker, "submission", uint64(id), "status", status.String(), "error", err)
						return
					}
				}
			}
		}(w)
	}

	wg.Wait()

	// Drain everything the reaper has not caught yet
	for tracker.Outstanding() > 0 {
		if tracker.ReapCompleted() == 0 {
			time.Sleep(100 * time.Microsecond)
		}
	}
	close(reapDone)
	reapWg.Wait()

	elapsed := time.Since(start)
	metrics.Stop()

	if err := pool.Close(); err != nil {
		logger.Error("pool close failed", "error", err)
		os.Exit(1)
	}

	snap := metrics.Snapshot()
	fmt.Printf("\nSimulation complete in %v\n\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Submissions:   %d tracked, %d completed\n", snap.Tracked, snap.Completed)
	fmt.Printf("Pool:          %d acquires (%.1f%% recycled), %d created\n",
		snap.Acquires, snap.PoolHitRate, snap.PoolMisses)
	fmt.Printf("Reap sweeps:   %d sweeps reclaimed %d submissions\n", snap.Reaps, snap.Reaped)
	fmt.Printf("Waits:         %d total, %d timed out, %d errors\n",
		snap.Waits, snap.WaitTimeouts, snap.WaitErrors)
	fmt.Printf("Wait latency:  avg %v, p50 %v, p99 %v, p99.9 %v\n",
		time.Duration(snap.AvgWaitNs),
		time.Duration(snap.WaitP50Ns),
		time.Duration(snap.WaitP99Ns),
		time.Duration(snap.WaitP999Ns))
	fmt.Printf("Throughput:    %.0f waits/sec\n", snap.WaitsPerSec)

	if snap.Tracked != snap.Completed {
		fmt.Fprintf(os.Stderr, "\nLEAK: %d submissions never completed\n", snap.Tracked-snap.Completed)
		os.Exit(1)
	}
}
