/*
scheduler.go - Periodic alert detection scheduler

PURPOSE:
  Runs the alert detection job on a fixed interval so cost anomalies
  surface without anyone clicking a button. Also persists each run's
  summary for the admin UI.

DESIGN:
  - Background goroutine driven by a time.Ticker
  - Runs once immediately on start, then every CheckInterval
  - A run failing never stops the scheduler; the next tick tries again
  - Stop() waits for an in-flight run to finish

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewDetectionScheduler(store, detector, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - alerting/detector.go: The job being scheduled
  - handlers.go: RunDetection endpoint (manual trigger)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/cost-ledger/alerting"
	"github.com/warp/cost-ledger/store/sqlite"
)

// DetectionScheduler runs alert detection periodically.
type DetectionScheduler struct {
	Store         *sqlite.Store
	Detector      *alerting.Detector
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDetectionScheduler creates a new scheduler.
func NewDetectionScheduler(store *sqlite.Store, detector *alerting.Detector, log *zap.Logger) *DetectionScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &DetectionScheduler{
		Store:         store,
		Detector:      detector,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ds *DetectionScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.log.Info("detection scheduler disabled, not starting")
		return
	}

	ds.ticker = time.NewTicker(ds.CheckInterval)
	ds.wg.Add(1)

	go ds.run(ds.ticker)

	ds.log.Info("detection scheduler started",
		zap.Duration("check_interval", ds.CheckInterval))
}

// Stop stops the scheduler. Safe to call more than once.
func (ds *DetectionScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		ds.ticker = nil
		close(ds.stop)
		ds.wg.Wait()
		ds.log.Info("detection scheduler stopped")
	}
}

func (ds *DetectionScheduler) run(ticker *time.Ticker) {
	defer ds.wg.Done()

	// Run immediately on start
	ds.detect()

	for {
		select {
		case <-ticker.C:
			ds.detect()
		case <-ds.stop:
			return
		}
	}
}

func (ds *DetectionScheduler) detect() {
	ctx := context.Background()

	summary, err := ds.Detector.Run(ctx)
	if err != nil {
		ds.log.Error("scheduled detection run failed", zap.Error(err))
		return
	}

	if err := ds.Store.SaveDetectionRun(ctx, uuid.NewString(), *summary); err != nil {
		ds.log.Error("failed to record detection run", zap.Error(err))
	}
}

// RunNow triggers an immediate detection pass (for testing/admin).
func (ds *DetectionScheduler) RunNow() {
	ds.detect()
}
