// Package maintenance purges expired address blocks and audit events past
// retention, either once (cmd/maintenance) or on a ticker inside the server.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/welldanyogia/ipam/backend/internal/metrics"
)

// Task names used in logs and metrics
const (
	TaskExpiredBlocks  = "expired_blocks"
	TaskAuditRetention = "audit_retention"
)

// runTimeout bounds a single scheduled run
const runTimeout = 10 * time.Minute

// Cleaner deletes rows past their validity
type Cleaner interface {
	CleanupExpiredBlocks(ctx context.Context) (int64, error)
	CleanupOldAuditEvents(ctx context.Context, retentionDays int) (int64, error)
}

// Config holds configuration for the maintenance job
type Config struct {
	Interval      time.Duration
	RetentionDays int
	Enabled       bool
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		RetentionDays: 90,
		Enabled:       true,
	}
}

// Result holds the outcome of one run
type Result struct {
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	BlocksDeleted int64     `json:"blocks_deleted"`
	EventsDeleted int64     `json:"events_deleted"`
	Errors        []string  `json:"errors,omitempty"`
}

// Job runs both cleanups and remembers the last result
type Job struct {
	cleaner Cleaner
	config  Config
	logger  *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	last     *Result
}

// NewJob creates a new maintenance job
func NewJob(cleaner Cleaner, config Config, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultConfig().RetentionDays
	}
	return &Job{
		cleaner:  cleaner,
		config:   config,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic loop. The first run happens immediately.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return errors.New("maintenance job is already running")
	}
	if !j.config.Enabled {
		j.logger.Info("maintenance job is disabled")
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})
	j.wg.Add(1)
	go j.run()

	j.logger.Info("maintenance job started",
		slog.Duration("interval", j.config.Interval),
		slog.Int("retention_days", j.config.RetentionDays),
	)
	return nil
}

// Stop stops the loop and waits for an in-flight run to finish
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("maintenance job stopped")
}

// IsRunning returns whether the loop is running
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastResult returns the result of the last run, or nil before the first
func (j *Job) LastResult() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *Job) run() {
	defer j.wg.Done()

	j.scheduled()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.scheduled()
		case <-j.stopChan:
			return
		}
	}
}

func (j *Job) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	_, _ = j.RunNow(ctx)
}

// RunNow runs both cleanups once. Both tasks always run; the returned error
// joins the failures of either.
func (j *Job) RunNow(ctx context.Context) (*Result, error) {
	result := &Result{StartTime: time.Now()}

	var errs []error
	blocks, err := j.cleaner.CleanupExpiredBlocks(ctx)
	result.BlocksDeleted = blocks
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", TaskExpiredBlocks, err))
	}
	record(TaskExpiredBlocks, blocks, err)

	events, err := j.cleaner.CleanupOldAuditEvents(ctx, j.config.RetentionDays)
	result.EventsDeleted = events
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", TaskAuditRetention, err))
	}
	record(TaskAuditRetention, events, err)

	for _, e := range errs {
		result.Errors = append(result.Errors, e.Error())
	}
	result.EndTime = time.Now()

	j.mu.Lock()
	j.last = result
	j.mu.Unlock()

	attrs := []any{
		slog.Int64("blocks_deleted", result.BlocksDeleted),
		slog.Int64("events_deleted", result.EventsDeleted),
		slog.Duration("duration", result.EndTime.Sub(result.StartTime)),
	}
	if len(errs) > 0 {
		j.logger.Error("maintenance run finished with errors", append(attrs, slog.Any("errors", result.Errors))...)
	} else {
		j.logger.Info("maintenance run completed", attrs...)
	}
	return result, errors.Join(errs...)
}

func record(task string, deleted int64, err error) {
	if err != nil {
		metrics.MaintenanceRunsTotal.WithLabelValues(task, "error").Inc()
		return
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(task, "success").Inc()
	metrics.MaintenanceRowsDeleted.WithLabelValues(task).Add(float64(deleted))
}
