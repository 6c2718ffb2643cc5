package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fractal-lba/profitcast/internal/api"
)

// ScheduleConfig defines periodic retraining.
type ScheduleConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Algorithm   string        `mapstructure:"algorithm"`
	HorizonDays int           `mapstructure:"horizon_days"`
	// RunOnStart trains once immediately instead of waiting a full interval.
	RunOnStart bool `mapstructure:"run_on_start"`
}

// DefaultScheduleConfig returns a disabled daily schedule.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Interval:    24 * time.Hour,
		Algorithm:   string(api.AlgorithmBagged),
		HorizonDays: 30,
	}
}

// Validate checks the schedule when it is enabled.
func (c ScheduleConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval < time.Minute {
		return fmt.Errorf("%w: training.schedule.interval must be >= 1m", api.ErrInvalidInput)
	}
	if _, err := api.ParseAlgorithm(c.Algorithm); err != nil {
		return err
	}
	if c.HorizonDays < 1 {
		return fmt.Errorf("%w: training.schedule.horizon_days must be >= 1", api.ErrInvalidInput)
	}
	return nil
}

// Trainer is the part of Pipeline the scheduler drives.
type Trainer interface {
	Train(ctx context.Context, req Request) (*api.TrainResult, error)
}

// SchedulerStats tracks scheduler outcomes
type SchedulerStats struct {
	TotalRuns       int64
	SuccessfulRuns  int64
	FailedRuns      int64
	SkippedRuns     int64
	LastRunTime     time.Time
	LastRunDuration time.Duration
}

// Scheduler retrains on a fixed interval.
type Scheduler struct {
	mu      sync.RWMutex
	cfg     ScheduleConfig
	trainer Trainer
	onSkip  func()
	logger  *zap.Logger
	running bool
	stopCh  chan struct{}
	stats   SchedulerStats
}

// NewScheduler creates a scheduler. onSkip, if set, is called for each run
// skipped because another run held the slot.
func NewScheduler(cfg ScheduleConfig, trainer Trainer, onSkip func(), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		trainer: trainer,
		onSkip:  onSkip,
		logger:  logger.Named("scheduler"),
	}
}

// Start blocks, running training every interval until ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	alg, err := api.ParseAlgorithm(s.cfg.Algorithm)
	if err != nil {
		return err
	}
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("%w: schedule interval must be positive", api.ErrInvalidInput)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("training scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("algorithm", string(alg)))

	req := Request{Algorithm: alg, HorizonDays: s.cfg.HorizonDays, Trigger: "schedule"}
	if s.cfg.RunOnStart {
		s.runOnce(ctx, req)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			s.runOnce(ctx, req)
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
	s.logger.Info("training scheduler stopped")
}

// runOnce executes one scheduled run. A run rejected because another is in
// progress is counted as skipped, not failed.
func (s *Scheduler) runOnce(ctx context.Context, req Request) {
	start := time.Now()
	_, err := s.trainer.Train(ctx, req)

	s.mu.Lock()
	s.stats.TotalRuns++
	s.stats.LastRunTime = start
	s.stats.LastRunDuration = time.Since(start)
	switch {
	case err == nil:
		s.stats.SuccessfulRuns++
	case errors.Is(err, api.ErrTrainingInProgress):
		s.stats.SkippedRuns++
	default:
		s.stats.FailedRuns++
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, api.ErrTrainingInProgress):
		if s.onSkip != nil {
			s.onSkip()
		}
		s.logger.Info("scheduled training skipped, another run is in progress")
	default:
		s.logger.Error("scheduled training failed", zap.Error(err))
	}
}

// Stats returns scheduler counters
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
