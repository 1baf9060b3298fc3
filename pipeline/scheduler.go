package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTrainingInProgress 已有训练在执行
var ErrTrainingInProgress = errors.New("pipeline: training already in progress")

// TrainFunc 执行一次训练
type TrainFunc func(ctx context.Context) (*TrainingReport, error)

// SchedulerStats 调度器统计
type SchedulerStats struct {
	Enabled        bool          `json:"enabled"`
	Training       bool          `json:"training"`
	Interval       string        `json:"interval,omitempty"`
	LastExecution  time.Time     `json:"last_execution,omitempty"`
	LastDuration   time.Duration `json:"last_duration"`
	LastArtifact   string        `json:"last_artifact,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	ExecutionCount int64         `json:"execution_count"`
	FailureCount   int64         `json:"failure_count"`
	NextExecution  time.Time     `json:"next_execution,omitempty"`
}

// RetrainScheduler 重训练调度器：定期或手动触发，同一时间只跑一次训练
type RetrainScheduler struct {
	mu       sync.RWMutex
	interval time.Duration
	enabled  bool
	training bool
	running  bool
	train    TrainFunc
	logger   *zap.Logger

	lastExecution  time.Time
	lastDuration   time.Duration
	lastArtifact   string
	lastError      string
	executionCount int64
	failureCount   int64
}

// NewRetrainScheduler 创建调度器，interval<=0时只支持手动触发
func NewRetrainScheduler(interval time.Duration, train TrainFunc, logger *zap.Logger) (*RetrainScheduler, error) {
	if train == nil {
		return nil, errors.New("pipeline: train func is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrainScheduler{
		interval: interval,
		enabled:  true,
		train:    train,
		logger:   logger,
	}, nil
}

// Run 运行调度循环，阻塞直到ctx取消
func (s *RetrainScheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("pipeline: scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("retrain scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retrain scheduler stopped")
			return nil
		case <-ticker.C:
			if !s.IsEnabled() {
				continue
			}
			if _, err := s.ExecuteNow(ctx); err != nil && !errors.Is(err, ErrTrainingInProgress) {
				s.logger.Warn("scheduled retrain failed", zap.Error(err))
			}
		}
	}
}

// ExecuteNow 立即训练一次
func (s *RetrainScheduler) ExecuteNow(ctx context.Context) (*TrainingReport, error) {
	s.mu.Lock()
	if s.training {
		s.mu.Unlock()
		return nil, ErrTrainingInProgress
	}
	s.training = true
	s.executionCount++
	cycle := s.executionCount
	start := time.Now()
	s.lastExecution = start
	s.mu.Unlock()

	s.logger.Info("starting retrain", zap.Int64("cycle", cycle))
	report, err := s.train(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	s.training = false
	s.lastDuration = duration
	if err != nil {
		s.failureCount++
		s.lastError = err.Error()
	} else {
		s.lastError = ""
		if report != nil {
			s.lastArtifact = report.Model.ID
		}
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.logger.Info("retrain completed",
		zap.Int64("cycle", cycle),
		zap.String("artifact", s.lastArtifactID()),
		zap.Duration("duration", duration))
	return report, nil
}

func (s *RetrainScheduler) lastArtifactID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastArtifact
}

// SetEnabled 暂停或恢复定期训练，手动触发不受影响
func (s *RetrainScheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	s.logger.Info("retrain scheduler toggled", zap.Bool("enabled", enabled))
}

func (s *RetrainScheduler) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// GetNextExecutionTime 下次定期训练时间，未运行或已暂停时为零值
func (s *RetrainScheduler) GetNextExecutionTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextLocked()
}

func (s *RetrainScheduler) nextLocked() time.Time {
	if !s.running || !s.enabled || s.interval <= 0 || s.lastExecution.IsZero() {
		return time.Time{}
	}
	return s.lastExecution.Add(s.interval)
}

// GetStats 获取调度器统计信息
func (s *RetrainScheduler) GetStats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SchedulerStats{
		Enabled:        s.enabled,
		Training:       s.training,
		LastExecution:  s.lastExecution,
		LastDuration:   s.lastDuration,
		LastArtifact:   s.lastArtifact,
		LastError:      s.lastError,
		ExecutionCount: s.executionCount,
		FailureCount:   s.failureCount,
		NextExecution:  s.nextLocked(),
	}
	if s.interval > 0 {
		stats.Interval = s.interval.String()
	}
	return stats
}
