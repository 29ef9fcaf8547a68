package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"natpmp-renewer/internal/renewer"
	"natpmp-renewer/internal/types"

	"github.com/sirupsen/logrus"
)

const (
	ExitOK      = 0
	ExitFailure = 1
)

// ErrMaxConsecutiveFailures 连续失败轮次达到上限
var ErrMaxConsecutiveFailures = errors.New("连续失败次数达到上限")

// CycleRunner 执行一轮续期，*cycle.Runner 实现了该接口
type CycleRunner interface {
	Run(ctx context.Context) types.CycleResult
}

// Snapshot 调度器状态快照
type Snapshot struct {
	State               types.State
	ConsecutiveFailures int
	MaxFailures         int
	Cycles              int
	LastCycleAt         time.Time
	LastResult          types.CycleResult
	ExitCode            int
}

// Scheduler 续期调度器，独占连续失败计数
type Scheduler struct {
	runner      CycleRunner
	interval    time.Duration
	maxFailures int
	logger      *logrus.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mutex    sync.RWMutex
	state    types.State
	failures int
	cycles   int
	lastAt   time.Time
	last     types.CycleResult
	exitCode int
}

// NewScheduler 创建调度器
func NewScheduler(runner CycleRunner, interval time.Duration, maxFailures int, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		runner:      runner,
		interval:    interval,
		maxFailures: maxFailures,
		logger:      logger,
		sleep:       renewer.Wait,
		state:       types.StateRunning,
	}
}

// Run 运行续期循环直到收到关闭信号或连续失败达到上限
//
// 返回进程退出码：ctx 取消时为 ExitOK，连续失败达到上限时为 ExitFailure
// 并返回 ErrMaxConsecutiveFailures。
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	s.logger.WithFields(logrus.Fields{
		"interval":     s.interval.String(),
		"max_failures": s.maxFailures,
	}).Info("启动续期调度")

	for {
		result := s.runner.Run(ctx)

		// 被中断的轮次不计入失败
		if ctx.Err() != nil {
			return s.shutdown(), nil
		}

		failures := s.record(result)
		if !result.AnySuccess {
			s.logger.WithFields(logrus.Fields{
				"consecutive_failures": failures,
				"max_failures":         s.maxFailures,
			}).Warn("本轮所有协议续期失败")

			if failures >= s.maxFailures {
				s.terminate(ExitFailure)
				s.logger.WithField("consecutive_failures", failures).Error("连续失败次数达到上限，退出")
				return ExitFailure, fmt.Errorf("%w: %d", ErrMaxConsecutiveFailures, failures)
			}
		}

		s.logger.WithField("next_in", s.interval.String()).Debug("等待下一轮续期")
		if err := s.sleep(ctx, s.interval); err != nil {
			return s.shutdown(), nil
		}
	}
}

// record 记录一轮结果并更新连续失败计数
func (s *Scheduler) record(result types.CycleResult) int {
	s.mutex.Lock()
	s.cycles++
	s.lastAt = time.Now()
	s.last = result

	previous := s.failures
	if result.AnySuccess {
		s.failures = 0
	} else {
		s.failures++
	}
	failures := s.failures
	s.mutex.Unlock()

	if result.AnySuccess && previous > 0 {
		s.logger.WithField("previous_failures", previous).Info("续期恢复，重置连续失败计数")
	}
	return failures
}

func (s *Scheduler) shutdown() int {
	s.setState(types.StateShuttingDown)
	s.logger.Info("收到关闭信号，停止续期")
	s.terminate(ExitOK)
	return ExitOK
}

func (s *Scheduler) terminate(code int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = types.StateTerminated
	s.exitCode = code
}

func (s *Scheduler) setState(state types.State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = state
}

// State 当前状态
func (s *Scheduler) State() types.State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// ConsecutiveFailures 当前连续失败轮次
func (s *Scheduler) ConsecutiveFailures() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.failures
}

// Snapshot 获取状态快照，可在其它协程中调用
func (s *Scheduler) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return Snapshot{
		State:               s.state,
		ConsecutiveFailures: s.failures,
		MaxFailures:         s.maxFailures,
		Cycles:              s.cycles,
		LastCycleAt:         s.lastAt,
		LastResult:          s.last,
		ExitCode:            s.exitCode,
	}
}
