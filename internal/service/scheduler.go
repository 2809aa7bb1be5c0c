package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// batchRunner BatchRunner 满足此接口
type batchRunner interface {
	RunBatch(ctx context.Context, timeZone, date string) (*BatchReport, error)
}

// Scheduler 每个时区在当地 hour 点触发一次批量生成
type Scheduler struct {
	cron   *cron.Cron
	runner batchRunner
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(runner batchRunner, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger: logger.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]cron.EntryID{},
	}
}

// Spec 某时区的 cron 表达式
func Spec(timeZone string, hour int) string {
	return fmt.Sprintf("CRON_TZ=%s 0 %d * * *", timeZone, hour)
}

// AddTimeZone 重复注册同一时区会报错
func (s *Scheduler) AddTimeZone(timeZone string, hour int) error {
	if _, err := time.LoadLocation(timeZone); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", timeZone, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[timeZone]; ok {
		return fmt.Errorf("time zone %q already scheduled", timeZone)
	}
	id, err := s.cron.AddFunc(Spec(timeZone, hour), func() { s.fire(timeZone) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", timeZone, err)
	}
	s.entries[timeZone] = id
	s.logger.Info("batch scheduled", zap.String("time_zone", timeZone), zap.Int("hour", hour))
	return nil
}

func (s *Scheduler) fire(timeZone string) {
	if s.ctx.Err() != nil {
		return
	}
	report, err := s.runner.RunBatch(s.ctx, timeZone, "")
	if err != nil {
		s.logger.Error("scheduled batch failed", zap.String("time_zone", timeZone), zap.Error(err))
		return
	}
	s.logger.Info("scheduled batch done",
		zap.String("time_zone", timeZone),
		zap.String("date", report.Date),
		zap.Int("failed", report.Failed))
}

// Next 下一次触发时间，未注册返回零值
func (s *Scheduler) Next(timeZone string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[timeZone]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度并取消批量 ctx：未开始的学员跳过，进行中的运行完成后返回
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	// cron.Stop 返回的 ctx 在所有运行中的任务结束后才 Done
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger 把 cron 的日志接到 zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
