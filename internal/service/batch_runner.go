package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"studyplan/internal/metrics"
	"studyplan/internal/model"
)

const (
	batchSucceeded = "succeeded"
	batchFailed    = "failed"
	batchSkipped   = "skipped"
)

// planRunner Pipeline 满足此接口
type planRunner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

type BatchItem struct {
	StudentID string           `json:"student_id"`
	Plan      *model.DailyPlan `json:"plan,omitempty"`
	Stage     Stage            `json:"stage"`
	Reused    bool             `json:"reused,omitempty"`
	Skipped   bool             `json:"skipped,omitempty"`
	Error     string           `json:"error,omitempty"`
	Err       error            `json:"-"`
}

// BatchReport 一个时区一次批量运行的结果
type BatchReport struct {
	TimeZone   string      `json:"time_zone"`
	Date       string      `json:"date"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Items      []BatchItem `json:"items"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
}

// BatchRunner 为某个时区的所有活跃学员生成当天计划；学员之间互相隔离
type BatchRunner struct {
	profiles    ProfileStore
	pipeline    planRunner
	concurrency int
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewBatchRunner(profiles ProfileStore, pipeline planRunner, concurrency int, logger *zap.Logger) *BatchRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchRunner{
		profiles:    profiles,
		pipeline:    pipeline,
		concurrency: concurrency,
		now:         time.Now,
		logger:      logger,
		metrics:     metrics.NewMetrics(),
	}
}

// LocalDate 时区内的“今天”
func LocalDate(now time.Time, timeZone string) (string, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return "", fmt.Errorf("%w: time zone %q", ErrInvalidRunRequest, timeZone)
	}
	return now.In(loc).Format("2006-01-02"), nil
}

// RunBatch date 为空时取该时区当天。ctx 取消后不再启动新学员，已开始的运行照常完成落库。
func (b *BatchRunner) RunBatch(ctx context.Context, timeZone, date string) (*BatchReport, error) {
	if date == "" {
		d, err := LocalDate(b.now(), timeZone)
		if err != nil {
			return nil, err
		}
		date = d
	}

	ids, err := b.profiles.ListActiveStudentIDs(ctx, timeZone)
	if err != nil {
		return nil, fmt.Errorf("list active students in %s: %w", timeZone, err)
	}

	report := &BatchReport{
		TimeZone:  timeZone,
		Date:      date,
		StartedAt: b.now(),
		Items:     make([]BatchItem, len(ids)),
	}
	log := b.logger.With(zap.String("time_zone", timeZone), zap.String("date", date))
	log.Info("batch started", zap.Int("students", len(ids)), zap.Int("concurrency", b.concurrency))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(b.concurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			report.Items[i] = BatchItem{StudentID: id, Stage: StageIdle, Skipped: true}
			continue
		}
		g.Go(func() error {
			// 排队期间收到停止信号的学员直接跳过
			if ctx.Err() != nil {
				mu.Lock()
				report.Items[i] = BatchItem{StudentID: id, Stage: StageIdle, Skipped: true}
				mu.Unlock()
				return nil
			}
			item := b.runOne(context.WithoutCancel(ctx), id, date)
			mu.Lock()
			report.Items[i] = item
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range report.Items {
		result := batchSucceeded
		switch {
		case item.Skipped:
			report.Skipped++
			result = batchSkipped
		case item.Err != nil:
			report.Failed++
			result = batchFailed
		default:
			report.Succeeded++
		}
		b.metrics.BatchStudents.WithLabelValues(timeZone, result).Inc()
	}
	report.FinishedAt = b.now()
	b.metrics.BatchDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	log.Info("batch finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (b *BatchRunner) runOne(ctx context.Context, studentID, date string) (item BatchItem) {
	item = BatchItem{StudentID: studentID}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("pipeline panicked", zap.String("student_id", studentID), zap.Any("panic", r))
			item.Stage = StageFailed
			item.Err = fmt.Errorf("pipeline panic: %v", r)
			item.Error = item.Err.Error()
		}
	}()

	res, err := b.pipeline.Run(ctx, RunRequest{StudentID: studentID, Date: date, Trigger: TriggerScheduled})
	if res != nil {
		item.Plan = res.Plan
		item.Stage = res.Stage
		item.Reused = res.Reused
	}
	if err != nil {
		item.Stage = StageFailed
		item.Err = err
		item.Error = err.Error()
		if !errors.Is(err, ErrContextUnavailable) {
			b.logger.Warn("student plan failed", zap.String("student_id", studentID), zap.Error(err))
		}
	}
	return item
}
