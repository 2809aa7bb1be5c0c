package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"studyplan/internal/config"
	"studyplan/internal/metrics"
	"studyplan/internal/model"
	"studyplan/internal/notify"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerOnDemand  Trigger = "on-demand"
)

// Stage 单个学员一次运行的状态
type Stage string

const (
	StageIdle            Stage = "idle"
	StageContextBuilding Stage = "context_building"
	StageGenerating      Stage = "generating"
	StageOptimizing      Stage = "optimizing"
	StageTaskExpansion   Stage = "task_expansion"
	StagePersisted       Stage = "persisted"
	StageFailed          Stage = "failed"
)

type RunRequest struct {
	StudentID string
	Date      string // YYYY-MM-DD，学员本地日期
	Trigger   Trigger
	Force     bool
}

type RunResult struct {
	Plan  *model.DailyPlan
	Stage Stage
	// Reused 表示直接返回了已存在的计划
	Reused bool
	// FailedAt 失败发生在哪个阶段
	FailedAt Stage
}

// Pipeline 定时与按需两种触发共用的唯一入口，阶段顺序固定
type Pipeline struct {
	builder   *ContextBuilder
	rules     *RulesStore
	generator *PlanGenerator
	optimizer *Optimizer
	engine    *TaskEngine
	plans     PlanStore
	notifier  notify.Notifier

	cfg      config.PipelineConfig
	analyzer config.AnalyzerConfig
	now      func() time.Time
	inflight singleflight.Group
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewPipeline(
	builder *ContextBuilder,
	rules *RulesStore,
	generator *PlanGenerator,
	optimizer *Optimizer,
	engine *TaskEngine,
	plans PlanStore,
	notifier notify.Notifier,
	cfg *config.Config,
	logger *zap.Logger,
) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Pipeline{
		builder:   builder,
		rules:     rules,
		generator: generator,
		optimizer: optimizer,
		engine:    engine,
		plans:     plans,
		notifier:  notifier,
		cfg:       cfg.Pipeline,
		analyzer:  cfg.Analyzer,
		now:       time.Now,
		logger:    logger,
		metrics:   metrics.NewMetrics(),
		tracer:    otel.Tracer("studyplan/service"),
	}
}

// Run 按需触发带整体超时，超时后生成器退回模板；未指定 Force 时同一 (学员, 日期) 直接返回已有计划。
// 只有 ErrContextUnavailable、非法请求、落库失败和调用方 ctx 结束会返回错误。
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.StudentID == "" {
		return &RunResult{Stage: StageFailed, FailedAt: StageIdle}, fmt.Errorf("%w: studentId is required", ErrInvalidRunRequest)
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return &RunResult{Stage: StageFailed, FailedAt: StageIdle}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidRunRequest, req.Date)
	}
	if req.Trigger == "" {
		req.Trigger = TriggerOnDemand
	}

	if !req.Force {
		existing, err := p.plans.Get(ctx, req.StudentID, req.Date)
		if err == nil {
			p.metrics.PlansReused.Inc()
			return &RunResult{Plan: existing, Stage: StagePersisted, Reused: true}, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			p.logger.Warn("plan lookup failed, regenerating", zap.String("student_id", req.StudentID), zap.Error(err))
		}
	}

	// 同一 key 的并发请求合并成一次生成；不同触发方式各自计时，不互相合并
	key := fmt.Sprintf("%s|%s|%t", model.PlanKey(req.StudentID, req.Date), req.Trigger, req.Force)
	ch := p.inflight.DoChan(key, func() (interface{}, error) {
		// 共享的生成不跟随任何一个调用方取消，只受本触发方式的超时约束
		wctx := context.WithoutCancel(ctx)
		if req.Trigger == TriggerOnDemand && p.cfg.OnDemandTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(wctx, p.cfg.OnDemandTimeout)
			defer cancel()
		}
		return p.run(wctx, req)
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(*RunResult)
		return res, r.Err
	case <-ctx.Done():
		return p.abandoned(ctx, req)
	}
}

// abandoned 调用方先于共享生成结束时，返回已落库的计划，没有则返回 ctx 错误
func (p *Pipeline) abandoned(ctx context.Context, req RunRequest) (*RunResult, error) {
	existing, err := p.plans.Get(context.WithoutCancel(ctx), req.StudentID, req.Date)
	if err == nil {
		p.metrics.PlansReused.Inc()
		return &RunResult{Plan: existing, Stage: StagePersisted, Reused: true}, nil
	}
	p.logger.Warn("caller gave up before plan was ready",
		zap.String("student_id", req.StudentID),
		zap.String("date", req.Date),
		zap.String("trigger", string(req.Trigger)),
		zap.Error(ctx.Err()))
	return &RunResult{Stage: StageFailed, FailedAt: StageIdle}, fmt.Errorf("wait for plan %s: %w", model.PlanKey(req.StudentID, req.Date), ctx.Err())
}

func (p *Pipeline) run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Run", trace.WithAttributes(
		attribute.String("student_id", req.StudentID),
		attribute.String("date", req.Date),
		attribute.String("trigger", string(req.Trigger)),
	))
	defer span.End()

	log := p.logger.With(zap.String("student_id", req.StudentID), zap.String("date", req.Date), zap.String("trigger", string(req.Trigger)))
	stage := StageIdle
	fail := func(cause error) (*RunResult, error) {
		span.RecordError(cause)
		span.SetStatus(codes.Error, string(stage))
		p.metrics.PipelineRuns.WithLabelValues(string(req.Trigger), string(StageFailed)).Inc()
		log.Error("pipeline failed", zap.String("stage", string(stage)), zap.Error(cause))
		return &RunResult{Stage: StageFailed, FailedAt: stage}, cause
	}
	enter := func(next Stage) func() {
		stage = next
		start := time.Now()
		return func() { p.metrics.StageDuration.WithLabelValues(string(next)).Observe(time.Since(start).Seconds()) }
	}

	// 规则快照在开始时取一次，运行中的规则更新不影响本次结果
	rules, rerr := p.rules.Get(ctx, p.cfg.RuleSetID)
	if rerr != nil {
		log.Warn("decision rules unavailable, using defaults", zap.Error(rerr))
		rules = model.DefaultRuleSet(p.cfg.RuleSetID)
	}

	done := enter(StageContextBuilding)
	sc, err := p.builder.Build(ctx, req.StudentID, req.Date)
	done()
	if err != nil {
		return fail(err)
	}

	weak := AnalyzeWeakAreas(AnalyzerInput{
		Results:        sc.TestResults,
		Logs:           sc.PerformanceLogs,
		SubjectWeights: rules.SubjectWeights,
		LowerThreshold: rules.Adjustment.Lower,
		HalfLifeDays:   p.analyzer.HalfLifeDays,
		TopN:           p.analyzer.TopN,
		Now:            p.now(),
	})

	done = enter(StageGenerating)
	available := sc.DailyMinutes(p.cfg.DefaultDailyMinutes)
	gen, err := p.generator.Generate(ctx, &GenerationInput{
		Context:          sc,
		WeakAreas:        weak,
		Rules:            rules,
		AvailableMinutes: available,
	})
	done()
	if err != nil {
		return fail(err)
	}

	done = enter(StageOptimizing)
	breakInterval := sc.Student.BreakIntervalMinutes
	opt := p.optimizer.Optimize(gen.Blocks, OptimizeInput{
		DailyMinutes:      available,
		StartHour:         sc.Energy.StartHour,
		DayEndHour:        p.cfg.DayEndHour,
		BreakInterval:     breakInterval,
		BreakMinutes:      p.cfg.BreakMinutes,
		Commitments:       sc.Commitments,
		WeakAreas:         weak,
		Deadlines:         sc.Deadlines,
		SubjectPriorities: sc.Student.SubjectPriorities,
		HardFirst:         sc.Energy.HardFirst,
		Now:               p.now(),
	})
	done()

	done = enter(StageTaskExpansion)
	tasks := p.engine.Expand(opt.Blocks, sc.DifficultySeeds, weak, rules)
	done()

	weakKeys := make([]string, len(weak))
	for i, w := range weak {
		weakKeys[i] = w.Key()
	}
	plan := &model.DailyPlan{
		StudentID: req.StudentID,
		Date:      req.Date,
		Tasks:     tasks,
		Metadata: datatypes.NewJSONType(model.PlanMetadata{
			GeneratedAt:    p.now(),
			ProviderUsed:   gen.ProviderUsed,
			PromptVersion:  gen.PromptVersion,
			Trigger:        string(req.Trigger),
			RuleSetID:      rules.ID,
			RuleSetVersion: rules.Version,
			Degraded:       gen.Degraded,
			Motivation:     gen.Motivation,
			StudyTips:      gen.StudyTips,
			Conflicts:      append([]model.Conflict{}, opt.Conflicts...),
			Optimization:   opt.Metrics,
			WeakAreas:      weakKeys,
		}),
	}

	// 超时只影响生成阶段，计划本身仍要落库
	if err := p.plans.Upsert(context.WithoutCancel(ctx), plan); err != nil {
		return fail(fmt.Errorf("persist plan: %w", err))
	}
	stage = StagePersisted
	p.metrics.PipelineRuns.WithLabelValues(string(req.Trigger), string(StagePersisted)).Inc()
	span.SetAttributes(attribute.String("provider", gen.ProviderUsed), attribute.Int("tasks", len(tasks)))

	log.Info("plan persisted",
		zap.String("provider", gen.ProviderUsed),
		zap.Bool("degraded", gen.Degraded),
		zap.Int("tasks", len(tasks)),
		zap.Int("allocated_minutes", opt.Metrics.AllocatedMinutes),
		zap.Int("conflicts", len(opt.Conflicts)))

	p.notifyAsync(ctx, plan, req.Trigger, gen)
	return &RunResult{Plan: plan, Stage: StagePersisted}, nil
}

// notifyAsync 通知失败只记日志
func (p *Pipeline) notifyAsync(ctx context.Context, plan *model.DailyPlan, trigger Trigger, gen *GenerationResult) {
	evt := notify.PlanReadyEvent{
		PlanID:       plan.ID,
		StudentID:    plan.StudentID,
		Date:         plan.Date,
		Trigger:      string(trigger),
		TotalTasks:   plan.TotalTasks,
		ProviderUsed: gen.ProviderUsed,
		Degraded:     gen.Degraded,
		GeneratedAt:  plan.Metadata.Data().GeneratedAt,
	}
	timeout := p.cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer cancel()
		if err := p.notifier.PlanReady(nctx, evt); err != nil {
			p.metrics.NotifyFailures.Inc()
			p.logger.Warn("plan ready notification failed", zap.String("plan_id", evt.PlanID), zap.Error(err))
		}
	}()
}

// GetPlan 读取已存储的计划
func (p *Pipeline) GetPlan(ctx context.Context, studentID, date string) (*model.DailyPlan, error) {
	plan, err := p.plans.Get(ctx, studentID, date)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, model.PlanKey(studentID, date))
	}
	return plan, err
}

func (p *Pipeline) ListPlans(ctx context.Context, studentID string, limit int) ([]model.DailyPlan, error) {
	return p.plans.List(ctx, studentID, limit)
}

// CompleteTask 不带表现数据地标记任务完成（或取消完成），只修改这一个任务
func (p *Pipeline) CompleteTask(ctx context.Context, studentID, date, taskID string, completed bool) (*model.DailyPlan, error) {
	planID := model.PlanKey(studentID, date)
	plan, err := p.plans.SetTaskCompleted(ctx, planID, taskID, completed, p.now())
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s in %s", ErrPlanNotFound, taskID, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s in %s: %w", taskID, planID, err)
	}
	return plan, nil
}
