package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studyplan/internal/config"
	"studyplan/internal/model"
	"studyplan/internal/provider"
)

type pipelineFixture struct {
	pipeline *Pipeline
	profiles *memProfiles
	plans    *memPlanStore
	rules    *RulesStore
	notifier *chanNotifier
	primary  *scriptedProvider
	fallback *scriptedProvider
}

func newPipelineFixture(t *testing.T, mutate func(cfg *config.Config), primary, fallback *scriptedProvider) *pipelineFixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	profiles := newMemProfiles(testStudent("s1"), testStudent("s2"))
	plans := newMemPlanStore()
	rules := NewRulesStore(newMemRuleRepo(), zap.NewNop())
	generator, _ := newTestGenerator(t, primary, fallback)
	notifier := newChanNotifier()

	p := NewPipeline(
		NewContextBuilder(profiles, profiles, cfg.Analyzer, cfg.Pipeline, zap.NewNop()),
		rules,
		generator,
		NewOptimizer(zap.NewNop()),
		NewTaskEngine(plans, rules, cfg.Pipeline.RuleSetID, zap.NewNop()),
		plans,
		notifier,
		cfg,
		zap.NewNop(),
	)
	p.now = func() time.Time { return time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC) }
	return &pipelineFixture{
		pipeline: p,
		profiles: profiles,
		plans:    plans,
		rules:    rules,
		notifier: notifier,
		primary:  primary,
		fallback: fallback,
	}
}

func healthyProviders() (*scriptedProvider, *scriptedProvider) {
	return &scriptedProvider{name: "primary", script: []reply{ok(validGeneration)}},
		&scriptedProvider{name: "fallback", script: []reply{ok(validGeneration)}}
}

func newHealthyFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	primary, fallback := healthyProviders()
	return newPipelineFixture(t, nil, primary, fallback)
}

func TestPipelineRun_PersistsAndNotifies(t *testing.T) {
	f := newHealthyFixture(t)

	res, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "s1", Date: "2026-10-16"})
	require.NoError(t, err)
	assert.Equal(t, StagePersisted, res.Stage)
	assert.False(t, res.Reused)

	plan := res.Plan
	require.NotNil(t, plan)
	assert.Equal(t, "s1_2026-10-16", plan.ID)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, 2, plan.TotalTasks)
	assert.Equal(t, "17:00", plan.Tasks[0].Start)

	meta := plan.Metadata.Data()
	assert.Equal(t, "primary", meta.ProviderUsed)
	assert.Equal(t, "plan-v3", meta.PromptVersion)
	assert.Equal(t, string(TriggerOnDemand), meta.Trigger)
	assert.Equal(t, "default", meta.RuleSetID)
	assert.False(t, meta.Degraded)

	select {
	case evt := <-f.notifier.events:
		assert.Equal(t, plan.ID, evt.PlanID)
		assert.Equal(t, 2, evt.TotalTasks)
	case <-time.After(time.Second):
		t.Fatal("plan ready event not published")
	}
}

func TestPipelineRun_IdempotentUnlessForced(t *testing.T) {
	f := newHealthyFixture(t)
	ctx := context.Background()
	req := RunRequest{StudentID: "s1", Date: "2026-10-16", Trigger: TriggerScheduled}

	first, err := f.pipeline.Run(ctx, req)
	require.NoError(t, err)
	second, err := f.pipeline.Run(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.Plan.Tasks, second.Plan.Tasks)
	assert.Equal(t, 1, f.primary.Calls())
	assert.Equal(t, 1, f.plans.Upserts())

	req.Force = true
	third, err := f.pipeline.Run(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Reused)
	assert.Equal(t, 2, f.primary.Calls())
	assert.Equal(t, 2, f.plans.Upserts())

	plans, err := f.pipeline.ListPlans(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, plans, 1, "re-run overwrites the same (student, date) plan")
}

func TestPipelineRun_TemplateWhenProvidersFail(t *testing.T) {
	primary := &scriptedProvider{name: "primary", script: []reply{failing("primary", provider.CodeInvalidRequest)}}
	fallback := &scriptedProvider{name: "fallback", script: []reply{failing("fallback", provider.CodeQuotaExceeded)}}
	f := newPipelineFixture(t, nil, primary, fallback)

	res, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "s1", Date: "2026-10-16"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Plan.Tasks)
	meta := res.Plan.Metadata.Data()
	assert.True(t, meta.Degraded)
	assert.Equal(t, templateProvider, meta.ProviderUsed)
}

func TestPipelineRun_OnDemandDeadlineStillPersists(t *testing.T) {
	primary := &scriptedProvider{name: "primary", block: true}
	fallback := &scriptedProvider{name: "fallback", block: true}
	f := newPipelineFixture(t, func(cfg *config.Config) {
		cfg.Pipeline.OnDemandTimeout = 50 * time.Millisecond
	}, primary, fallback)

	start := time.Now()
	res, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "s1", Date: "2026-10-16", Trigger: TriggerOnDemand})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Plan.Metadata.Data().Degraded)
	assert.Equal(t, 0, fallback.Calls(), "no provider is called after the deadline")

	stored, err := f.pipeline.GetPlan(context.Background(), "s1", "2026-10-16")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Tasks)
}

func TestPipelineRun_OnDemandNotHeldByScheduledRun(t *testing.T) {
	release := make(chan struct{})
	primary := &scriptedProvider{name: "primary", block: true, release: release}
	fallback := &scriptedProvider{name: "fallback", block: true, release: release}
	f := newPipelineFixture(t, func(cfg *config.Config) {
		cfg.Pipeline.OnDemandTimeout = 50 * time.Millisecond
	}, primary, fallback)

	scheduled := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "s1", Date: "2026-10-16", Trigger: TriggerScheduled})
		scheduled <- err
	}()
	require.Eventually(t, func() bool { return primary.Calls() >= 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	res, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "s1", Date: "2026-10-16", Trigger: TriggerOnDemand})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Reused)
	assert.Equal(t, string(TriggerOnDemand), res.Plan.Metadata.Data().Trigger)
	assert.True(t, res.Plan.Metadata.Data().Degraded)

	close(release)
	select {
	case err := <-scheduled:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run did not finish after release")
	}
}

func TestPipelineRun_CancelledCallerLeavesSharedRun(t *testing.T) {
	release := make(chan struct{})
	primary := &scriptedProvider{name: "primary", block: true, release: release}
	fallback := &scriptedProvider{name: "fallback", block: true, release: release}
	f := newPipelineFixture(t, nil, primary, fallback)
	req := RunRequest{StudentID: "s1", Date: "2026-10-16", Trigger: TriggerScheduled}

	type outcome struct {
		res *RunResult
		err error
	}
	patient := make(chan outcome, 1)
	go func() {
		res, err := f.pipeline.Run(context.Background(), req)
		patient <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return primary.Calls() >= 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	impatient := make(chan outcome, 1)
	go func() {
		res, err := f.pipeline.Run(ctx, req)
		impatient <- outcome{res, err}
	}()
	cancel()

	select {
	case o := <-impatient:
		assert.ErrorIs(t, o.err, context.Canceled)
		assert.Equal(t, StageFailed, o.res.Stage)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	select {
	case o := <-patient:
		require.NoError(t, o.err)
		assert.Equal(t, StagePersisted, o.res.Stage)
		assert.True(t, o.res.Plan.Metadata.Data().Degraded)
	case <-time.After(2 * time.Second):
		t.Fatal("shared run did not finish")
	}
	assert.Equal(t, 1, f.plans.Upserts())
}

func TestPipelineRun_ContextUnavailable(t *testing.T) {
	f := newHealthyFixture(t)

	res, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "ghost", Date: "2026-10-16"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextUnavailable))
	assert.Equal(t, StageFailed, res.Stage)
	assert.Equal(t, StageContextBuilding, res.FailedAt)
	assert.Equal(t, 0, f.plans.Upserts())
	assert.Equal(t, 0, f.primary.Calls())
}

func TestPipelineRun_InvalidRequest(t *testing.T) {
	f := newHealthyFixture(t)
	for _, req := range []RunRequest{
		{Date: "2026-10-16"},
		{StudentID: "s1", Date: "tomorrow"},
	} {
		_, err := f.pipeline.Run(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRunRequest)
	}
}

func TestPipelineRun_BudgetConflictsRecorded(t *testing.T) {
	gen := `{"blocks": [
	  {"subject": "math", "topic": "algebra", "allocatedMinutes": 90, "difficultyLevel": "intermediate", "objectives": []},
	  {"subject": "physics", "topic": "optics", "allocatedMinutes": 60, "difficultyLevel": "intermediate", "objectives": []}
	]}`
	primary := &scriptedProvider{name: "primary", script: []reply{ok(gen)}}
	fallback := &scriptedProvider{name: "fallback", script: []reply{ok(gen)}}
	f := newPipelineFixture(t, nil, primary, fallback)

	res, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "s1", Date: "2026-10-16"})
	require.NoError(t, err)

	total := 0
	for _, task := range res.Plan.Tasks {
		total += task.AllocatedMinutes
	}
	assert.LessOrEqual(t, total, 120)

	meta := res.Plan.Metadata.Data()
	require.NotEmpty(t, meta.Conflicts)
	assert.Equal(t, ConflictOverBudget, meta.Conflicts[0].Kind)
	assert.Equal(t, 150, meta.Optimization.RequestedMinutes)
}

func TestPipelineRun_UsesRuleSnapshot(t *testing.T) {
	f := newHealthyFixture(t)
	ctx := context.Background()

	_, err := f.rules.Update(ctx, "default", "adjustment.upper", 90)
	require.NoError(t, err)

	res, err := f.pipeline.Run(ctx, RunRequest{StudentID: "s1", Date: "2026-10-16"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Plan.Metadata.Data().RuleSetVersion)
}

func TestPipelineRun_PersistFailure(t *testing.T) {
	f := newHealthyFixture(t)
	f.plans.failErr = errors.New("disk full")

	res, err := f.pipeline.Run(context.Background(), RunRequest{StudentID: "s1", Date: "2026-10-16"})
	require.Error(t, err)
	assert.Equal(t, StageFailed, res.Stage)
}

func TestPipelineCompleteTask(t *testing.T) {
	f := newHealthyFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Run(ctx, RunRequest{StudentID: "s1", Date: "2026-10-16"})
	require.NoError(t, err)
	taskID := res.Plan.Tasks[0].TaskID

	plan, err := f.pipeline.CompleteTask(ctx, "s1", "2026-10-16", taskID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.CompletedTasks)
	assert.InDelta(t, 0.5, plan.CompletionRate, 1e-9)
	assert.NotNil(t, plan.Tasks[0].CompletedAt)

	_, err = f.pipeline.CompleteTask(ctx, "s1", "2026-10-16", "missing", true)
	assert.ErrorIs(t, err, ErrPlanNotFound)
	_, err = f.pipeline.CompleteTask(ctx, "s1", "2026-10-17", taskID, true)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	assert.Equal(t, model.PlanKey("s1", "2026-10-16"), plan.ID)
}
