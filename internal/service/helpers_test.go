package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"studyplan/internal/model"
	"studyplan/internal/notify"
	"studyplan/internal/provider"
)

const validGeneration = `{
  "blocks": [
    {"subject": "math", "topic": "algebra", "allocatedMinutes": 60, "difficultyLevel": "intermediate", "objectives": ["factor quadratics"]},
    {"subject": "math", "topic": "geometry", "allocatedMinutes": 45, "difficultyLevel": "beginner", "objectives": ["triangle areas"]}
  ],
  "motivation": "You are close.",
  "studyTips": ["Sleep well."]
}`

type reply struct {
	text string
	err  error
}

// scriptedProvider 按脚本依次返回结果，脚本用完后重复最后一项
type scriptedProvider struct {
	name   string
	script []reply
	// block 为 true 时一直等到 ctx 结束或 release 关闭
	block   bool
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	p.calls++
	idx := p.calls - 1
	p.mu.Unlock()

	if p.block {
		select {
		case <-ctx.Done():
			return nil, &provider.Error{Provider: p.name, Code: provider.CodeTransient, Err: ctx.Err()}
		case <-p.release:
			return nil, &provider.Error{Provider: p.name, Code: provider.CodeTransient, Err: errors.New("released")}
		}
	}
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	r := p.script[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &provider.Response{Text: r.text}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func failing(name string, code provider.ErrorCode) reply {
	return reply{err: &provider.Error{Provider: name, Code: code, Status: 503}}
}

func ok(text string) reply { return reply{text: text} }

func testStudent(id string) *model.Student {
	return &model.Student{
		ID:                   id,
		DailyStudyMinutes:    120,
		PreferredStartHour:   -1,
		BreakIntervalMinutes: 50,
		TimeZone:             "UTC",
		Active:               true,
	}
}

func testContext(id string) *StudyContext {
	return &StudyContext{
		Student:         testStudent(id),
		Date:            "2026-10-16",
		Location:        time.UTC,
		Enrollments:     []model.Enrollment{{StudentID: id, Subject: "math", CurrentTopic: "algebra", Active: true}},
		DifficultySeeds: map[string]float64{},
		Energy:          EnergyHints{StartHour: 17, HardFirst: true, BestHour: -1},
	}
}

// memPlanStore in-memory PlanStore
type memPlanStore struct {
	mu      sync.Mutex
	plans   map[string]model.DailyPlan
	logs    []model.PerformanceLog
	upserts int
	failErr error
	// onFind 在 FindByTask 命中后、返回前调用
	onFind func()
}

func newMemPlanStore() *memPlanStore {
	return &memPlanStore{plans: map[string]model.DailyPlan{}}
}

func (m *memPlanStore) Get(_ context.Context, studentID, date string) (*model.DailyPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[model.PlanKey(studentID, date)]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := clonePlan(p)
	return &cp, nil
}

func (m *memPlanStore) Upsert(_ context.Context, plan *model.DailyPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	plan.ID = model.PlanKey(plan.StudentID, plan.Date)
	plan.RecomputeCompletion()
	m.plans[plan.ID] = clonePlan(*plan)
	m.upserts++
	return nil
}

func (m *memPlanStore) List(_ context.Context, studentID string, _ int) ([]model.DailyPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DailyPlan
	for _, p := range m.plans {
		if p.StudentID == studentID {
			out = append(out, clonePlan(p))
		}
	}
	return out, nil
}

func (m *memPlanStore) FindByTask(ctx context.Context, studentID, taskID string) (*model.DailyPlan, error) {
	plans, _ := m.List(ctx, studentID, 0)
	for i := range plans {
		if plans[i].FindTask(taskID) >= 0 {
			if m.onFind != nil {
				m.onFind()
			}
			return &plans[i], nil
		}
	}
	return nil, model.ErrNotFound
}

// patchLocked 与数据库实现一致：基于最新存储值只修改目标任务
func (m *memPlanStore) patchLocked(planID, taskID string, completed bool, at time.Time) (*model.DailyPlan, error) {
	p, ok := m.plans[planID]
	if !ok {
		return nil, model.ErrNotFound
	}
	p = clonePlan(p)
	idx := p.FindTask(taskID)
	if idx < 0 {
		return nil, model.ErrNotFound
	}
	p.Tasks[idx].Completed = completed
	p.Tasks[idx].CompletedAt = nil
	if completed {
		t := at
		p.Tasks[idx].CompletedAt = &t
	}
	p.RecomputeCompletion()
	m.plans[planID] = p
	out := clonePlan(p)
	return &out, nil
}

func (m *memPlanStore) SetTaskCompleted(_ context.Context, planID, taskID string, completed bool, at time.Time) (*model.DailyPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	return m.patchLocked(planID, taskID, completed, at)
}

func (m *memPlanStore) RecordEvaluation(_ context.Context, log *model.PerformanceLog) (*model.DailyPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	plan, err := m.patchLocked(log.PlanID, log.TaskID, true, log.Timestamp)
	if err != nil {
		return nil, err
	}
	m.logs = append(m.logs, *log)
	return plan, nil
}

func (m *memPlanStore) Logs() []model.PerformanceLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PerformanceLog(nil), m.logs...)
}

func (m *memPlanStore) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func clonePlan(p model.DailyPlan) model.DailyPlan {
	p.Tasks = append(p.Tasks[:0:0], p.Tasks...)
	return p
}

// memProfiles in-memory ProfileStore + PerformanceStore
type memProfiles struct {
	mu          sync.Mutex
	students    map[string]*model.Student
	enrollments map[string][]model.Enrollment
	commitments map[string][]model.Commitment
	deadlines   map[string][]model.Deadline
	results     map[string][]model.TestResult
	logs        map[string][]model.PerformanceLog
	seeds       map[string]map[string]float64
	// 非空时除 GetStudent 之外的查询全部失败
	secondaryErr error
	listErr      error
}

func newMemProfiles(students ...*model.Student) *memProfiles {
	m := &memProfiles{
		students:    map[string]*model.Student{},
		enrollments: map[string][]model.Enrollment{},
		commitments: map[string][]model.Commitment{},
		deadlines:   map[string][]model.Deadline{},
		results:     map[string][]model.TestResult{},
		logs:        map[string][]model.PerformanceLog{},
		seeds:       map[string]map[string]float64{},
	}
	for _, s := range students {
		m.students[s.ID] = s
		m.enrollments[s.ID] = []model.Enrollment{{StudentID: s.ID, Subject: "math", CurrentTopic: "algebra", Active: true}}
	}
	return m
}

func (m *memProfiles) GetStudent(_ context.Context, id string) (*model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memProfiles) ListEnrollments(_ context.Context, id string) ([]model.Enrollment, error) {
	if m.secondaryErr != nil {
		return nil, m.secondaryErr
	}
	return m.enrollments[id], nil
}

func (m *memProfiles) ListDeadlines(_ context.Context, id string, from, to time.Time) ([]model.Deadline, error) {
	if m.secondaryErr != nil {
		return nil, m.secondaryErr
	}
	var out []model.Deadline
	for _, d := range m.deadlines[id] {
		if !d.DueAt.Before(from) && d.DueAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memProfiles) ListCommitments(_ context.Context, id, date string) ([]model.Commitment, error) {
	if m.secondaryErr != nil {
		return nil, m.secondaryErr
	}
	var out []model.Commitment
	for _, c := range m.commitments[id] {
		if c.Date == date {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memProfiles) ListRecentTestResults(_ context.Context, id string, _ int) ([]model.TestResult, error) {
	if m.secondaryErr != nil {
		return nil, m.secondaryErr
	}
	return m.results[id], nil
}

func (m *memProfiles) ListActiveStudentIDs(_ context.Context, timeZone string) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.students {
		if s.Active && s.TimeZone == timeZone {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memProfiles) ListRecent(_ context.Context, id string, limit int) ([]model.PerformanceLog, error) {
	if m.secondaryErr != nil {
		return nil, m.secondaryErr
	}
	logs := m.logs[id]
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (m *memProfiles) LatestDifficulties(_ context.Context, id string) (map[string]float64, error) {
	if m.secondaryErr != nil {
		return nil, m.secondaryErr
	}
	out := map[string]float64{}
	for k, v := range m.seeds[id] {
		out[k] = v
	}
	return out, nil
}

// chanNotifier 把事件写进 channel
type chanNotifier struct {
	events chan notify.PlanReadyEvent
	err    error
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{events: make(chan notify.PlanReadyEvent, 16)}
}

func (n *chanNotifier) PlanReady(_ context.Context, evt notify.PlanReadyEvent) error {
	n.events <- evt
	return n.err
}
