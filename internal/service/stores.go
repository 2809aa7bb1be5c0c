package service

import (
	"context"
	"time"

	"studyplan/internal/model"
)

// ProfileStore 外部档案/选课/测验数据（只读）
type ProfileStore interface {
	GetStudent(ctx context.Context, studentID string) (*model.Student, error)
	ListEnrollments(ctx context.Context, studentID string) ([]model.Enrollment, error)
	ListDeadlines(ctx context.Context, studentID string, from, to time.Time) ([]model.Deadline, error)
	ListCommitments(ctx context.Context, studentID, date string) ([]model.Commitment, error)
	ListRecentTestResults(ctx context.Context, studentID string, limit int) ([]model.TestResult, error)
	ListActiveStudentIDs(ctx context.Context, timeZone string) ([]string, error)
}

type PerformanceStore interface {
	ListRecent(ctx context.Context, studentID string, limit int) ([]model.PerformanceLog, error)
	LatestDifficulties(ctx context.Context, studentID string) (map[string]float64, error)
}

type PlanStore interface {
	Get(ctx context.Context, studentID, date string) (*model.DailyPlan, error)
	Upsert(ctx context.Context, plan *model.DailyPlan) error
	List(ctx context.Context, studentID string, limit int) ([]model.DailyPlan, error)
	FindByTask(ctx context.Context, studentID, taskID string) (*model.DailyPlan, error)
	// 以下两个写操作在存储侧重新读取计划并只修改目标任务，任务已不存在时返回 model.ErrNotFound
	SetTaskCompleted(ctx context.Context, planID, taskID string, completed bool, at time.Time) (*model.DailyPlan, error)
	RecordEvaluation(ctx context.Context, log *model.PerformanceLog) (*model.DailyPlan, error)
}

type RuleRepository interface {
	Load(ctx context.Context, id string) (*model.DecisionRuleSet, error)
	Save(ctx context.Context, next, prev *model.DecisionRuleSet, path string) error
	History(ctx context.Context, id string, limit int) ([]model.RuleSetHistory, error)
}
