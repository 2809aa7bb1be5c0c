package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"studyplan/internal/model"
)

// PlanRepository DailyPlan 存取；(student_id, date) 组合键 upsert，不做物理删除
type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) Get(ctx context.Context, studentID, date string) (*model.DailyPlan, error) {
	var plan model.DailyPlan
	if err := r.db.WithContext(ctx).First(&plan, "id = ?", model.PlanKey(studentID, date)).Error; err != nil {
		return nil, notFound(err)
	}
	return &plan, nil
}

// Upsert 同一 key 的重跑直接覆盖任务与元数据（last write wins）
func (r *PlanRepository) Upsert(ctx context.Context, plan *model.DailyPlan) error {
	plan.ID = model.PlanKey(plan.StudentID, plan.Date)
	plan.RecomputeCompletion()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tasks", "completed_tasks", "total_tasks", "completion_rate", "metadata", "updated_at",
		}),
	}).Create(plan).Error
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", plan.ID, err)
	}
	return nil
}

// SetTaskCompleted 只改一个任务的完成状态，其余任务以库里的最新值为准
func (r *PlanRepository) SetTaskCompleted(ctx context.Context, planID, taskID string, completed bool, at time.Time) (*model.DailyPlan, error) {
	var out *model.DailyPlan
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := patchTask(tx, planID, taskID, completed, at)
		out = plan
		return err
	})
	return out, err
}

// List 学员最近的计划，按日期倒序
func (r *PlanRepository) List(ctx context.Context, studentID string, limit int) ([]model.DailyPlan, error) {
	if limit <= 0 || limit > 90 {
		limit = 30
	}
	var plans []model.DailyPlan
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("date DESC").
		Limit(limit).
		Find(&plans).Error
	return plans, err
}

// FindByTask 在学员最近的计划里找到包含该任务的计划
func (r *PlanRepository) FindByTask(ctx context.Context, studentID, taskID string) (*model.DailyPlan, error) {
	plans, err := r.List(ctx, studentID, 30)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		if plans[i].FindTask(taskID) >= 0 {
			return &plans[i], nil
		}
	}
	return nil, model.ErrNotFound
}

// RecordEvaluation 同一事务里追加表现日志并把 log.TaskID 标记完成，任一失败都不落库
func (r *PlanRepository) RecordEvaluation(ctx context.Context, log *model.PerformanceLog) (*model.DailyPlan, error) {
	var out *model.DailyPlan
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := patchTask(tx, log.PlanID, log.TaskID, true, log.Timestamp)
		if err != nil {
			return err
		}
		if err := tx.Create(log).Error; err != nil {
			return fmt.Errorf("append performance log: %w", err)
		}
		out = plan
		return nil
	})
	return out, err
}

// patchTask 加行锁重新读取计划，只修改目标任务后写回；任务已不在计划里（计划被重新生成）返回 ErrNotFound
func patchTask(tx *gorm.DB, planID, taskID string, completed bool, at time.Time) (*model.DailyPlan, error) {
	var plan model.DailyPlan
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&plan, "id = ?", planID).Error
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, notFound(err))
	}
	idx := plan.FindTask(taskID)
	if idx < 0 {
		return nil, fmt.Errorf("task %s in plan %s: %w", taskID, planID, model.ErrNotFound)
	}
	plan.Tasks[idx].Completed = completed
	if completed {
		t := at
		plan.Tasks[idx].CompletedAt = &t
	} else {
		plan.Tasks[idx].CompletedAt = nil
	}
	plan.RecomputeCompletion()
	plan.UpdatedAt = time.Now()

	err = tx.Model(&model.DailyPlan{}).Where("id = ?", planID).Updates(map[string]interface{}{
		"tasks":           plan.Tasks,
		"completed_tasks": plan.CompletedTasks,
		"total_tasks":     plan.TotalTasks,
		"completion_rate": plan.CompletionRate,
		"updated_at":      plan.UpdatedAt,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("update plan %s: %w", planID, err)
	}
	return &plan, nil
}
