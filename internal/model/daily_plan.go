package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type TaskType string

const (
	TaskTheory   TaskType = "theory"
	TaskPractice TaskType = "practice"
	TaskReview   TaskType = "review"
	TaskTest     TaskType = "test"
)

const (
	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
)

// SuccessMetrics 任务完成的判定标准
type SuccessMetrics struct {
	TargetAccuracy float64 `json:"target_accuracy"`
	TargetScore    float64 `json:"target_score"`
	MinConfidence  int     `json:"min_confidence"`
}

// TimeBreakdown 理论/练习/复习的分钟分配
type TimeBreakdown struct {
	Theory   int `json:"theory"`
	Practice int `json:"practice"`
	Review   int `json:"review"`
}

// Task 计划中的一条具体任务
type Task struct {
	TaskID           string         `json:"task_id"`
	Subject          string         `json:"subject"`
	Topic            string         `json:"topic"`
	Type             TaskType       `json:"type"`
	AllocatedMinutes int            `json:"allocated_minutes"`
	Start            string         `json:"start"` // HH:MM
	End              string         `json:"end"`
	Priority         int            `json:"priority"`
	Difficulty       float64        `json:"difficulty"` // 0-1
	DifficultyLevel  string         `json:"difficulty_level"`
	SuccessMetrics   SuccessMetrics `json:"success_metrics"`
	Breakdown        TimeBreakdown  `json:"breakdown"`
	Objectives       []string       `json:"objectives"`
	Resources        []string       `json:"resources"`
	Completed        bool           `json:"completed"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Conflict 排程冲突（从不静默丢弃，全部写进计划元数据）
type Conflict struct {
	Kind       string `json:"kind"`       // over_budget/commitment_overlap/no_slack
	Resolution string `json:"resolution"` // trimmed/rescheduled/dropped/flagged
	Subject    string `json:"subject,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Minutes    int    `json:"minutes,omitempty"`
	Detail     string `json:"detail"`
}

type OptimizationMetrics struct {
	RequestedMinutes  int `json:"requested_minutes"`
	AllocatedMinutes  int `json:"allocated_minutes"`
	AvailableMinutes  int `json:"available_minutes"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
	BreaksInserted    int `json:"breaks_inserted"`
}

// PlanMetadata 生成过程的可追溯信息
type PlanMetadata struct {
	GeneratedAt    time.Time           `json:"generated_at"`
	ProviderUsed   string              `json:"provider_used"`
	PromptVersion  string              `json:"prompt_version"`
	Trigger        string              `json:"trigger"`
	RuleSetID      string              `json:"rule_set_id"`
	RuleSetVersion int                 `json:"rule_set_version"`
	Degraded       bool                `json:"degraded"` // 模板兜底
	Motivation     string              `json:"motivation,omitempty"`
	StudyTips      []string            `json:"study_tips,omitempty"`
	Conflicts      []Conflict          `json:"conflicts"`
	Optimization   OptimizationMetrics `json:"optimization"`
	WeakAreas      []string            `json:"weak_areas,omitempty"`
}

// DailyPlan 每个学员每天一份，(student_id, date) 是幂等键；只 upsert，不物理删除
type DailyPlan struct {
	ID        string    `gorm:"primaryKey;type:varchar(100)" json:"id"` // {studentId}_{date}
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudentID string `gorm:"type:varchar(64);not null;index" json:"student_id"`
	Date      string `gorm:"type:varchar(10);not null;index" json:"date"`

	Tasks datatypes.JSONSlice[Task] `json:"tasks"`

	CompletedTasks int     `json:"completed_tasks"`
	TotalTasks     int     `json:"total_tasks"`
	CompletionRate float64 `json:"completion_rate"`

	Metadata datatypes.JSONType[PlanMetadata] `json:"metadata"`
}

func PlanKey(studentID, date string) string {
	return fmt.Sprintf("%s_%s", studentID, date)
}

// RecomputeCompletion 按任务完成状态刷新 completion 字段
func (p *DailyPlan) RecomputeCompletion() {
	done := 0
	for _, t := range p.Tasks {
		if t.Completed {
			done++
		}
	}
	p.CompletedTasks = done
	p.TotalTasks = len(p.Tasks)
	if p.TotalTasks > 0 {
		p.CompletionRate = float64(done) / float64(p.TotalTasks)
	} else {
		p.CompletionRate = 0
	}
}

// FindTask 返回任务下标，找不到返回 -1
func (p *DailyPlan) FindTask(taskID string) int {
	for i, t := range p.Tasks {
		if t.TaskID == taskID {
			return i
		}
	}
	return -1
}
