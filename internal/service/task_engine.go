package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"studyplan/internal/metrics"
	"studyplan/internal/model"
)

const (
	neutralDifficulty = 0.5

	EffectivenessHigh     = "highly_effective"
	EffectivenessGood     = "effective"
	EffectivenessModerate = "moderately_effective"
	EffectivenessLow      = "needs_improvement"

	AdjustIncrease = "increase"
	AdjustDecrease = "decrease"
	AdjustMaintain = "maintain"
)

// PerformanceData 学员提交的任务表现
type PerformanceData struct {
	// 测验得分，提供时作为判定分数
	Score                *float64 `json:"score" validate:"omitempty,gte=0,lte=100"`
	Accuracy             float64  `json:"accuracy" validate:"gte=0,lte=1"`
	Confidence           int      `json:"confidence" validate:"gte=1,lte=5"`
	TimeSpentMinutes     int      `json:"timeSpent" validate:"gte=1,lte=480"`
	DifficultyPerception string   `json:"difficultyPerception" validate:"omitempty,oneof=too_easy easy just_right hard too_hard"`
}

type Submission struct {
	StudentID   string          `json:"studentId" validate:"required,max=64"`
	TaskID      string          `json:"taskId" validate:"required,max=64"`
	Performance PerformanceData `json:"performanceData"`
}

type Completion struct {
	CompletedTasks int     `json:"completedTasks"`
	TotalTasks     int     `json:"totalTasks"`
	CompletionRate float64 `json:"completionRate"`
}

// Evaluation 评估结果；NextDifficulty 作为下一轮同一知识点的难度种子
type Evaluation struct {
	TaskID             string     `json:"taskId"`
	PlanID             string     `json:"planId"`
	Subject            string     `json:"subject"`
	Topic              string     `json:"topic"`
	PerformanceScore   float64    `json:"performanceScore"`
	DecisionScore      float64    `json:"decisionScore"`
	TimeEfficiency     float64    `json:"timeEfficiency"`
	Effectiveness      string     `json:"effectiveness"`
	Adjustment         string     `json:"adjustment"`
	PreviousDifficulty float64    `json:"previousDifficulty"`
	NextDifficulty     float64    `json:"nextDifficulty"`
	NextLevel          string     `json:"nextLevel"`
	RuleSetVersion     int        `json:"ruleSetVersion"`
	LogID              string     `json:"logId"`
	Completion         Completion `json:"completion"`
}

type TaskEngine struct {
	plans     PlanStore
	rules     *RulesStore
	ruleSetID string
	validate  *validator.Validate
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewTaskEngine(plans PlanStore, rules *RulesStore, ruleSetID string, logger *zap.Logger) *TaskEngine {
	return &TaskEngine{
		plans:     plans,
		rules:     rules,
		ruleSetID: ruleSetID,
		validate:  validator.New(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		logger:    logger,
		metrics:   metrics.NewMetrics(),
	}
}

// Expand 每个排好的块生成一个具体任务。难度取上一轮评估结果，没有则取中性值 0.5。
func (e *TaskEngine) Expand(blocks []ScheduledBlock, seeds map[string]float64, weak []WeakArea, rules *model.DecisionRuleSet) []model.Task {
	weakKeys := make(map[string]bool, len(weak))
	for _, w := range weak {
		weakKeys[w.Key()] = true
	}

	tasks := make([]model.Task, 0, len(blocks))
	for _, b := range blocks {
		key := model.TopicKey(b.Subject, b.Topic)
		difficulty, seeded := seeds[key]
		if !seeded {
			difficulty = neutralDifficulty
		}
		difficulty = model.ClampDifficulty(difficulty)
		level := rules.LevelFor(difficulty)

		taskType := typeForLevel(level)
		if seeded && weakKeys[key] {
			taskType = model.TaskReview
		}

		tasks = append(tasks, model.Task{
			TaskID:           e.newID(),
			Subject:          b.Subject,
			Topic:            b.Topic,
			Type:             taskType,
			AllocatedMinutes: b.AllocatedMinutes,
			Start:            b.StartClock(),
			End:              b.EndClock(),
			Priority:         b.Priority,
			Difficulty:       difficulty,
			DifficultyLevel:  level,
			SuccessMetrics:   successMetrics(level),
			Breakdown:        breakdown(taskType, b.AllocatedMinutes),
			Objectives:       append([]string(nil), b.Objectives...),
			Resources:        resources(taskType, b.Topic),
		})
	}
	return tasks
}

func typeForLevel(level string) model.TaskType {
	switch level {
	case model.LevelAdvanced:
		return model.TaskTest
	case model.LevelBeginner:
		return model.TaskTheory
	default:
		return model.TaskPractice
	}
}

func successMetrics(level string) model.SuccessMetrics {
	switch level {
	case model.LevelBeginner:
		return model.SuccessMetrics{TargetAccuracy: 0.6, TargetScore: 60, MinConfidence: 2}
	case model.LevelAdvanced:
		return model.SuccessMetrics{TargetAccuracy: 0.8, TargetScore: 80, MinConfidence: 4}
	default:
		return model.SuccessMetrics{TargetAccuracy: 0.7, TargetScore: 70, MinConfidence: 3}
	}
}

// 理论/练习/复习百分比
var breakdownShares = map[model.TaskType][2]int{
	model.TaskTheory:   {60, 30},
	model.TaskPractice: {20, 60},
	model.TaskReview:   {20, 30},
	model.TaskTest:     {10, 70},
}

func breakdown(t model.TaskType, minutes int) model.TimeBreakdown {
	share := breakdownShares[t]
	theory := minutes * share[0] / 100
	practice := minutes * share[1] / 100
	return model.TimeBreakdown{Theory: theory, Practice: practice, Review: minutes - theory - practice}
}

func resources(t model.TaskType, topic string) []string {
	switch t {
	case model.TaskTheory:
		return []string{"Lesson notes: " + topic, "Worked examples: " + topic}
	case model.TaskReview:
		return []string{"Mistake log: " + topic, "Flashcards: " + topic}
	case model.TaskTest:
		return []string{"Timed mini test: " + topic}
	default:
		return []string{"Practice question set: " + topic}
	}
}

// Evaluate 校验 -> 打分 -> 调整难度 -> 同一事务写日志并标记任务完成。校验失败什么都不写。
func (e *TaskEngine) Evaluate(ctx context.Context, sub *Submission) (*Evaluation, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: empty submission", ErrInvalidPerformanceSubmission)
	}
	if err := e.validate.Struct(sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPerformanceSubmission, err)
	}

	plan, err := e.plans.FindByTask(ctx, sub.StudentID, sub.TaskID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s not found in plans of student %s", ErrInvalidPerformanceSubmission, sub.TaskID, sub.StudentID)
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", sub.TaskID, err)
	}
	idx := plan.FindTask(sub.TaskID)
	task := plan.Tasks[idx]

	rules, err := e.rules.Get(ctx, e.ruleSetID)
	if err != nil {
		return nil, fmt.Errorf("load decision rules: %w", err)
	}

	data := sub.Performance
	perfScore, timeEff := PerformanceScore(data.Accuracy, data.Confidence, task.AllocatedMinutes, data.TimeSpentMinutes)
	decision := perfScore
	if data.Score != nil {
		decision = *data.Score
	}
	adjustment := DecideAdjustment(decision, rules)
	next := NextDifficulty(task.Difficulty, adjustment, rules.DifficultyStep)

	now := e.now()
	entry := &model.PerformanceLog{
		ID:                   model.PerformanceLogKey(sub.StudentID, now),
		StudentID:            sub.StudentID,
		TaskID:               sub.TaskID,
		PlanID:               plan.ID,
		Subject:              task.Subject,
		Topic:                task.Topic,
		Timestamp:            now,
		Score:                decision,
		PerformanceScore:     perfScore,
		TimeSpentMinutes:     data.TimeSpentMinutes,
		Accuracy:             data.Accuracy,
		Confidence:           data.Confidence,
		DifficultyPerception: data.DifficultyPerception,
		Effectiveness:        ClassifyEffectiveness(decision),
		Adjustment:           adjustment,
		PreviousDifficulty:   task.Difficulty,
		NextDifficulty:       next,
	}
	updated, err := e.plans.RecordEvaluation(ctx, entry)
	if errors.Is(err, model.ErrNotFound) {
		// 读取之后计划被重新生成，任务已不存在
		return nil, fmt.Errorf("%w: task %s is no longer in plan %s", ErrInvalidPerformanceSubmission, sub.TaskID, plan.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("record evaluation for task %s: %w", sub.TaskID, err)
	}

	e.metrics.Evaluations.WithLabelValues(adjustment).Inc()
	e.metrics.EvaluationScores.Observe(decision)
	e.logger.Info("task evaluated",
		zap.String("student_id", sub.StudentID),
		zap.String("task_id", sub.TaskID),
		zap.Float64("score", decision),
		zap.String("adjustment", adjustment),
		zap.Float64("next_difficulty", next))

	return &Evaluation{
		TaskID:             sub.TaskID,
		PlanID:             plan.ID,
		Subject:            task.Subject,
		Topic:              task.Topic,
		PerformanceScore:   perfScore,
		DecisionScore:      decision,
		TimeEfficiency:     timeEff,
		Effectiveness:      entry.Effectiveness,
		Adjustment:         adjustment,
		PreviousDifficulty: task.Difficulty,
		NextDifficulty:     next,
		NextLevel:          rules.LevelFor(next),
		RuleSetVersion:     rules.Version,
		LogID:              entry.ID,
		Completion: Completion{
			CompletedTasks: updated.CompletedTasks,
			TotalTasks:     updated.TotalTasks,
			CompletionRate: updated.CompletionRate,
		},
	}, nil
}

// PerformanceScore 0.5·准确率 + 0.2·信心 + 0.3·时间效率（均折算到 0-100）
func PerformanceScore(accuracy float64, confidence, allocated, spent int) (score, timeEfficiency float64) {
	timeEfficiency = 1
	if spent > 0 && allocated > 0 {
		timeEfficiency = math.Min(1, float64(allocated)/float64(spent))
	}
	score = 0.5*accuracy*100 + 0.2*float64(confidence)/5*100 + 0.3*timeEfficiency*100
	return round2(score), round2(timeEfficiency)
}

func ClassifyEffectiveness(score float64) string {
	switch {
	case score >= 85:
		return EffectivenessHigh
	case score >= 70:
		return EffectivenessGood
	case score >= 50:
		return EffectivenessModerate
	default:
		return EffectivenessLow
	}
}

// DecideAdjustment 高于上限升难度，低于下限降难度，否则保持
func DecideAdjustment(score float64, rules *model.DecisionRuleSet) string {
	switch {
	case score > rules.Adjustment.Upper:
		return AdjustIncrease
	case score < rules.Adjustment.Lower:
		return AdjustDecrease
	default:
		return AdjustMaintain
	}
}

// NextDifficulty 结果始终在 [0,1]
func NextDifficulty(prev float64, adjustment string, step float64) float64 {
	next := prev
	switch adjustment {
	case AdjustIncrease:
		next = prev + step
	case AdjustDecrease:
		next = prev - step
	}
	return math.Round(model.ClampDifficulty(next)*1e4) / 1e4
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
