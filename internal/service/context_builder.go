package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"studyplan/internal/config"
	"studyplan/internal/model"
)

// EnergyHints 学员精力模式提示
type EnergyHints struct {
	Preference string `json:"preference"`
	StartHour  int    `json:"start_hour"`
	// 高难度主题是否排在前半段
	HardFirst bool `json:"hard_first"`
	// 历史表现最好的小时（本地时间），样本不足为 -1
	BestHour int `json:"best_hour"`
}

// StudyContext 一次运行所需的全部输入
type StudyContext struct {
	Student         *model.Student
	Date            string
	Location        *time.Location
	Enrollments     []model.Enrollment
	PerformanceLogs []model.PerformanceLog // 新的在前
	TestResults     []model.TestResult
	Deadlines       []model.Deadline
	Commitments     []model.Commitment
	// subject/topic -> 上一轮评估给出的难度
	DifficultySeeds map[string]float64
	Energy          EnergyHints
}

// DailyMinutes 当天可用分钟数
func (sc *StudyContext) DailyMinutes(fallback int) int {
	if sc.Student != nil && sc.Student.DailyStudyMinutes > 0 {
		return sc.Student.DailyStudyMinutes
	}
	return fallback
}

type ContextBuilder struct {
	profiles     ProfileStore
	performance  PerformanceStore
	analyzer     config.AnalyzerConfig
	defaultStart int
	logger       *zap.Logger
}

func NewContextBuilder(profiles ProfileStore, performance PerformanceStore, analyzer config.AnalyzerConfig, pipeline config.PipelineConfig, logger *zap.Logger) *ContextBuilder {
	return &ContextBuilder{
		profiles:     profiles,
		performance:  performance,
		analyzer:     analyzer,
		defaultStart: pipeline.DefaultStartHour,
		logger:       logger,
	}
}

// Build 档案读取失败返回 ErrContextUnavailable；其余查询失败降级为空集合并记日志
func (b *ContextBuilder) Build(ctx context.Context, studentID, date string) (*StudyContext, error) {
	student, err := b.profiles.GetStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("%w: student %s: %v", ErrContextUnavailable, studentID, err)
	}

	loc := time.UTC
	if student.TimeZone != "" {
		if l, err := time.LoadLocation(student.TimeZone); err == nil {
			loc = l
		} else {
			b.logger.Warn("unknown student time zone, using UTC", zap.String("student_id", studentID), zap.String("time_zone", student.TimeZone))
		}
	}
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q: %v", ErrInvalidRunRequest, date, err)
	}

	sc := &StudyContext{
		Student:  student,
		Date:     date,
		Location: loc,
	}

	sc.Enrollments = degrade(b, studentID, "enrollments", func() ([]model.Enrollment, error) {
		return b.profiles.ListEnrollments(ctx, studentID)
	})
	sc.PerformanceLogs = degrade(b, studentID, "performance_logs", func() ([]model.PerformanceLog, error) {
		return b.performance.ListRecent(ctx, studentID, b.logLimit())
	})
	sc.TestResults = degrade(b, studentID, "test_results", func() ([]model.TestResult, error) {
		return b.profiles.ListRecentTestResults(ctx, studentID, b.analyzer.ResultLimit)
	})
	sc.Deadlines = degrade(b, studentID, "deadlines", func() ([]model.Deadline, error) {
		return b.profiles.ListDeadlines(ctx, studentID, day, day.AddDate(0, 0, b.analyzer.HorizonDays))
	})
	sc.Commitments = degrade(b, studentID, "commitments", func() ([]model.Commitment, error) {
		return b.profiles.ListCommitments(ctx, studentID, date)
	})

	seeds, err := b.performance.LatestDifficulties(ctx, studentID)
	if err != nil {
		b.logger.Warn("difficulty seeds unavailable", zap.String("student_id", studentID), zap.Error(err))
		seeds = map[string]float64{}
	}
	sc.DifficultySeeds = seeds
	sc.Energy = energyHints(student, sc.PerformanceLogs, loc, b.defaultStart)

	return sc, nil
}

func (b *ContextBuilder) logLimit() int {
	if b.analyzer.LogLimit <= 0 || b.analyzer.LogLimit > 50 {
		return 50
	}
	return b.analyzer.LogLimit
}

func degrade[T any](b *ContextBuilder, studentID, what string, fetch func() ([]T, error)) []T {
	items, err := fetch()
	if err != nil {
		level := b.logger.Warn
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			level = b.logger.Info
		}
		level("secondary lookup failed, continuing with empty set",
			zap.String("student_id", studentID),
			zap.String("lookup", what),
			zap.Error(err))
		return []T{}
	}
	if items == nil {
		return []T{}
	}
	return items
}

var preferenceStartHour = map[string]int{
	"morning":   8,
	"afternoon": 14,
	"evening":   18,
}

// energyHints 显式设置的开始时间优先，其次精力偏好，最后默认值
func energyHints(s *model.Student, logs []model.PerformanceLog, loc *time.Location, defaultStart int) EnergyHints {
	h := EnergyHints{Preference: s.EnergyPreference, StartHour: defaultStart, HardFirst: s.EnergyPreference != "evening", BestHour: -1}
	if hour, ok := preferenceStartHour[s.EnergyPreference]; ok {
		h.StartHour = hour
	}
	if s.PreferredStartHour >= 0 && s.PreferredStartHour <= 23 {
		h.StartHour = s.PreferredStartHour
	}

	type bucket struct {
		sum float64
		n   int
	}
	byHour := map[int]*bucket{}
	for _, l := range logs {
		hour := l.Timestamp.In(loc).Hour()
		if byHour[hour] == nil {
			byHour[hour] = &bucket{}
		}
		byHour[hour].sum += l.Score
		byHour[hour].n++
	}
	best := -1.0
	for hour := 0; hour < 24; hour++ {
		bk := byHour[hour]
		if bk == nil || bk.n < 3 {
			continue
		}
		if avg := bk.sum / float64(bk.n); avg > best {
			best = avg
			h.BestHour = hour
		}
	}
	return h
}
