package db

import (
	"context"

	"gorm.io/gorm"

	"studyplan/internal/model"
)

// PerformanceLogRepository 表现日志只追加，不提供更新和删除
type PerformanceLogRepository struct {
	db *gorm.DB
}

func NewPerformanceLogRepository(db *gorm.DB) *PerformanceLogRepository {
	return &PerformanceLogRepository{db: db}
}

func (r *PerformanceLogRepository) Append(ctx context.Context, log *model.PerformanceLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// ListRecent 最近 limit 条，按时间倒序
func (r *PerformanceLogRepository) ListRecent(ctx context.Context, studentID string, limit int) ([]model.PerformanceLog, error) {
	var logs []model.PerformanceLog
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// LatestDifficulties 每个 subject/topic 最近一次评估给出的下一轮难度
func (r *PerformanceLogRepository) LatestDifficulties(ctx context.Context, studentID string) (map[string]float64, error) {
	var logs []model.PerformanceLog
	err := r.db.WithContext(ctx).
		Select("subject", "topic", "next_difficulty", "timestamp").
		Where("student_id = ?", studentID).
		Order("timestamp DESC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}

	seeds := make(map[string]float64)
	for _, l := range logs {
		key := model.TopicKey(l.Subject, l.Topic)
		if _, seen := seeds[key]; !seen {
			seeds[key] = l.NextDifficulty
		}
	}
	return seeds, nil
}
