package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"studyplan/internal/model"
)

// RuleRepository 决策规则集持久化，每次更新前把旧版本写进历史表
type RuleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) Load(ctx context.Context, id string) (*model.DecisionRuleSet, error) {
	var rs model.DecisionRuleSet
	if err := r.db.WithContext(ctx).First(&rs, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	if rs.SubjectWeights == nil {
		rs.SubjectWeights = map[string]float64{}
	}
	return &rs, nil
}

// Save 事务内：写历史快照（有旧版本时）+ 覆盖当前版本
func (r *RuleRepository) Save(ctx context.Context, next *model.DecisionRuleSet, prev *model.DecisionRuleSet, path string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if prev != nil {
			snapshot, err := json.Marshal(prev)
			if err != nil {
				return fmt.Errorf("snapshot rule set: %w", err)
			}
			if err := tx.Create(&model.RuleSetHistory{
				RuleSetID: prev.ID,
				Version:   prev.Version,
				Path:      path,
				Snapshot:  snapshot,
				CreatedAt: time.Now(),
			}).Error; err != nil {
				return fmt.Errorf("write rule history: %w", err)
			}
		}
		if err := tx.Save(next).Error; err != nil {
			return fmt.Errorf("save rule set %s: %w", next.ID, err)
		}
		return nil
	})
}

// History 旧版本快照，新的在前
func (r *RuleRepository) History(ctx context.Context, id string, limit int) ([]model.RuleSetHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.RuleSetHistory
	err := r.db.WithContext(ctx).
		Where("rule_set_id = ?", id).
		Order("version DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
