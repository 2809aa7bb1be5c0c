package model

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// DifficultyThresholds 难度档位下界（0-100），必须严格递增
type DifficultyThresholds struct {
	Beginner     float64 `json:"beginner" yaml:"beginner"`
	Intermediate float64 `json:"intermediate" yaml:"intermediate"`
	Advanced     float64 `json:"advanced" yaml:"advanced"`
}

// AdjustmentThresholds 难度调整门槛：得分高于 Upper 升难度，低于 Lower 降难度
type AdjustmentThresholds struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
}

// DecisionRuleSet 可由管理员带外修改的决策规则（带版本）
type DecisionRuleSet struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id" yaml:"id"`
	Version     int       `gorm:"not null;default:1" json:"version" yaml:"-"`
	LastUpdated time.Time `json:"last_updated" yaml:"-"`

	DifficultyThresholds DifficultyThresholds `gorm:"serializer:json;type:text" json:"difficulty_thresholds" yaml:"difficulty_thresholds"`
	Adjustment           AdjustmentThresholds `gorm:"serializer:json;type:text" json:"adjustment" yaml:"adjustment"`
	DifficultyStep       float64              `json:"difficulty_step" yaml:"difficulty_step"`
	SubjectWeights       map[string]float64   `gorm:"serializer:json;type:text" json:"subject_weights" yaml:"subject_weights"`
}

// RuleSetHistory 每次成功更新前的旧版本快照
type RuleSetHistory struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	RuleSetID string         `gorm:"type:varchar(64);not null;index" json:"rule_set_id"`
	Version   int            `gorm:"not null" json:"version"`
	Path      string         `gorm:"type:varchar(200)" json:"path"`
	Snapshot  datatypes.JSON `json:"snapshot"`
}

const DefaultRuleSetID = "default"

// DefaultRuleSet 首次读取时写入的默认规则
func DefaultRuleSet(id string) *DecisionRuleSet {
	if id == "" {
		id = DefaultRuleSetID
	}
	return &DecisionRuleSet{
		ID:      id,
		Version: 1,
		DifficultyThresholds: DifficultyThresholds{
			Beginner:     0,
			Intermediate: 40,
			Advanced:     70,
		},
		Adjustment:     AdjustmentThresholds{Lower: 50, Upper: 85},
		DifficultyStep: 0.1,
		SubjectWeights: map[string]float64{},
	}
}

// Clone 深拷贝，调用方拿到的是快照，规则更新不会影响进行中的流水线
func (r *DecisionRuleSet) Clone() *DecisionRuleSet {
	if r == nil {
		return nil
	}
	out := *r
	out.SubjectWeights = make(map[string]float64, len(r.SubjectWeights))
	for k, v := range r.SubjectWeights {
		out.SubjectWeights[k] = v
	}
	return &out
}

// SameRules 只比较规则内容，忽略 Version 和 LastUpdated
func (r *DecisionRuleSet) SameRules(o *DecisionRuleSet) bool {
	if r == nil || o == nil {
		return r == o
	}
	a, b := r.Clone(), o.Clone()
	a.Version, b.Version = 0, 0
	a.LastUpdated, b.LastUpdated = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

// Validate 权重非负、阈值严格递增
func (r *DecisionRuleSet) Validate() error {
	t := r.DifficultyThresholds
	for _, v := range []float64{t.Beginner, t.Intermediate, t.Advanced, r.Adjustment.Lower, r.Adjustment.Upper} {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return fmt.Errorf("threshold %v out of [0,100]", v)
		}
	}
	if !(t.Beginner < t.Intermediate && t.Intermediate < t.Advanced) {
		return fmt.Errorf("difficulty thresholds must be strictly increasing: %v < %v < %v", t.Beginner, t.Intermediate, t.Advanced)
	}
	if !(r.Adjustment.Lower < r.Adjustment.Upper) {
		return fmt.Errorf("adjustment.lower (%v) must be below adjustment.upper (%v)", r.Adjustment.Lower, r.Adjustment.Upper)
	}
	if math.IsNaN(r.DifficultyStep) || r.DifficultyStep <= 0 || r.DifficultyStep > 1 {
		return fmt.Errorf("difficulty_step %v out of (0,1]", r.DifficultyStep)
	}
	for subject, w := range r.SubjectWeights {
		if strings.TrimSpace(subject) == "" {
			return fmt.Errorf("empty subject in subject_weights")
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("subject weight %s=%v must be non-negative", subject, w)
		}
	}
	return nil
}

// Apply 按点分路径修改一个字段，不做校验
//
// 支持的路径：
//   - subjectWeights.<subject>
//   - difficultyThresholds.beginner|intermediate|advanced
//   - adjustment.lower|upper
//   - difficultyStep
func (r *DecisionRuleSet) Apply(path string, value float64) error {
	head, tail, _ := strings.Cut(strings.TrimSpace(path), ".")
	switch normalizePathSegment(head) {
	case "subjectweights":
		if tail == "" {
			return fmt.Errorf("path %q needs a subject", path)
		}
		if r.SubjectWeights == nil {
			r.SubjectWeights = map[string]float64{}
		}
		r.SubjectWeights[tail] = value
	case "difficultythresholds":
		switch normalizePathSegment(tail) {
		case LevelBeginner:
			r.DifficultyThresholds.Beginner = value
		case LevelIntermediate:
			r.DifficultyThresholds.Intermediate = value
		case LevelAdvanced:
			r.DifficultyThresholds.Advanced = value
		default:
			return fmt.Errorf("unknown difficulty threshold %q", tail)
		}
	case "adjustment":
		switch normalizePathSegment(tail) {
		case "lower":
			r.Adjustment.Lower = value
		case "upper":
			r.Adjustment.Upper = value
		default:
			return fmt.Errorf("unknown adjustment threshold %q", tail)
		}
	case "difficultystep":
		if tail != "" {
			return fmt.Errorf("path %q has unexpected suffix", path)
		}
		r.DifficultyStep = value
	default:
		return fmt.Errorf("unknown rule path %q", path)
	}
	return nil
}

func normalizePathSegment(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
}

// WeightFor 未配置的科目按 1.0 计
func (r *DecisionRuleSet) WeightFor(subject string) float64 {
	if w, ok := r.SubjectWeights[subject]; ok {
		return w
	}
	return 1.0
}

// LevelFor 把 0-1 难度映射到档位
func (r *DecisionRuleSet) LevelFor(difficulty float64) string {
	v := difficulty * 100
	switch {
	case v >= r.DifficultyThresholds.Advanced:
		return LevelAdvanced
	case v >= r.DifficultyThresholds.Intermediate:
		return LevelIntermediate
	default:
		return LevelBeginner
	}
}

// DifficultyForLevel 档位对应的代表难度（取档位区间中点）
func (r *DecisionRuleSet) DifficultyForLevel(level string) float64 {
	t := r.DifficultyThresholds
	switch strings.ToLower(level) {
	case LevelBeginner:
		return (t.Beginner + t.Intermediate) / 200
	case LevelAdvanced:
		return (t.Advanced + 100) / 200
	default:
		return (t.Intermediate + t.Advanced) / 200
	}
}

func ClampDifficulty(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Max(0, math.Min(1, v))
}
