package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"studyplan/internal/metrics"
	"studyplan/internal/model"
)

// RulesStore 决策规则的读多写少缓存。
// Get 返回深拷贝快照；Update/Replace 持写锁直到落库完成，读者看不到半更新状态。
type RulesStore struct {
	mu      sync.RWMutex
	repo    RuleRepository
	cache   map[string]*model.DecisionRuleSet
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRulesStore(repo RuleRepository, logger *zap.Logger) *RulesStore {
	return &RulesStore{
		repo:    repo,
		cache:   make(map[string]*model.DecisionRuleSet),
		now:     time.Now,
		logger:  logger,
		metrics: metrics.NewMetrics(),
	}
}

func (s *RulesStore) Get(ctx context.Context, id string) (*model.DecisionRuleSet, error) {
	if id == "" {
		id = model.DefaultRuleSetID
	}
	s.mu.RLock()
	rs, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return rs.Clone(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return rs.Clone(), nil
}

// loadLocked 调用方持有写锁；库里没有时写入默认规则
func (s *RulesStore) loadLocked(ctx context.Context, id string) (*model.DecisionRuleSet, error) {
	if rs, ok := s.cache[id]; ok {
		return rs, nil
	}
	rs, err := s.repo.Load(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		rs = model.DefaultRuleSet(id)
		rs.LastUpdated = s.now()
		if err := s.repo.Save(ctx, rs, nil, ""); err != nil {
			return nil, fmt.Errorf("seed default rule set %s: %w", id, err)
		}
		s.logger.Info("seeded default decision rules", zap.String("rule_set_id", id))
	} else if err != nil {
		return nil, fmt.Errorf("load rule set %s: %w", id, err)
	}
	s.cache[id] = rs
	return rs, nil
}

// Update 按点分路径修改单个值；校验失败返回 ErrInvalidRuleUpdate，当前版本不变
func (s *RulesStore) Update(ctx context.Context, id, path string, value float64) (*model.DecisionRuleSet, error) {
	if id == "" {
		id = model.DefaultRuleSetID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := next.Apply(path, value); err != nil {
		s.metrics.RuleUpdates.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleUpdate, err)
	}
	if err := next.Validate(); err != nil {
		s.metrics.RuleUpdates.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleUpdate, err)
	}

	if err := s.commitLocked(ctx, next, current, path); err != nil {
		return nil, err
	}
	s.logger.Info("decision rules updated",
		zap.String("rule_set_id", id),
		zap.String("path", path),
		zap.Float64("value", value),
		zap.Int("version", next.Version))
	return next.Clone(), nil
}

// Replace 整体替换（种子文件加载），同样先校验；内容未变时不写库也不升版本，changed 为 false
func (s *RulesStore) Replace(ctx context.Context, rs *model.DecisionRuleSet) (_ *model.DecisionRuleSet, changed bool, err error) {
	if rs.ID == "" {
		rs.ID = model.DefaultRuleSetID
	}
	if err := rs.Validate(); err != nil {
		s.metrics.RuleUpdates.WithLabelValues("rejected").Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidRuleUpdate, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked(ctx, rs.ID)
	if err != nil {
		return nil, false, err
	}
	if current.SameRules(rs) {
		return current.Clone(), false, nil
	}
	next := rs.Clone()
	if err := s.commitLocked(ctx, next, current, "*"); err != nil {
		return nil, false, err
	}
	return next.Clone(), true, nil
}

func (s *RulesStore) commitLocked(ctx context.Context, next, current *model.DecisionRuleSet, path string) error {
	next.Version = current.Version + 1
	next.LastUpdated = s.now()
	if err := s.repo.Save(ctx, next, current, path); err != nil {
		s.metrics.RuleUpdates.WithLabelValues("error").Inc()
		return fmt.Errorf("persist rule set %s: %w", next.ID, err)
	}
	s.cache[next.ID] = next
	s.metrics.RuleUpdates.WithLabelValues("applied").Inc()
	return nil
}

func (s *RulesStore) History(ctx context.Context, id string, limit int) ([]model.RuleSetHistory, error) {
	if id == "" {
		id = model.DefaultRuleSetID
	}
	return s.repo.History(ctx, id, limit)
}
