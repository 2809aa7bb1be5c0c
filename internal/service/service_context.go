package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"studyplan/internal/config"
	"studyplan/internal/db"
	"studyplan/internal/notify"
	"studyplan/internal/provider"
)

// ServiceContext 组装所有组件，handler 和命令行共用
type ServiceContext struct {
	Config      *config.Config
	Logger      *zap.Logger
	Rules       *RulesStore
	Pipeline    *Pipeline
	TaskEngine  *TaskEngine
	BatchRunner *BatchRunner
	Scheduler   *Scheduler
	RuleWatcher *RuleFileWatcher
	Providers   *provider.Registry

	closeNotifier func()
}

func NewServiceContext(ctx context.Context, cfg *config.Config, conn *gorm.DB, logger *zap.Logger) (*ServiceContext, error) {
	registry, err := provider.NewRegistryFromConfig(ctx, cfg.Providers.Items)
	if err != nil {
		return nil, fmt.Errorf("初始化模型提供方失败: %w", err)
	}
	notifier, closeNotifier, err := notify.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化通知失败: %w", err)
	}

	profiles := db.NewProfileRepository(conn)
	performance := db.NewPerformanceLogRepository(conn)
	plans := db.NewPlanRepository(conn)
	rules := NewRulesStore(db.NewRuleRepository(conn), logger)

	engine := NewTaskEngine(plans, rules, cfg.Pipeline.RuleSetID, logger)
	pipeline := NewPipeline(
		NewContextBuilder(profiles, performance, cfg.Analyzer, cfg.Pipeline, logger),
		rules,
		NewPlanGenerator(registry, cfg.Providers, cfg.Pipeline.PromptVersion, logger),
		NewOptimizer(logger),
		engine,
		plans,
		notifier,
		cfg,
		logger,
	)
	batch := NewBatchRunner(profiles, pipeline, cfg.Batch.Concurrency, logger)

	svc := &ServiceContext{
		Config:        cfg,
		Logger:        logger,
		Rules:         rules,
		Pipeline:      pipeline,
		TaskEngine:    engine,
		BatchRunner:   batch,
		Scheduler:     NewScheduler(batch, logger),
		Providers:     registry,
		closeNotifier: closeNotifier,
	}
	if cfg.Rules.SeedFile != "" {
		svc.RuleWatcher = NewRuleFileWatcher(cfg.Rules.SeedFile, rules, logger)
	}
	logger.Info("service context ready", zap.Strings("providers", registry.Names()))
	return svc, nil
}

// Start 加载规则种子文件、开启文件监听和定时批量
func (s *ServiceContext) Start(ctx context.Context) error {
	if s.RuleWatcher != nil {
		if err := s.RuleWatcher.Apply(ctx); err != nil {
			// 种子文件不合法时沿用库里的规则
			s.Logger.Warn("rule seed file rejected", zap.Error(err))
		}
		if s.Config.Rules.Watch {
			if err := s.RuleWatcher.Start(ctx); err != nil {
				return fmt.Errorf("watch rule file: %w", err)
			}
		}
	}
	if s.Config.Batch.Enabled {
		for _, tz := range s.Config.Batch.TimeZones {
			if err := s.Scheduler.AddTimeZone(tz, s.Config.Batch.Hour); err != nil {
				return err
			}
		}
		s.Scheduler.Start()
	}
	return nil
}

// Close 先停调度（等进行中的学员落库），再关通知连接
func (s *ServiceContext) Close(ctx context.Context) error {
	if s.RuleWatcher != nil {
		s.RuleWatcher.Stop()
	}
	err := s.Scheduler.Stop(ctx)
	if s.closeNotifier != nil {
		s.closeNotifier()
	}
	return err
}
