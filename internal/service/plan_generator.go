package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"studyplan/internal/config"
	"studyplan/internal/metrics"
	"studyplan/internal/model"
	"studyplan/internal/provider"
)

// GenerationInput 生成计划的输入
type GenerationInput struct {
	Context          *StudyContext
	WeakAreas        []WeakArea
	Rules            *model.DecisionRuleSet
	AvailableMinutes int
}

// GenerationResult 生成结果；Degraded 表示来自确定性模板
type GenerationResult struct {
	Blocks        []provider.Block
	Motivation    string
	StudyTips     []string
	ProviderUsed  string
	PromptVersion string
	Degraded      bool
	// 每个提供方实际尝试次数
	Attempts map[string]int
	// 失败的提供方及最后一个错误
	Failures map[string]error
}

// PlanGenerator 按 偏好/主 -> 备用 的顺序调用提供方，重试可重试的错误，全部失败时退回模板
type PlanGenerator struct {
	registry      *provider.Registry
	primary       string
	fallback      string
	maxAttempts   int
	baseDelay     time.Duration
	promptVersion string
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func NewPlanGenerator(registry *provider.Registry, cfg config.ProvidersConfig, promptVersion string, logger *zap.Logger) *PlanGenerator {
	attempts := cfg.MaxAttempts
	if attempts <= 0 || attempts > 3 {
		attempts = 3
	}
	return &PlanGenerator{
		registry:      registry,
		primary:       cfg.Primary,
		fallback:      cfg.Fallback,
		maxAttempts:   attempts,
		baseDelay:     cfg.BaseDelay,
		promptVersion: promptVersion,
		sleep:         sleepCtx,
		logger:        logger,
		metrics:       metrics.NewMetrics(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// providerOrder 学员偏好提供方（未设置时为主提供方）在前，备用提供方在后
func (g *PlanGenerator) providerOrder(preferred string) []string {
	first := g.primary
	if preferred != "" {
		first = preferred
	}
	var order []string
	if first != "" {
		order = append(order, first)
	}
	if g.fallback != "" && g.fallback != first {
		order = append(order, g.fallback)
	}
	return order
}

// Generate 总会返回非空计划；只有输入本身不合法时才返回错误
func (g *PlanGenerator) Generate(ctx context.Context, in *GenerationInput) (*GenerationResult, error) {
	if in == nil || in.Context == nil || in.Context.Student == nil {
		return nil, errors.New("generation input without student context")
	}
	ctx, span := otel.Tracer("studyplan/service").Start(ctx, "PlanGenerator.Generate")
	defer span.End()

	studentID := in.Context.Student.ID
	system, prompt := buildPrompt(in)
	req := &provider.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: 0.4,
		MaxTokens:   2048,
		User:        studentID,
	}

	attempts := map[string]int{}
	failures := map[string]error{}
	reason := "providers_exhausted"

	for _, name := range g.providerOrder(in.Context.Student.PreferredProvider) {
		p, ok := g.registry.Get(name)
		if !ok {
			g.logger.Warn("provider not registered, skipping", zap.String("provider", name))
			continue
		}

		gen, n, err := g.tryProvider(ctx, p, req, studentID)
		attempts[name] = n
		if err == nil {
			span.SetAttributes(attribute.String("provider", name), attribute.Int("attempts", n))
			return &GenerationResult{
				Blocks:        normalizeBlocks(gen.Blocks),
				Motivation:    gen.Motivation,
				StudyTips:     gen.StudyTips,
				ProviderUsed:  name,
				PromptVersion: g.promptVersion,
				Attempts:      attempts,
				Failures:      failures,
			}, nil
		}
		failures[name] = err

		if ctx.Err() != nil {
			reason = "deadline"
			break
		}
		g.logger.Warn("provider exhausted, moving on",
			zap.String("student_id", studentID),
			zap.String("provider", name),
			zap.String("code", string(provider.Classify(err))),
			zap.Int("attempts", n),
			zap.Error(err))
	}

	g.metrics.TemplateFallback.WithLabelValues(reason).Inc()
	g.logger.Warn("all providers failed, using template plan",
		zap.String("student_id", studentID),
		zap.String("reason", reason))
	span.SetAttributes(attribute.String("provider", templateProvider), attribute.String("fallback_reason", reason))

	res := templatePlan(in)
	res.PromptVersion = g.promptVersion
	res.Attempts = attempts
	res.Failures = failures
	return res, nil
}

// tryProvider 单个提供方最多 maxAttempts 次；
// 格式错误按 transient 重试一次，第二次仍格式错误升级为 invalid_request 换下一个提供方。
func (g *PlanGenerator) tryProvider(ctx context.Context, p provider.Provider, req *provider.Request, studentID string) (*provider.Generation, int, error) {
	name := p.Name()
	malformedSeen := 0
	var lastErr error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		g.metrics.ProviderRequests.WithLabelValues(name).Inc()
		start := time.Now()
		resp, err := p.Generate(ctx, req)
		g.metrics.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

		var gen *provider.Generation
		if err == nil {
			gen, err = provider.ParseGeneration(name, resp.Text)
		}
		if err == nil {
			return gen, attempt, nil
		}

		code := provider.Classify(err)
		if provider.IsMalformed(err) {
			malformedSeen++
			if malformedSeen >= 2 {
				code = provider.CodeInvalidRequest
				err = &provider.Error{Provider: name, Code: code, Err: fmt.Errorf("output still malformed after retry: %w", err)}
			}
		}
		lastErr = err
		g.metrics.ProviderErrors.WithLabelValues(name, string(code)).Inc()

		if ctx.Err() != nil {
			return nil, attempt, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		if !code.Retryable() || attempt == g.maxAttempts {
			return nil, attempt, lastErr
		}

		delay := g.baseDelay * time.Duration(attempt)
		g.logger.Info("retrying provider",
			zap.String("student_id", studentID),
			zap.String("provider", name),
			zap.String("code", string(code)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		g.metrics.ProviderRetries.WithLabelValues(name, string(code)).Inc()
		if err := g.sleep(ctx, delay); err != nil {
			return nil, attempt, fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil, g.maxAttempts, lastErr
}

// normalizeBlocks 档位统一小写，过短的块抬到最小时长
func normalizeBlocks(blocks []provider.Block) []provider.Block {
	out := make([]provider.Block, len(blocks))
	for i, b := range blocks {
		b.DifficultyLevel = levelOrDefault(b.DifficultyLevel)
		if b.AllocatedMinutes < minBlockMinutes {
			b.AllocatedMinutes = minBlockMinutes
		}
		out[i] = b
	}
	return out
}
