package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyplan/internal/config"
)

// PlanReadyEvent “计划已生成”事件
type PlanReadyEvent struct {
	PlanID       string    `json:"plan_id"`
	StudentID    string    `json:"student_id"`
	Date         string    `json:"date"`
	Trigger      string    `json:"trigger"`
	TotalTasks   int       `json:"total_tasks"`
	ProviderUsed string    `json:"provider_used"`
	Degraded     bool      `json:"degraded"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Notifier 通知协作方；失败只返回错误，由调用方记录，不影响计划生成
type Notifier interface {
	PlanReady(ctx context.Context, evt PlanReadyEvent) error
}

type Nop struct{}

func (Nop) PlanReady(context.Context, PlanReadyEvent) error { return nil }

// redisPublisher *redis.Client 满足此接口
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier 通过 redis pub/sub 发布事件
type RedisNotifier struct {
	client  redisPublisher
	channel string
}

func NewRedisNotifier(client redisPublisher, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) PlanReady(ctx context.Context, evt PlanReadyEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal plan ready event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", n.channel, err)
	}
	return nil
}

// natsPublisher *nats.Conn 满足此接口
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier 通过 nats core publish 发布事件（不需要 JetStream 持久化）
type NATSNotifier struct {
	conn    natsPublisher
	subject string
}

func NewNATSNotifier(conn natsPublisher, subject string) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: subject}
}

func (n *NATSNotifier) PlanReady(ctx context.Context, evt PlanReadyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal plan ready event: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+evt.StudentID, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", n.subject, err)
	}
	return nil
}

// Multi 依次发给所有通知方，汇总错误
type Multi []Notifier

func (m Multi) PlanReady(ctx context.Context, evt PlanReadyEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.PlanReady(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New 按配置组装通知方；都未配置时返回 Nop。返回的 closer 释放连接
func New(cfg *config.Config, logger *zap.Logger) (Notifier, func(), error) {
	var (
		out     Multi
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		out = append(out, NewRedisNotifier(rdb, cfg.Redis.Channel))
		logger.Info("plan ready notifications via redis", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Timeout(10*time.Second),
			nats.ReconnectWait(time.Second),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("NATS disconnected", zap.Error(err))
				}
			}),
		)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		closers = append(closers, nc.Close)
		out = append(out, NewNATSNotifier(nc, cfg.NATS.Subject))
		logger.Info("plan ready notifications via nats", zap.String("url", cfg.NATS.URL), zap.String("subject", cfg.NATS.Subject))
	}

	if len(out) == 0 {
		return Nop{}, func() {}, nil
	}
	return out, closeAll, nil
}
