package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studyplan/internal/config"
)

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

type fakeNATS struct {
	subject string
	payload []byte
	err     error
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.subject = subj
	f.payload = data
	return f.err
}

func TestRedisNotifier(t *testing.T) {
	rdb := &fakeRedis{}
	n := NewRedisNotifier(rdb, "studyplan.plan_ready")

	require.NoError(t, n.PlanReady(context.Background(), PlanReadyEvent{PlanID: "s1_2026-10-16", StudentID: "s1", TotalTasks: 3}))
	assert.Equal(t, "studyplan.plan_ready", rdb.channel)

	var evt PlanReadyEvent
	require.NoError(t, json.Unmarshal(rdb.payload, &evt))
	assert.Equal(t, "s1_2026-10-16", evt.PlanID)
	assert.Equal(t, 3, evt.TotalTasks)
}

func TestNATSNotifier(t *testing.T) {
	nc := &fakeNATS{}
	n := NewNATSNotifier(nc, "studyplan.plan.ready")

	require.NoError(t, n.PlanReady(context.Background(), PlanReadyEvent{StudentID: "s1"}))
	assert.Equal(t, "studyplan.plan.ready.s1", nc.subject)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.PlanReady(ctx, PlanReadyEvent{StudentID: "s1"}), context.Canceled)
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &fakeNATS{}
	m := Multi{NewRedisNotifier(&fakeRedis{err: boom}, "c"), NewNATSNotifier(ok, "s")}

	err := m.PlanReady(context.Background(), PlanReadyEvent{StudentID: "s1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "s.s1", ok.subject, "a failing notifier must not stop the others")
}

func TestNew_NothingConfigured(t *testing.T) {
	n, closeFn, err := New(config.Default(), zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, Nop{}, n)
}
