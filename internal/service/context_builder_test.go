package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studyplan/internal/config"
	"studyplan/internal/model"
)

func newTestBuilder(profiles *memProfiles) *ContextBuilder {
	cfg := config.Default()
	return NewContextBuilder(profiles, profiles, cfg.Analyzer, cfg.Pipeline, zap.NewNop())
}

func TestBuild_CollectsInputs(t *testing.T) {
	s := testStudent("s1")
	s.TimeZone = "Europe/Istanbul"
	profiles := newMemProfiles(s)
	loc, _ := time.LoadLocation("Europe/Istanbul")
	profiles.deadlines["s1"] = []model.Deadline{
		{StudentID: "s1", Subject: "math", Topic: "algebra", DueAt: time.Date(2026, 10, 18, 9, 0, 0, 0, loc)},
		{StudentID: "s1", Subject: "math", Topic: "calculus", DueAt: time.Date(2026, 12, 1, 9, 0, 0, 0, loc)},
	}
	profiles.commitments["s1"] = []model.Commitment{
		{StudentID: "s1", Date: "2026-10-16", Start: "18:00", End: "19:00", Title: "football"},
		{StudentID: "s1", Date: "2026-10-17", Start: "18:00", End: "19:00"},
	}
	profiles.seeds["s1"] = map[string]float64{"math/algebra": 0.7}

	sc, err := newTestBuilder(profiles).Build(context.Background(), "s1", "2026-10-16")
	require.NoError(t, err)

	assert.Equal(t, loc.String(), sc.Location.String())
	assert.Len(t, sc.Enrollments, 1)
	require.Len(t, sc.Deadlines, 1, "deadline outside the horizon is excluded")
	assert.Equal(t, "algebra", sc.Deadlines[0].Topic)
	require.Len(t, sc.Commitments, 1)
	assert.Equal(t, "football", sc.Commitments[0].Title)
	assert.Equal(t, 0.7, sc.DifficultySeeds["math/algebra"])
	assert.Equal(t, 120, sc.DailyMinutes(90))
}

func TestBuild_MissingStudentIsContextUnavailable(t *testing.T) {
	_, err := newTestBuilder(newMemProfiles()).Build(context.Background(), "ghost", "2026-10-16")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextUnavailable))
}

func TestBuild_DegradesSecondaryLookups(t *testing.T) {
	profiles := newMemProfiles(testStudent("s1"))
	profiles.secondaryErr = errors.New("connection reset")

	sc, err := newTestBuilder(profiles).Build(context.Background(), "s1", "2026-10-16")
	require.NoError(t, err)
	assert.Empty(t, sc.Enrollments)
	assert.Empty(t, sc.PerformanceLogs)
	assert.Empty(t, sc.Deadlines)
	assert.Empty(t, sc.Commitments)
	assert.NotNil(t, sc.DifficultySeeds)
}

func TestBuild_RejectsBadDate(t *testing.T) {
	_, err := newTestBuilder(newMemProfiles(testStudent("s1"))).Build(context.Background(), "s1", "16/10/2026")
	assert.ErrorIs(t, err, ErrInvalidRunRequest)
}

func TestEnergyHints(t *testing.T) {
	s := testStudent("s1")

	h := energyHints(s, nil, time.UTC, 17)
	assert.Equal(t, 17, h.StartHour)
	assert.True(t, h.HardFirst)
	assert.Equal(t, -1, h.BestHour)

	s.EnergyPreference = "evening"
	h = energyHints(s, nil, time.UTC, 17)
	assert.Equal(t, 18, h.StartHour)
	assert.False(t, h.HardFirst)

	s.PreferredStartHour = 7
	assert.Equal(t, 7, energyHints(s, nil, time.UTC, 17).StartHour)

	at := func(hour int, score float64) model.PerformanceLog {
		return model.PerformanceLog{Timestamp: time.Date(2026, 10, 1, hour, 0, 0, 0, time.UTC), Score: score}
	}
	logs := []model.PerformanceLog{
		at(9, 90), at(9, 85), at(9, 95),
		at(20, 60), at(20, 55), at(20, 70),
		at(13, 100), // 样本不足
	}
	assert.Equal(t, 9, energyHints(s, logs, time.UTC, 17).BestHour)
}
