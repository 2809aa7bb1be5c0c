package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyplan/internal/model"
)

var analyzerNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func TestAnalyzeWeakAreas_AlgebraOverGeometry(t *testing.T) {
	in := AnalyzerInput{
		Results: []model.TestResult{
			{Subject: "math", TakenAt: analyzerNow, WeakTopics: []string{"algebra", "geometry"}},
			{Subject: "math", TakenAt: analyzerNow, WeakTopics: []string{"algebra", "algebra"}},
		},
		SubjectWeights: map[string]float64{"math": 1.0, "turkish": 0.5},
		LowerThreshold: 50,
		Now:            analyzerNow,
	}

	got := AnalyzeWeakAreas(in)
	require.Len(t, got, 2)
	assert.Equal(t, "algebra", got[0].Topic)
	assert.Equal(t, 3, got[0].Failures)
	assert.Equal(t, "geometry", got[1].Topic)
	assert.Equal(t, 1, got[1].Failures)
}

func TestAnalyzeWeakAreas_TieBreaks(t *testing.T) {
	in := AnalyzerInput{
		Results: []model.TestResult{
			{Subject: "turkish", TakenAt: analyzerNow, WeakTopics: []string{"grammar", "grammar"}},
			{Subject: "math", TakenAt: analyzerNow, WeakTopics: []string{"fractions", "algebra"}},
		},
		// turkish grammar: 2 × 0.5 = 1.0, ties with math topics at 1 × 1.0
		SubjectWeights: map[string]float64{"math": 1.0, "turkish": 0.5},
		Now:            analyzerNow,
	}

	got := AnalyzeWeakAreas(in)
	require.Len(t, got, 3)
	keys := []string{got[0].Key(), got[1].Key(), got[2].Key()}
	assert.Equal(t, []string{"math/algebra", "math/fractions", "turkish/grammar"}, keys)

	for i := 0; i < 20; i++ {
		assert.Equal(t, got, AnalyzeWeakAreas(in), "ranking must be deterministic")
	}
}

func TestAnalyzeWeakAreas_RecencyAndLogs(t *testing.T) {
	in := AnalyzerInput{
		Results: []model.TestResult{
			// two misses two weeks ago decay to 0.5 total
			{Subject: "physics", TakenAt: analyzerNow.AddDate(0, 0, -14), WeakTopics: []string{"optics", "optics"}},
		},
		Logs: []model.PerformanceLog{
			{Subject: "physics", Topic: "kinematics", Score: 30, Timestamp: analyzerNow},
			{Subject: "physics", Topic: "waves", Score: 75, Timestamp: analyzerNow},
		},
		LowerThreshold: 50,
		Now:            analyzerNow,
	}

	got := AnalyzeWeakAreas(in)
	require.Len(t, got, 2)
	assert.Equal(t, "kinematics", got[0].Topic)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, "optics", got[1].Topic)
	assert.InDelta(t, 0.5, got[1].Score, 1e-9)
}

func TestAnalyzeWeakAreas_TopFiveAndZeroWeight(t *testing.T) {
	var results []model.TestResult
	for _, topic := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		results = append(results, model.TestResult{Subject: "math", TakenAt: analyzerNow, WeakTopics: []string{topic}})
	}
	results = append(results, model.TestResult{Subject: "art", TakenAt: analyzerNow, WeakTopics: []string{"color", "color", "color"}})

	got := AnalyzeWeakAreas(AnalyzerInput{
		Results:        results,
		SubjectWeights: map[string]float64{"art": 0},
		Now:            analyzerNow,
	})
	require.Len(t, got, 5)
	assert.Equal(t, "math/a", got[0].Key())
	assert.Equal(t, "math/e", got[4].Key())
	for _, w := range got {
		assert.NotEqual(t, "art", w.Subject)
	}
}

func TestAnalyzeWeakAreas_Empty(t *testing.T) {
	assert.Empty(t, AnalyzeWeakAreas(AnalyzerInput{Now: analyzerNow}))
}
