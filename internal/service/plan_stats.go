package service

import (
	"context"
	"math"
	"sort"

	"studyplan/internal/model"
)

type SubjectStats struct {
	Tasks          int     `json:"tasks"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
	Minutes        int     `json:"minutes"`
}

// ProgressStats 学员最近若干天计划的完成情况
type ProgressStats struct {
	StudentID      string                  `json:"student_id"`
	Plans          int                     `json:"plans"`
	Tasks          int                     `json:"tasks"`
	Completed      int                     `json:"completed"`
	CompletionRate float64                 `json:"completion_rate"`
	CI95Low        float64                 `json:"ci95_low"`
	CI95High       float64                 `json:"ci95_high"`
	DegradedPlans  int                     `json:"degraded_plans"`
	BySubject      map[string]SubjectStats `json:"by_subject"`
	Trend          *CompletionTrend        `json:"trend,omitempty"`
}

// CompletionTrend 前半段与后半段完成率对比（两比例 z 检验）
type CompletionTrend struct {
	EarlierRate float64 `json:"earlier_rate"`
	RecentRate  float64 `json:"recent_rate"`
	Z           float64 `json:"z"`
	PValue      float64 `json:"p_value"`
}

// minTrendPlans 少于这么多天不做趋势检验
const minTrendPlans = 6

// Progress 汇总学员最近 limit 天的计划
func (p *Pipeline) Progress(ctx context.Context, studentID string, limit int) (*ProgressStats, error) {
	plans, err := p.plans.List(ctx, studentID, limit)
	if err != nil {
		return nil, err
	}
	stats := ComputeProgress(plans)
	stats.StudentID = studentID
	return stats, nil
}

func ComputeProgress(plans []model.DailyPlan) *ProgressStats {
	ordered := append([]model.DailyPlan(nil), plans...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Date < ordered[j].Date })

	st := &ProgressStats{Plans: len(ordered), BySubject: map[string]SubjectStats{}}
	for _, plan := range ordered {
		if plan.Metadata.Data().Degraded {
			st.DegradedPlans++
		}
		for _, t := range plan.Tasks {
			st.Tasks++
			sub := st.BySubject[t.Subject]
			sub.Tasks++
			sub.Minutes += t.AllocatedMinutes
			if t.Completed {
				st.Completed++
				sub.Completed++
			}
			st.BySubject[t.Subject] = sub
		}
	}
	for k, sub := range st.BySubject {
		sub.CompletionRate = rate(sub.Completed, sub.Tasks)
		st.BySubject[k] = sub
	}
	st.CompletionRate = rate(st.Completed, st.Tasks)
	st.CI95Low, st.CI95High = wilsonCI(st.Completed, st.Tasks, 1.96)

	if len(ordered) >= minTrendPlans {
		mid := len(ordered) / 2
		earlyDone, earlyN := countCompleted(ordered[:mid])
		recentDone, recentN := countCompleted(ordered[mid:])
		pValue, z := twoPropZTest(earlyDone, earlyN, recentDone, recentN)
		st.Trend = &CompletionTrend{
			EarlierRate: rate(earlyDone, earlyN),
			RecentRate:  rate(recentDone, recentN),
			Z:           z,
			PValue:      pValue,
		}
	}
	return st
}

func countCompleted(plans []model.DailyPlan) (done, total int) {
	for _, plan := range plans {
		for _, t := range plan.Tasks {
			total++
			if t.Completed {
				done++
			}
		}
	}
	return done, total
}

func rate(k, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(k) / float64(n)
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	return math.Max(0, center-half), math.Min(1, center+half)
}

// two-proportion z-test (two-sided)；z > 0 表示后者比例更高
func twoPropZTest(x1, n1, x2, n2 int) (pValue float64, z float64) {
	if n1 == 0 || n2 == 0 {
		return 1, 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	p := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1, 0
	}
	z = (p2 - p1) / se
	pValue = 2 * (1 - normCDF(math.Abs(z)))
	return pValue, z
}

// standard normal CDF approximation via erf
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
