package service

import (
	"math"
	"sort"
	"time"

	"studyplan/internal/model"
)

// WeakArea 一个薄弱知识点及其排序分
type WeakArea struct {
	Subject  string  `json:"subject"`
	Topic    string  `json:"topic"`
	Failures int     `json:"failures"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
}

func (w WeakArea) Key() string { return model.TopicKey(w.Subject, w.Topic) }

// AnalyzerInput 薄弱点分析的全部输入
type AnalyzerInput struct {
	Results        []model.TestResult
	Logs           []model.PerformanceLog
	SubjectWeights map[string]float64
	// 表现日志得分低于它记一次失分
	LowerThreshold float64
	HalfLifeDays   float64
	TopN           int
	Now            time.Time
}

// AnalyzeWeakAreas 按“时间衰减后的失分次数 × 科目权重”排序，
// 同分时权重高者优先，再按 subject/topic 字典序，保证结果确定。
func AnalyzeWeakAreas(in AnalyzerInput) []WeakArea {
	halfLife := in.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 7
	}
	topN := in.TopN
	if topN <= 0 {
		topN = 5
	}

	decay := func(ts time.Time) float64 {
		age := in.Now.Sub(ts).Hours() / 24
		if age < 0 {
			age = 0
		}
		return math.Pow(0.5, age/halfLife)
	}

	areas := map[string]*WeakArea{}
	hit := func(subject, topic string, w float64) {
		if subject == "" || topic == "" {
			return
		}
		key := model.TopicKey(subject, topic)
		a, ok := areas[key]
		if !ok {
			a = &WeakArea{Subject: subject, Topic: topic}
			areas[key] = a
		}
		a.Failures++
		a.Score += w
	}

	for _, r := range in.Results {
		w := decay(r.TakenAt)
		for _, topic := range r.WeakTopics {
			hit(r.Subject, topic, w)
		}
	}
	for _, l := range in.Logs {
		if l.Score < in.LowerThreshold {
			hit(l.Subject, l.Topic, decay(l.Timestamp))
		}
	}

	out := make([]WeakArea, 0, len(areas))
	for _, a := range areas {
		a.Weight = 1.0
		if w, ok := in.SubjectWeights[a.Subject]; ok {
			a.Weight = w
		}
		a.Score *= a.Weight
		out = append(out, *a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Key() < out[j].Key()
	})

	if len(out) > topN {
		out = out[:topN]
	}
	return out
}
