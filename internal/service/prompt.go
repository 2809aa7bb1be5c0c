package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"studyplan/internal/model"
)

const planSystemPrompt = `You are a study planner for exam preparation.
Reply with a single JSON object and nothing else, using exactly this shape:
{"blocks":[{"subject":"","topic":"","allocatedMinutes":0,"difficultyLevel":"beginner|intermediate|advanced","objectives":[""]}],"motivation":"","studyTips":[""]}
The sum of allocatedMinutes must not exceed the available minutes.`

type promptWeakArea struct {
	Subject  string  `json:"subject"`
	Topic    string  `json:"topic"`
	Failures int     `json:"failures"`
	Score    float64 `json:"score"`
}

type promptEnrollment struct {
	Subject  string  `json:"subject"`
	Progress float64 `json:"progress"`
	Lesson   string  `json:"lesson,omitempty"`
	Topic    string  `json:"topic,omitempty"`
}

type promptDeadline struct {
	Subject string `json:"subject"`
	Topic   string `json:"topic,omitempty"`
	Title   string `json:"title"`
	Due     string `json:"due"`
}

type promptPayload struct {
	Date              string             `json:"date"`
	AvailableMinutes  int                `json:"availableMinutes"`
	EnergyPreference  string             `json:"energyPreference,omitempty"`
	SubjectPriorities map[string]int     `json:"subjectPriorities,omitempty"`
	WeakAreas         []promptWeakArea   `json:"weakAreas"`
	Enrollments       []promptEnrollment `json:"enrollments"`
	Deadlines         []promptDeadline   `json:"deadlines"`
	DifficultyLevels  map[string]string  `json:"difficultyLevels,omitempty"`
}

// buildPrompt 把上下文压成一段 JSON 交给模型
func buildPrompt(in *GenerationInput) (string, string) {
	sc := in.Context
	payload := promptPayload{
		Date:             sc.Date,
		AvailableMinutes: in.AvailableMinutes,
		WeakAreas:        make([]promptWeakArea, 0, len(in.WeakAreas)),
		Enrollments:      make([]promptEnrollment, 0, len(sc.Enrollments)),
		Deadlines:        make([]promptDeadline, 0, len(sc.Deadlines)),
	}
	if sc.Student != nil {
		payload.EnergyPreference = sc.Student.EnergyPreference
		payload.SubjectPriorities = sc.Student.SubjectPriorities
	}
	for _, w := range in.WeakAreas {
		payload.WeakAreas = append(payload.WeakAreas, promptWeakArea{Subject: w.Subject, Topic: w.Topic, Failures: w.Failures, Score: w.Score})
	}
	for _, e := range sc.Enrollments {
		payload.Enrollments = append(payload.Enrollments, promptEnrollment{Subject: e.Subject, Progress: e.Progress, Lesson: e.CurrentLesson, Topic: e.CurrentTopic})
	}
	for _, d := range sc.Deadlines {
		payload.Deadlines = append(payload.Deadlines, promptDeadline{Subject: d.Subject, Topic: d.Topic, Title: d.Title, Due: d.DueAt.Format("2006-01-02")})
	}
	if len(sc.DifficultySeeds) > 0 && in.Rules != nil {
		payload.DifficultyLevels = make(map[string]string, len(sc.DifficultySeeds))
		for key, d := range sc.DifficultySeeds {
			payload.DifficultyLevels[key] = in.Rules.LevelFor(d)
		}
	}

	body, _ := json.MarshalIndent(payload, "", "  ")

	var b strings.Builder
	b.WriteString("Build today's study plan for this student.\n")
	fmt.Fprintf(&b, "Focus first on the weak areas in the given order, keep blocks between %d and 90 minutes.\n", minBlockMinutes)
	b.WriteString("Use difficultyLevels for topics listed there.\n\n")
	b.Write(body)
	return planSystemPrompt, b.String()
}

// levelOrDefault 档位不在三档之内时取中间档
func levelOrDefault(level string) string {
	switch level {
	case model.LevelBeginner, model.LevelIntermediate, model.LevelAdvanced:
		return level
	}
	return model.LevelIntermediate
}
