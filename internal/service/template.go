package service

import (
	"fmt"

	"studyplan/internal/model"
	"studyplan/internal/provider"
)

const (
	minBlockMinutes    = 15
	templateProvider   = "template"
	generalReviewTopic = "general review"
)

// templatePlan 所有提供方都失败时的确定性计划：
// 按排名加权把可用时间分给薄弱点（每块至少 15 分钟）；没有薄弱点按选课科目平分；再没有就一块综合复习。
func templatePlan(in *GenerationInput) *GenerationResult {
	minutes := in.AvailableMinutes
	if minutes < minBlockMinutes {
		minutes = minBlockMinutes
	}

	type target struct{ subject, topic string }
	var (
		targets  []target
		weighted bool
	)
	for _, w := range in.WeakAreas {
		targets = append(targets, target{w.Subject, w.Topic})
		weighted = true
	}
	if len(targets) == 0 && in.Context != nil {
		seen := map[string]bool{}
		for _, e := range in.Context.Enrollments {
			if seen[e.Subject] {
				continue
			}
			seen[e.Subject] = true
			topic := e.CurrentTopic
			if topic == "" {
				topic = generalReviewTopic
			}
			targets = append(targets, target{e.Subject, topic})
		}
	}
	if len(targets) == 0 {
		targets = []target{{"general", generalReviewTopic}}
	}

	if fit := minutes / minBlockMinutes; len(targets) > fit {
		targets = targets[:fit]
	}

	weights := make([]int, len(targets))
	total := 0
	for i := range targets {
		weights[i] = 1
		if weighted {
			weights[i] = len(targets) - i
		}
		total += weights[i]
	}

	// 先保底 15 分钟，剩余按权重分，零头给排名第一的
	alloc := make([]int, len(targets))
	spare := minutes - minBlockMinutes*len(targets)
	used := 0
	for i := range targets {
		alloc[i] = minBlockMinutes + spare*weights[i]/total
		used += alloc[i]
	}
	alloc[0] += minutes - used

	var seeds map[string]float64
	if in.Context != nil {
		seeds = in.Context.DifficultySeeds
	}
	blocks := make([]provider.Block, len(targets))
	for i, tg := range targets {
		level := model.LevelIntermediate
		if d, ok := seeds[model.TopicKey(tg.subject, tg.topic)]; ok && in.Rules != nil {
			level = in.Rules.LevelFor(d)
		}
		blocks[i] = provider.Block{
			Subject:          tg.subject,
			Topic:            tg.topic,
			AllocatedMinutes: alloc[i],
			DifficultyLevel:  level,
			Objectives: []string{
				fmt.Sprintf("Review the key ideas of %s", tg.topic),
				fmt.Sprintf("Solve practice questions on %s", tg.topic),
			},
		}
	}

	return &GenerationResult{
		Blocks:       blocks,
		ProviderUsed: templateProvider,
		Degraded:     true,
		StudyTips: []string{
			"Start with the first block while you are fresh.",
			"Write down every question you miss and revisit it tomorrow.",
		},
	}
}
