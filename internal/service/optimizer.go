package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"studyplan/internal/metrics"
	"studyplan/internal/model"
	"studyplan/internal/provider"
)

const (
	ConflictOverBudget        = "over_budget"
	ConflictCommitmentOverlap = "commitment_overlap"
	ConflictNoSlack           = "no_slack"

	ResolutionTrimmed     = "trimmed"
	ResolutionRescheduled = "rescheduled"
	ResolutionDropped     = "dropped"
	ResolutionFlagged     = "flagged"
)

// ScheduledBlock 排好时间的主题块，时间以当天零点起的分钟数表示
type ScheduledBlock struct {
	provider.Block
	Priority    int
	StartMinute int
	EndMinute   int
}

func (b ScheduledBlock) StartClock() string { return formatClock(b.StartMinute) }
func (b ScheduledBlock) EndClock() string   { return formatClock(b.EndMinute) }

type OptimizeInput struct {
	DailyMinutes      int
	StartHour         int
	DayEndHour        int
	BreakInterval     int
	BreakMinutes      int
	Commitments       []model.Commitment
	WeakAreas         []WeakArea
	Deadlines         []model.Deadline
	SubjectPriorities map[string]int
	HardFirst         bool
	Now               time.Time
}

type OptimizationResult struct {
	Blocks    []ScheduledBlock
	Conflicts []model.Conflict
	Metrics   model.OptimizationMetrics
}

type Optimizer struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewOptimizer(logger *zap.Logger) *Optimizer {
	return &Optimizer{logger: logger, metrics: metrics.NewMetrics()}
}

type interval struct {
	start, end int
	title      string
}

// Optimize 排序、控制总时长、避开固定安排、插入休息。任何冲突都写进结果，不静默丢弃。
func (o *Optimizer) Optimize(blocks []provider.Block, in OptimizeInput) *OptimizationResult {
	res := &OptimizationResult{}
	budget := in.DailyMinutes
	if budget < minBlockMinutes {
		budget = minBlockMinutes
	}
	res.Metrics.AvailableMinutes = budget

	items := make([]ScheduledBlock, len(blocks))
	for i, b := range blocks {
		items[i] = ScheduledBlock{Block: b, Priority: blockPriority(b, in)}
		res.Metrics.RequestedMinutes += b.AllocatedMinutes
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority > items[j].Priority })

	items = o.fitBudget(items, budget, res)
	if in.HardFirst {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].DifficultyLevel == model.LevelAdvanced && items[j].DifficultyLevel != model.LevelAdvanced
		})
	}
	placed := o.layout(items, in, res)

	if len(placed) == 0 && len(items) > 0 {
		// 一个都排不下时保留最高优先级的块并标记，计划不能为空
		top := items[0]
		for _, it := range items[1:] {
			if it.Priority > top.Priority {
				top = it
			}
		}
		top.StartMinute = in.StartHour * 60
		top.EndMinute = top.StartMinute + top.AllocatedMinutes
		placed = append(placed, top)
		o.record(res, model.Conflict{
			Kind:       ConflictNoSlack,
			Resolution: ResolutionFlagged,
			Subject:    top.Subject,
			Topic:      top.Topic,
			Minutes:    top.AllocatedMinutes,
			Detail:     "no free slot before day end; kept the highest priority block",
		})
	}

	res.Blocks = placed
	for _, b := range placed {
		res.Metrics.AllocatedMinutes += b.AllocatedMinutes
	}
	res.Metrics.ConflictsDetected = len(res.Conflicts)
	for _, c := range res.Conflicts {
		if c.Resolution != ResolutionFlagged {
			res.Metrics.ConflictsResolved++
		}
	}
	o.metrics.AllocatedMinutes.Observe(float64(res.Metrics.AllocatedMinutes))
	return res
}

// fitBudget 超出每日时长时：先从最低优先级开始压到最小时长，仍超出再从最低优先级开始删
func (o *Optimizer) fitBudget(items []ScheduledBlock, budget int, res *OptimizationResult) []ScheduledBlock {
	total := 0
	for _, it := range items {
		total += it.AllocatedMinutes
	}
	overflow := total - budget
	if overflow <= 0 {
		return items
	}

	for i := len(items) - 1; i >= 0 && overflow > 0; i-- {
		cut := items[i].AllocatedMinutes - minBlockMinutes
		if cut > overflow {
			cut = overflow
		}
		if cut <= 0 {
			continue
		}
		items[i].AllocatedMinutes -= cut
		overflow -= cut
		o.record(res, model.Conflict{
			Kind:       ConflictOverBudget,
			Resolution: ResolutionTrimmed,
			Subject:    items[i].Subject,
			Topic:      items[i].Topic,
			Minutes:    cut,
			Detail:     fmt.Sprintf("requested %d minutes exceeds the daily budget of %d", total, budget),
		})
	}

	for overflow > 0 && len(items) > 1 {
		last := items[len(items)-1]
		items = items[:len(items)-1]
		overflow -= last.AllocatedMinutes
		o.record(res, model.Conflict{
			Kind:       ConflictOverBudget,
			Resolution: ResolutionDropped,
			Subject:    last.Subject,
			Topic:      last.Topic,
			Minutes:    last.AllocatedMinutes,
			Detail:     fmt.Sprintf("no room left in the daily budget of %d minutes", budget),
		})
	}
	if overflow > 0 {
		items[0].AllocatedMinutes -= overflow
		o.record(res, model.Conflict{
			Kind:       ConflictOverBudget,
			Resolution: ResolutionTrimmed,
			Subject:    items[0].Subject,
			Topic:      items[0].Topic,
			Minutes:    overflow,
			Detail:     fmt.Sprintf("single block trimmed to the daily budget of %d", budget),
		})
	}
	return items
}

// layout 从开始时间顺排；与固定安排重叠时挪到安排之后，超过当天结束时间则压缩或删除
func (o *Optimizer) layout(items []ScheduledBlock, in OptimizeInput, res *OptimizationResult) []ScheduledBlock {
	busy := o.commitmentIntervals(in.Commitments)
	dayEnd := in.DayEndHour * 60
	if dayEnd <= in.StartHour*60 {
		dayEnd = 24 * 60
	}

	cursor := in.StartHour * 60
	continuous := 0
	placed := make([]ScheduledBlock, 0, len(items))

	for _, it := range items {
		m := it.AllocatedMinutes
		if in.BreakInterval > 0 && continuous > 0 && continuous+m > in.BreakInterval {
			cursor += in.BreakMinutes
			continuous = 0
			res.Metrics.BreaksInserted++
		}

		start := cursor
		var blockers []string
		for moved := true; moved; {
			moved = false
			for _, b := range busy {
				if start < b.end && start+m > b.start {
					start = b.end
					blockers = append(blockers, b.title)
					moved = true
				}
			}
		}
		if len(blockers) > 0 {
			continuous = 0
		}

		if start+m > dayEnd {
			slack := dayEnd - start
			if slack < minBlockMinutes {
				kind := ConflictNoSlack
				if len(blockers) > 0 {
					kind = ConflictCommitmentOverlap
				}
				o.record(res, model.Conflict{
					Kind:       kind,
					Resolution: ResolutionDropped,
					Subject:    it.Subject,
					Topic:      it.Topic,
					Minutes:    m,
					Detail:     fmt.Sprintf("no slack before %s", formatClock(dayEnd)),
				})
				continue
			}
			o.record(res, model.Conflict{
				Kind:       ConflictNoSlack,
				Resolution: ResolutionTrimmed,
				Subject:    it.Subject,
				Topic:      it.Topic,
				Minutes:    m - slack,
				Detail:     fmt.Sprintf("shortened to end by %s", formatClock(dayEnd)),
			})
			m = slack
		}

		if len(blockers) > 0 {
			o.record(res, model.Conflict{
				Kind:       ConflictCommitmentOverlap,
				Resolution: ResolutionRescheduled,
				Subject:    it.Subject,
				Topic:      it.Topic,
				Minutes:    m,
				Detail:     fmt.Sprintf("moved to %s after %s", formatClock(start), strings.Join(blockers, ", ")),
			})
		}

		it.AllocatedMinutes = m
		it.StartMinute = start
		it.EndMinute = start + m
		placed = append(placed, it)
		cursor = it.EndMinute
		continuous += m
	}
	return placed
}

func (o *Optimizer) commitmentIntervals(commitments []model.Commitment) []interval {
	out := make([]interval, 0, len(commitments))
	for _, c := range commitments {
		start, err1 := parseClock(c.Start)
		end, err2 := parseClock(c.End)
		if err1 != nil || err2 != nil || end <= start {
			o.logger.Warn("ignoring malformed commitment", zap.String("title", c.Title), zap.String("start", c.Start), zap.String("end", c.End))
			continue
		}
		title := c.Title
		if title == "" {
			title = "commitment " + c.Start
		}
		out = append(out, interval{start: start, end: end, title: title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func (o *Optimizer) record(res *OptimizationResult, c model.Conflict) {
	res.Conflicts = append(res.Conflicts, c)
	o.metrics.SchedulerConflicts.WithLabelValues(c.Kind, c.Resolution).Inc()
}

// blockPriority 薄弱点排名、学员科目优先级、临近截止日期共同决定
func blockPriority(b provider.Block, in OptimizeInput) int {
	p := 1
	for rank, w := range in.WeakAreas {
		if w.Subject == b.Subject && w.Topic == b.Topic {
			p += (len(in.WeakAreas) - rank) * 10
			break
		}
	}
	if sp := in.SubjectPriorities[b.Subject]; sp > 0 {
		p += sp
	}

	boost := 0
	for _, d := range in.Deadlines {
		if d.Subject != b.Subject {
			continue
		}
		days := d.DueAt.Sub(in.Now).Hours() / 24
		switch {
		case d.Topic == b.Topic && days <= 3:
			boost = max(boost, 20)
		case d.Topic == b.Topic:
			boost = max(boost, 10)
		case d.Topic == "":
			boost = max(boost, 5)
		}
	}
	return p + boost
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
