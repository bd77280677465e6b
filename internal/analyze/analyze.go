// Package analyze implements the Analyzers (§4.9): pure functions over
// already-queried task/project data. None of these ever touch the
// external host directly; Tool Dispatch supplies their input via a
// prior Read call.
package analyze

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
)

// VelocityBucket is one day/week/month's completed-task count.
type VelocityBucket struct {
	Period string `json:"period"`
	Count  int    `json:"count"`
}

// TaskVelocity groups completed tasks by day, week, and month of their
// CompletionDate.
func TaskVelocity(tasks []model.Task) map[string][]VelocityBucket {
	daily := map[string]int{}
	weekly := map[string]int{}
	monthly := map[string]int{}

	for _, t := range tasks {
		if !t.Completed || t.CompletionDate == nil {
			continue
		}
		d := *t.CompletionDate
		daily[d.Format("2006-01-02")]++
		y, w := d.ISOWeek()
		weekly[weekKey(y, w)]++
		monthly[d.Format("2006-01")]++
	}

	return map[string][]VelocityBucket{
		"daily":   toBuckets(daily),
		"weekly":  toBuckets(weekly),
		"monthly": toBuckets(monthly),
	}
}

func weekKey(y, w int) string {
	return fmt.Sprintf("%d-W%02d", y, w)
}

func toBuckets(m map[string]int) []VelocityBucket {
	out := make([]VelocityBucket, 0, len(m))
	for k, v := range m {
		out = append(out, VelocityBucket{Period: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

// OverdueBucket groups overdue tasks of a project by age band.
type OverdueBucket struct {
	ProjectID string `json:"projectId"`
	Under1Day int    `json:"under1Day"`
	Under1Week int   `json:"under1Week"`
	OverAWeek int     `json:"overAWeek"`
}

// OverdueAnalysis buckets overdue (incomplete, past-due) tasks by
// containing project and age since due date.
func OverdueAnalysis(tasks []model.Task, now time.Time) []OverdueBucket {
	byProject := map[string]*OverdueBucket{}
	var order []string

	for _, t := range tasks {
		if t.Completed || t.Dropped || t.DueDate == nil || !t.DueDate.Before(now) {
			continue
		}
		pid := "inbox"
		if t.ProjectID != nil {
			pid = *t.ProjectID
		}
		b, ok := byProject[pid]
		if !ok {
			b = &OverdueBucket{ProjectID: pid}
			byProject[pid] = b
			order = append(order, pid)
		}
		age := now.Sub(*t.DueDate)
		switch {
		case age < 24*time.Hour:
			b.Under1Day++
		case age < 7*24*time.Hour:
			b.Under1Week++
		default:
			b.OverAWeek++
		}
	}

	sort.Strings(order)
	out := make([]OverdueBucket, 0, len(order))
	for _, pid := range order {
		out = append(out, *byProject[pid])
	}
	return out
}

// PatternFindings is pattern_analysis's output shape.
type PatternFindings struct {
	Duplicates      []DuplicateGroup `json:"duplicates"`
	VagueTasks      []string         `json:"vagueTasks"`
	DormantProjects []string         `json:"dormantProjects"`
	BunchedDeadlines []BunchedGroup  `json:"bunchedDeadlines"`
}

type DuplicateGroup struct {
	Name    string   `json:"name"`
	TaskIDs []string `json:"taskIds"`
}

type BunchedGroup struct {
	Date    string   `json:"date"`
	TaskIDs []string `json:"taskIds"`
}

var vaguePhrases = []string{"stuff", "things", "misc", "todo", "various", "tbd", "fix", "look into"}

// PatternAnalysis scans for duplicate-named tasks (case-insensitive exact
// match — a cheap proxy for "name similarity"), vague tasks (lexical
// heuristics against a keyword table), dormant projects (no modification
// in dormantThreshold), and bunched deadlines (3+ tasks due the same day).
func PatternAnalysis(tasks []model.Task, projects []model.Project, now time.Time, dormantThreshold time.Duration) PatternFindings {
	byName := map[string][]string{}
	byDueDate := map[string][]string{}
	var vague []string

	for _, t := range tasks {
		if t.Completed || t.Dropped {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(t.Name))
		byName[key] = append(byName[key], t.ID)

		if t.DueDate != nil {
			day := t.DueDate.Format("2006-01-02")
			byDueDate[day] = append(byDueDate[day], t.ID)
		}

		if isVague(t.Name) {
			vague = append(vague, t.ID)
		}
	}

	var dups []DuplicateGroup
	var names []string
	for k := range byName {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		ids := byName[name]
		if len(ids) > 1 {
			dups = append(dups, DuplicateGroup{Name: name, TaskIDs: ids})
		}
	}

	var bunched []BunchedGroup
	var days []string
	for d := range byDueDate {
		days = append(days, d)
	}
	sort.Strings(days)
	for _, d := range days {
		ids := byDueDate[d]
		if len(ids) >= 3 {
			bunched = append(bunched, BunchedGroup{Date: d, TaskIDs: ids})
		}
	}

	var dormant []string
	for _, p := range projects {
		if p.Status != model.ProjectActive {
			continue
		}
		if now.Sub(p.Modified) > dormantThreshold {
			dormant = append(dormant, p.ID)
		}
	}
	sort.Strings(dormant)

	return PatternFindings{
		Duplicates:       dups,
		VagueTasks:       vague,
		DormantProjects:  dormant,
		BunchedDeadlines: bunched,
	}
}

func isVague(name string) bool {
	lower := strings.ToLower(name)
	wordCount := len(strings.Fields(lower))
	if wordCount <= 1 {
		for _, phrase := range vaguePhrases {
			if lower == phrase {
				return true
			}
		}
	}
	for _, phrase := range vaguePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// MeetingNotesResult is parse_meeting_notes's output: ActionItems is
// always populated (the payload for Tool Dispatch's write verb as an
// OpBatch of OpCreate steps); in preview mode Preview additionally holds
// a human-readable rendering of the same items.
type MeetingNotesResult struct {
	ActionItems []ActionItem `json:"actionItems"`
	Preview     string       `json:"preview,omitempty"`
}

type ActionItem struct {
	Name    string   `json:"name"`
	Tags    []string `json:"tags,omitempty"`
	DueDate *string  `json:"dueDate,omitempty"`
}

var actionItemPattern = regexp.MustCompile(`(?im)^\s*[-*]\s*(?:\[ ?\]\s*)?(.+)$`)

var contextKeywords = map[string]string{
	"call":    "phone",
	"email":   "email",
	"meeting": "meeting",
	"review":  "review",
	"buy":     "errands",
	"write":   "writing",
}

var relativeDatePattern = regexp.MustCompile(`(?i)\b(today|tomorrow|next week|next monday|next tuesday|next wednesday|next thursday|next friday)\b`)

// ParseMeetingNotes extracts bullet/checkbox lines as action items,
// attaches context tags from a keyword table, and resolves simple
// relative-date phrases against now. asPreview selects whether the
// result is a human-readable preview string or a structured batch.
func ParseMeetingNotes(notes string, now time.Time, asPreview bool) MeetingNotesResult {
	matches := actionItemPattern.FindAllStringSubmatch(notes, -1)
	items := make([]ActionItem, 0, len(matches))
	for _, m := range matches {
		line := strings.TrimSpace(m[1])
		if line == "" {
			continue
		}
		item := ActionItem{Name: line, Tags: suggestTags(line)}
		if due := extractRelativeDate(line, now); due != "" {
			item.DueDate = &due
		}
		items = append(items, item)
	}

	if !asPreview {
		return MeetingNotesResult{ActionItems: items}
	}

	var b strings.Builder
	b.WriteString("Extracted action items:\n")
	for _, it := range items {
		b.WriteString("- " + it.Name)
		if len(it.Tags) > 0 {
			b.WriteString(" [" + strings.Join(it.Tags, ", ") + "]")
		}
		if it.DueDate != nil {
			b.WriteString(" (due " + *it.DueDate + ")")
		}
		b.WriteString("\n")
	}
	return MeetingNotesResult{ActionItems: items, Preview: b.String()}
}

func suggestTags(line string) []string {
	lower := strings.ToLower(line)
	var tags []string
	var seen []string
	for kw, tag := range contextKeywords {
		if strings.Contains(lower, kw) && !contains(seen, tag) {
			tags = append(tags, tag)
			seen = append(seen, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func extractRelativeDate(line string, now time.Time) string {
	m := relativeDatePattern.FindString(line)
	if m == "" {
		return ""
	}
	switch strings.ToLower(m) {
	case "today":
		return now.Format("2006-01-02")
	case "tomorrow":
		return now.AddDate(0, 0, 1).Format("2006-01-02")
	case "next week":
		return now.AddDate(0, 0, 7).Format("2006-01-02")
	default:
		return nextWeekday(now, m).Format("2006-01-02")
	}
}

var weekdayByName = map[string]time.Weekday{
	"next monday":    time.Monday,
	"next tuesday":   time.Tuesday,
	"next wednesday": time.Wednesday,
	"next thursday":  time.Thursday,
	"next friday":    time.Friday,
}

func nextWeekday(now time.Time, phrase string) time.Time {
	target, ok := weekdayByName[strings.ToLower(phrase)]
	if !ok {
		return now
	}
	days := (int(target) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return now.AddDate(0, 0, days)
}

// ProductivityStats is productivity_stats's output: a simple rollup of
// completion volume and the current daily completion streak.
type ProductivityStats struct {
	CompletedTotal   int `json:"completedTotal"`
	CompletedLast7d  int `json:"completedLast7d"`
	CompletedLast30d int `json:"completedLast30d"`
	CurrentStreakDays int `json:"currentStreakDays"`
}

// ProductivityStatsAnalysis computes completion-volume rollups and the
// current daily streak (consecutive days, counting back from now, with
// at least one completion each).
func ProductivityStatsAnalysis(tasks []model.Task, now time.Time) ProductivityStats {
	daysWithCompletion := map[string]bool{}
	var stats ProductivityStats
	for _, t := range tasks {
		if !t.Completed || t.CompletionDate == nil {
			continue
		}
		stats.CompletedTotal++
		age := now.Sub(*t.CompletionDate)
		if age <= 7*24*time.Hour {
			stats.CompletedLast7d++
		}
		if age <= 30*24*time.Hour {
			stats.CompletedLast30d++
		}
		daysWithCompletion[t.CompletionDate.Format("2006-01-02")] = true
	}

	streak := 0
	for d := now; ; d = d.AddDate(0, 0, -1) {
		if !daysWithCompletion[d.Format("2006-01-02")] {
			break
		}
		streak++
	}
	stats.CurrentStreakDays = streak
	return stats
}

// WorkflowStage buckets of the GTD-style workflow_analysis report.
type WorkflowStage struct {
	Inbox     int `json:"inbox"`
	Available int `json:"available"`
	Blocked   int `json:"blocked"`
	Deferred  int `json:"deferred"`
	Flagged   int `json:"flagged"`
}

// WorkflowAnalysis reports how incomplete, non-dropped tasks distribute
// across GTD-style stages: inbox (no project), available, blocked, and
// deferred-for-later (DeferDate in the future), plus how many are
// flagged regardless of stage.
func WorkflowAnalysis(tasks []model.Task, now time.Time) WorkflowStage {
	var s WorkflowStage
	for _, t := range tasks {
		if t.Completed || t.Dropped {
			continue
		}
		if t.InInbox {
			s.Inbox++
		}
		if t.Available {
			s.Available++
		}
		if t.Blocked {
			s.Blocked++
		}
		if t.DeferDate != nil && t.DeferDate.After(now) {
			s.Deferred++
		}
		if t.Flagged {
			s.Flagged++
		}
	}
	return s
}

// RecurringTaskSummary is one repeating task's rule, surfaced for
// recurring_tasks review.
type RecurringTaskSummary struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Frequency string             `json:"frequency"`
	AnchorTo  model.RepeatAnchor `json:"anchorTo"`
}

// RecurringTasks lists every task carrying a RepeatRule, sorted by id
// for deterministic output.
func RecurringTasks(tasks []model.Task) []RecurringTaskSummary {
	var out []RecurringTaskSummary
	for _, t := range tasks {
		if t.Repeat == nil {
			continue
		}
		out = append(out, RecurringTaskSummary{
			ID: t.ID, Name: t.Name,
			Frequency: t.Repeat.Frequency,
			AnchorTo:  t.Repeat.AnchorTo,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReviewStatus is one project's due-for-review state, manage_reviews's
// per-project output.
type ReviewStatus struct {
	ProjectID  string `json:"projectId"`
	DueForReview bool  `json:"dueForReview"`
	NextReviewDate *string `json:"nextReviewDate,omitempty"`
}

// ManageReviews returns one ReviewStatus per active project with a
// positive ReviewIntervalDays; other projects are omitted. DueForReview is
// true when NextReviewDate is unset (never reviewed) or at/before now.
func ManageReviews(projects []model.Project, now time.Time) []ReviewStatus {
	var out []ReviewStatus
	for _, p := range projects {
		if p.Status != model.ProjectActive || p.ReviewIntervalDays <= 0 {
			continue
		}
		status := ReviewStatus{ProjectID: p.ID}
		if p.NextReviewDate == nil {
			status.DueForReview = true
		} else {
			status.DueForReview = !p.NextReviewDate.After(now)
			d := p.NextReviewDate.Format("2006-01-02")
			status.NextReviewDate = &d
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}
