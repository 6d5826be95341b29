// Package planexpand implements spec.md §4.6: parsing numbered tasks out
// of a produced PLAN.md and rewriting a generic builder/reviewer pair into
// per-batch repetitions once the architect stage has run.
package planexpand

import (
	"regexp"
	"strconv"
	"strings"
)

// Stage mirrors spec.md §3's PipelineStage: one step of a pipeline, with an
// optional batch-scope label assigned by expansion.
type Stage struct {
	Agent      string
	Teams      bool
	BatchScope string
}

// Task is one heading parsed out of PLAN.md.
type Task struct {
	Number int
	Title  string
}

var taskHeading = regexp.MustCompile(`(?m)^### Task (\d+): (.+)$`)

// ParsePlanTasks scans planText for `### Task N: title` headings and
// returns them in source order.
func ParsePlanTasks(planText string) []Task {
	matches := taskHeading.FindAllStringSubmatch(planText, -1)
	tasks := make([]Task, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		tasks = append(tasks, Task{Number: n, Title: strings.TrimSpace(m[2])})
	}
	return tasks
}

// ExpandStages rewrites stages so that, starting from the first stage
// whose Agent substring-matches expandFrom, the (builder, reviewer) pair
// is replicated once per batch of batchSize numbered tasks. Stages after
// the reviewer in the original list are discarded: the design assumes
// build/review is the tail of the pipeline. Returns stages unchanged if
// expandFrom or a following reviewer-like stage can't be found, or if
// taskCount is 0.
func ExpandStages(stages []Stage, taskCount int, expandFrom string, batchSize int) []Stage {
	if taskCount == 0 {
		return stages
	}

	builderIdx := indexOfSubstring(stages, expandFrom)
	if builderIdx == -1 {
		return stages
	}

	reviewerIdx := indexOfSubstring(stages[builderIdx+1:], "reviewer")
	if reviewerIdx == -1 {
		return stages
	}
	reviewerIdx += builderIdx + 1

	builder := stages[builderIdx]
	reviewer := stages[reviewerIdx]

	out := make([]Stage, 0, builderIdx+((taskCount+batchSize-1)/batchSize)*2)
	out = append(out, stages[:builderIdx]...)

	for start := 1; start <= taskCount; start += batchSize {
		end := start + batchSize - 1
		if end > taskCount {
			end = taskCount
		}
		scope := batchScopeLabel(start, end)

		b := builder
		b.BatchScope = scope
		r := reviewer
		r.BatchScope = scope

		out = append(out, b, r)
	}

	return out
}

func batchScopeLabel(start, end int) string {
	if start == end {
		return "Task " + strconv.Itoa(start)
	}
	return "Tasks " + strconv.Itoa(start) + "-" + strconv.Itoa(end)
}

func indexOfSubstring(stages []Stage, substr string) int {
	for i, s := range stages {
		if strings.Contains(s.Agent, substr) {
			return i
		}
	}
	return -1
}
