// Package heartbeat implements the single-writer tick loop from spec.md
// §4.7: the composition point that reconciles stalled pipelines, due
// triggers, queued work, and the prompt-budget window into at most one
// active pipeline execution per tick.
//
// Dependencies are injected as plain function values rather than a
// concrete budget tracker / pipeline engine, mirroring spec.md §9's
// "class-with-closures" design note ("Model this as an interface with
// four methods or a plain record of function values; either maps
// directly") — the heartbeat owns no concrete budget tracker or pipeline
// engine; besides the queue, registry and state store it holds only the
// at-most-one-pipeline latch and the tick algorithm itself.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ashworth-labs/conductor/internal/crontrigger"
	"github.com/ashworth-labs/conductor/internal/metrics"
	"github.com/ashworth-labs/conductor/internal/pipelinestate"
	"github.com/ashworth-labs/conductor/internal/projects"
	"github.com/ashworth-labs/conductor/internal/workqueue"
)

// Tick outcomes, per spec.md §4.7's TickResult.action enum.
const (
	ActionIdle     = "idle"
	ActionRanAgent = "ran_agent"
	ActionQueued   = "queued"
	ActionBusy     = "busy"
	ActionError    = "error"
)

// Source distinguishes a trigger-initiated run from a queue-drain run.
const (
	SourceTrigger = "trigger"
	SourceQueue   = "queue"
)

// StallRecoveryTrigger is the synthetic trigger name stamped on a
// recovery QueueItem produced by the stall sweep.
const StallRecoveryTrigger = "stall-recovery"

// defaultStallThreshold is spec.md §4.7's stall-detection window.
const defaultStallThreshold = 30 * time.Minute

// TickResult is the outcome of one tick, per spec.md §4.7.
type TickResult struct {
	Action      string
	TriggerName string
	Source      string
	Error       string
}

// Outcome is what RunPipeline reports back for budget accounting, per
// spec.md §4.7's "Budget accounting" rule: estimated usage is
// standaloneStages×10 + teamStages×50 from the pipeline result's stage
// counts.
type Outcome struct {
	StandaloneStagesRun int
	TeamStagesRun        int
}

// conservativeUsageEstimate is recorded when a pipeline run errors before
// producing a structured result, per spec.md §4.7: "If no structured
// result is available, record a conservative default."
const conservativeUsageEstimate = 10

// RunSpec is one pipeline invocation request.
type RunSpec struct {
	Agent       string
	ProjectPath string
	Task        string
	Mode        string
}

// CanRunFunc reports whether the budget tracker currently allows a run.
type CanRunFunc func() (bool, error)

// RecordUsageFunc records n prompts of consumption against the budget.
type RecordUsageFunc func(n int) error

// RunPipelineFunc invokes the pipeline engine (or any test double) for one
// RunSpec and reports the stage-count outcome for budget accounting.
type RunPipelineFunc func(ctx context.Context, spec RunSpec) (Outcome, error)

// TriggerBinding pairs a cron trigger with the project/agent/task/mode it
// fires against.
type TriggerBinding struct {
	Trigger     *crontrigger.Trigger
	Name        string
	ProjectPath string
	Agent       string
	Task        string
	Mode        string
}

// Heartbeat is the single-writer tick loop.
type Heartbeat struct {
	Queue    *workqueue.Queue
	Registry *projects.Registry
	States   *pipelinestate.Store

	Triggers []TriggerBinding

	CanRun      CanRunFunc
	RecordUsage RecordUsageFunc
	RunPipeline RunPipelineFunc
	Remaining   func() (int, error)

	Logger  *zap.Logger
	Metrics *metrics.Registry

	StallThreshold time.Duration
	Now            func() time.Time

	busy      atomic.Bool
	tickCount atomic.Int64
}

// Tick runs exactly one pass of the algorithm in spec.md §4.7. If a tick
// is already in flight, it returns ActionBusy immediately without
// touching any state — the busy-check-and-set is the critical section
// and must be the first thing this method does.
func (h *Heartbeat) Tick(ctx context.Context) TickResult {
	if !h.busy.CompareAndSwap(false, true) {
		return TickResult{Action: ActionBusy}
	}
	defer h.busy.Store(false)

	h.tickCount.Add(1)

	if result, handled := h.sweepStalls(); handled {
		h.recordMetric(result)
		return result
	}

	if result, handled := h.checkTriggers(ctx); handled {
		h.recordMetric(result)
		return result
	}

	if result, handled := h.drainQueue(ctx); handled {
		h.recordMetric(result)
		return result
	}

	result := TickResult{Action: ActionIdle}
	h.recordMetric(result)
	return result
}

// GetTickCount returns the number of Tick invocations that passed the
// busy check (i.e. actually ran the algorithm, excluding ActionBusy
// returns).
func (h *Heartbeat) GetTickCount() int64 { return h.tickCount.Load() }

// IsRunning reports whether a tick is currently in flight.
func (h *Heartbeat) IsRunning() bool { return h.busy.Load() }

func (h *Heartbeat) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Heartbeat) stallThreshold() time.Duration {
	if h.StallThreshold > 0 {
		return h.StallThreshold
	}
	return defaultStallThreshold
}

func (h *Heartbeat) log(msg string, fields ...zap.Field) {
	if h.Logger != nil {
		h.Logger.Info(msg, fields...)
	}
}

// recordMetric updates the tick counter plus the budget-remaining and
// queue-depth gauges, per SPEC_FULL.md §4.7: both gauges are refreshed on
// every tick, not just when a pipeline actually runs.
func (h *Heartbeat) recordMetric(result TickResult) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.TickTotal.WithLabelValues(result.Action).Inc()

	if h.Remaining != nil {
		if remaining, err := h.Remaining(); err == nil {
			h.Metrics.BudgetRemaining.Set(float64(remaining))
		}
	}
	if h.Queue != nil {
		if depth, err := h.Queue.Size(); err == nil {
			h.Metrics.QueueDepth.Set(float64(depth))
		}
	}
}

// sweepStalls implements spec.md §4.7 step 1. On the first stalled
// project found, it flips pipeline-state to stalled, enqueues a recovery
// item, and reports handled=true so the tick returns immediately.
func (h *Heartbeat) sweepStalls() (TickResult, bool) {
	projectList, err := h.Registry.List()
	if err != nil {
		return TickResult{Action: ActionError, Error: err.Error()}, true
	}

	for _, p := range projectList {
		state, ok, err := h.States.Load(p.Path)
		if err != nil || !ok {
			continue
		}
		if state.Status != pipelinestate.StatusRunning {
			continue
		}
		if h.now().Sub(state.UpdatedAt) <= h.stallThreshold() {
			continue
		}

		state.Status = pipelinestate.StatusStalled
		if err := h.States.Save(p.Path, state); err != nil {
			return TickResult{Action: ActionError, Error: err.Error()}, true
		}

		agent := "builder"
		if state.CurrentStage >= 0 && state.CurrentStage < len(state.Pipeline) {
			agent = state.Pipeline[state.CurrentStage]
		}

		if _, err := h.Queue.Enqueue(workqueue.Item{
			TriggerName: StallRecoveryTrigger,
			ProjectPath: p.Path,
			Agent:       agent,
			Task:        state.Task,
			Mode:        "standalone",
		}); err != nil {
			return TickResult{Action: ActionError, Error: err.Error()}, true
		}

		h.log("stall detected, enqueued recovery", zap.String("project", p.Path), zap.String("agent", agent))
		return TickResult{Action: ActionQueued, TriggerName: StallRecoveryTrigger}, true
	}

	return TickResult{}, false
}

// checkTriggers implements spec.md §4.7 step 2. The first due trigger
// found in definition order is handled (executed or deferred) and the
// tick returns; remaining due triggers are picked up on later ticks.
func (h *Heartbeat) checkTriggers(ctx context.Context) (TickResult, bool) {
	for _, binding := range h.Triggers {
		due, err := binding.Trigger.IsDue()
		if err != nil {
			return TickResult{Action: ActionError, Error: err.Error()}, true
		}
		if !due {
			continue
		}

		canRun, err := h.CanRun()
		if err != nil {
			return TickResult{Action: ActionError, Error: err.Error()}, true
		}

		if !canRun {
			if _, err := h.Queue.Enqueue(workqueue.Item{
				TriggerName: binding.Name,
				ProjectPath: binding.ProjectPath,
				Agent:       binding.Agent,
				Task:        binding.Task,
				Mode:        binding.Mode,
			}); err != nil {
				return TickResult{Action: ActionError, Error: err.Error()}, true
			}
			if err := binding.Trigger.MarkFired(); err != nil {
				h.log("markFired failed", zap.String("trigger", binding.Name), zap.Error(err))
			}
			return TickResult{Action: ActionQueued, TriggerName: binding.Name}, true
		}

		outcome, runErr := h.RunPipeline(ctx, RunSpec{
			Agent:       binding.Agent,
			ProjectPath: binding.ProjectPath,
			Task:        binding.Task,
			Mode:        binding.Mode,
		})
		if err := binding.Trigger.MarkFired(); err != nil {
			h.log("markFired failed", zap.String("trigger", binding.Name), zap.Error(err))
		}
		h.recordUsage(binding.Agent, outcome, runErr)

		if runErr != nil {
			return TickResult{Action: ActionError, TriggerName: binding.Name, Error: runErr.Error()}, true
		}
		return TickResult{Action: ActionRanAgent, TriggerName: binding.Name, Source: SourceTrigger}, true
	}

	return TickResult{}, false
}

// drainQueue implements spec.md §4.7 step 3.
func (h *Heartbeat) drainQueue(ctx context.Context) (TickResult, bool) {
	empty, err := h.Queue.IsEmpty()
	if err != nil {
		return TickResult{Action: ActionError, Error: err.Error()}, true
	}
	if empty {
		return TickResult{}, false
	}

	canRun, err := h.CanRun()
	if err != nil {
		return TickResult{Action: ActionError, Error: err.Error()}, true
	}
	if !canRun {
		return TickResult{}, false
	}

	item, ok, err := h.Queue.Dequeue()
	if err != nil {
		return TickResult{Action: ActionError, Error: err.Error()}, true
	}
	if !ok {
		return TickResult{}, false
	}

	outcome, runErr := h.RunPipeline(ctx, RunSpec{
		Agent:       item.Agent,
		ProjectPath: item.ProjectPath,
		Task:        item.Task,
		Mode:        item.Mode,
	})
	h.recordUsage(item.Agent, outcome, runErr)

	if runErr != nil {
		return TickResult{Action: ActionError, TriggerName: item.TriggerName, Error: runErr.Error()}, true
	}
	return TickResult{Action: ActionRanAgent, TriggerName: item.TriggerName, Source: SourceQueue}, true
}

// recordUsage feeds the run's stage counts into the budget tracker and
// into the pipeline-stages counter, labeled by agent and outcome.
func (h *Heartbeat) recordUsage(agent string, outcome Outcome, runErr error) {
	usage := conservativeUsageEstimate
	if runErr == nil {
		usage = outcome.StandaloneStagesRun*10 + outcome.TeamStagesRun*50
	}
	if err := h.RecordUsage(usage); err != nil {
		h.log("record usage failed", zap.Error(err))
	}

	if h.Metrics == nil {
		return
	}
	outcomeLabel := "ok"
	if runErr != nil {
		outcomeLabel = "error"
	}
	if stages := outcome.StandaloneStagesRun + outcome.TeamStagesRun; stages > 0 {
		h.Metrics.PipelineStages.WithLabelValues(agent, outcomeLabel).Add(float64(stages))
	} else {
		h.Metrics.PipelineStages.WithLabelValues(agent, outcomeLabel).Inc()
	}
}
