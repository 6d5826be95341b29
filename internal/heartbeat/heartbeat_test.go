package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashworth-labs/conductor/internal/crontrigger"
	"github.com/ashworth-labs/conductor/internal/pipelinestate"
	"github.com/ashworth-labs/conductor/internal/projects"
	"github.com/ashworth-labs/conductor/internal/workqueue"
)

func newHarness(t *testing.T) (*Heartbeat, *workqueue.Queue, *projects.Registry, *pipelinestate.Store, string) {
	t.Helper()
	dir := t.TempDir()
	q := workqueue.New(filepath.Join(dir, "queue.json"))
	reg := projects.New(filepath.Join(dir, "projects.json"))
	states := pipelinestate.New()

	h := &Heartbeat{
		Queue:    q,
		Registry: reg,
		States:   states,
		CanRun:   func() (bool, error) { return true, nil },
		RecordUsage: func(n int) error { return nil },
		RunPipeline: func(ctx context.Context, spec RunSpec) (Outcome, error) {
			return Outcome{StandaloneStagesRun: 1}, nil
		},
	}
	return h, q, reg, states, dir
}

func TestTickIdleWhenNothingToDo(t *testing.T) {
	h, _, _, _, _ := newHarness(t)
	result := h.Tick(context.Background())
	if result.Action != ActionIdle {
		t.Fatalf("expected idle, got %+v", result)
	}
}

func TestTickBusyLatchRejectsConcurrentTick(t *testing.T) {
	h, _, _, _, _ := newHarness(t)
	h.busy.Store(true)
	result := h.Tick(context.Background())
	if result.Action != ActionBusy {
		t.Fatalf("expected busy, got %+v", result)
	}
}

func TestTickDrainsQueueWhenBudgetAllows(t *testing.T) {
	h, q, _, _, _ := newHarness(t)
	if _, err := q.Enqueue(workqueue.Item{TriggerName: "manual", ProjectPath: "/p", Agent: "builder", Task: "do it"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := h.Tick(context.Background())
	if result.Action != ActionRanAgent || result.Source != SourceQueue {
		t.Fatalf("expected ran_agent from queue, got %+v", result)
	}

	empty, err := q.IsEmpty()
	if err != nil || !empty {
		t.Fatalf("expected queue drained, empty=%v err=%v", empty, err)
	}
}

func TestTickDoesNotDrainQueueWhenBudgetExhausted(t *testing.T) {
	h, q, _, _, _ := newHarness(t)
	h.CanRun = func() (bool, error) { return false, nil }
	if _, err := q.Enqueue(workqueue.Item{TriggerName: "manual", ProjectPath: "/p", Agent: "builder", Task: "do it"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := h.Tick(context.Background())
	if result.Action != ActionIdle {
		t.Fatalf("expected idle (budget exhausted), got %+v", result)
	}
	size, err := q.Size()
	if err != nil || size != 1 {
		t.Fatalf("expected item to remain queued, size=%d err=%v", size, err)
	}
}

func TestTickExecutesDueTrigger(t *testing.T) {
	h, _, _, _, dir := newHarness(t)
	trig, err := crontrigger.New("nightly", "* * * * *", filepath.Join(dir, "cron-nightly.json"))
	if err != nil {
		t.Fatalf("New trigger: %v", err)
	}
	h.Triggers = []TriggerBinding{{Trigger: trig, Name: "nightly", ProjectPath: "/p", Agent: "scout", Task: "research", Mode: "standalone"}}

	var ranSpec RunSpec
	h.RunPipeline = func(ctx context.Context, spec RunSpec) (Outcome, error) {
		ranSpec = spec
		return Outcome{StandaloneStagesRun: 2}, nil
	}

	var recorded int
	h.RecordUsage = func(n int) error { recorded = n; return nil }

	result := h.Tick(context.Background())
	if result.Action != ActionRanAgent || result.TriggerName != "nightly" {
		t.Fatalf("expected ran_agent for nightly trigger, got %+v", result)
	}
	if ranSpec.Agent != "scout" || ranSpec.ProjectPath != "/p" {
		t.Fatalf("unexpected RunSpec passed to RunPipeline: %+v", ranSpec)
	}
	if recorded != 20 {
		t.Errorf("expected recorded usage 2*10=20, got %d", recorded)
	}

	fired, err := trig.LoadState()
	if err != nil || fired == nil {
		t.Fatalf("expected trigger markFired, fired=%v err=%v", fired, err)
	}
}

func TestTickDefersDueTriggerWhenBudgetExhausted(t *testing.T) {
	h, q, _, _, dir := newHarness(t)
	h.CanRun = func() (bool, error) { return false, nil }
	trig, err := crontrigger.New("nightly", "* * * * *", filepath.Join(dir, "cron-nightly.json"))
	if err != nil {
		t.Fatalf("New trigger: %v", err)
	}
	h.Triggers = []TriggerBinding{{Trigger: trig, Name: "nightly", ProjectPath: "/p", Agent: "scout", Task: "research", Mode: "standalone"}}

	ranPipeline := false
	h.RunPipeline = func(ctx context.Context, spec RunSpec) (Outcome, error) {
		ranPipeline = true
		return Outcome{}, nil
	}

	result := h.Tick(context.Background())
	if result.Action != ActionQueued || result.TriggerName != "nightly" {
		t.Fatalf("expected queued for nightly trigger, got %+v", result)
	}
	if ranPipeline {
		t.Fatal("pipeline should not have run when budget exhausted")
	}

	size, err := q.Size()
	if err != nil || size != 1 {
		t.Fatalf("expected 1 queued item, size=%d err=%v", size, err)
	}
	fired, err := trig.LoadState()
	if err != nil || fired == nil {
		t.Fatalf("expected trigger markFired even when deferred, fired=%v err=%v", fired, err)
	}
}

func TestTickStallSweepFlipsStatusAndEnqueuesRecovery(t *testing.T) {
	h, q, reg, states, dir := newHarness(t)
	project := filepath.Join(dir, "proj")

	if _, err := reg.Register(project, "proj"); err != nil {
		t.Fatalf("register project: %v", err)
	}

	oldClock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fixedStates := pipelinestate.New(pipelinestate.WithClock(func() time.Time { return oldClock }))
	state := fixedStates.Init(project, "do the thing", []string{"scout", "architect", "builder", "reviewer"})
	state.Status = pipelinestate.StatusRunning
	state.CurrentStage = 2
	if err := fixedStates.Save(project, state); err != nil {
		t.Fatalf("save initial state: %v", err)
	}

	h.States = states
	h.Now = func() time.Time { return oldClock.Add(time.Hour) }

	result := h.Tick(context.Background())
	if result.Action != ActionQueued || result.TriggerName != StallRecoveryTrigger {
		t.Fatalf("expected stall-recovery queued, got %+v", result)
	}

	reloaded, ok, err := states.Load(project)
	if err != nil || !ok {
		t.Fatalf("expected state to reload: ok=%v err=%v", ok, err)
	}
	if reloaded.Status != pipelinestate.StatusStalled {
		t.Errorf("expected stalled status, got %s", reloaded.Status)
	}

	item, ok, err := q.Peek()
	if err != nil || !ok {
		t.Fatalf("expected recovery item queued: ok=%v err=%v", ok, err)
	}
	if item.Agent != "builder" || item.TriggerName != StallRecoveryTrigger {
		t.Errorf("unexpected recovery item: %+v", item)
	}
}

func TestTickRunErrorSurfacesAsErrorAction(t *testing.T) {
	h, q, _, _, _ := newHarness(t)
	if _, err := q.Enqueue(workqueue.Item{TriggerName: "manual", ProjectPath: "/p", Agent: "builder", Task: "do it"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.RunPipeline = func(ctx context.Context, spec RunSpec) (Outcome, error) {
		return Outcome{}, errPipelineBoom
	}
	var recorded int
	h.RecordUsage = func(n int) error { recorded = n; return nil }

	result := h.Tick(context.Background())
	if result.Action != ActionError {
		t.Fatalf("expected error action, got %+v", result)
	}
	if recorded != conservativeUsageEstimate {
		t.Errorf("expected conservative usage estimate recorded, got %d", recorded)
	}
}

func TestGetTickCountIncrementsOnNonBusyTicks(t *testing.T) {
	h, _, _, _, _ := newHarness(t)
	h.Tick(context.Background())
	h.Tick(context.Background())
	if h.GetTickCount() != 2 {
		t.Errorf("expected tick count 2, got %d", h.GetTickCount())
	}
}

type boomErr struct{}

func (boomErr) Error() string { return "pipeline boom" }

var errPipelineBoom = boomErr{}
