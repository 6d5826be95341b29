// Package pipeline implements the engine from spec.md §4.5: the state
// machine that runs an ordered sequence of agent stages against a
// project, validates each stage's artifacts, interprets reviewer
// verdicts, and retries or escalates on failure. Validation gates are
// grounded on the teacher's internal/ratchet/gate.go GateChecker — one
// check*Gate method per step there, one validate* function per role here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ashworth-labs/conductor/internal/auditchain"
	"github.com/ashworth-labs/conductor/internal/pipelinestate"
	"github.com/ashworth-labs/conductor/internal/planexpand"
	"github.com/ashworth-labs/conductor/internal/projects"
	"github.com/ashworth-labs/conductor/internal/runner"
)

// Verdict values, mirroring spec.md §3's ReviewVerdict enum.
const (
	VerdictApprove  = "APPROVE"
	VerdictRevise   = "REVISE"
	VerdictRedesign = "REDESIGN"
)

// ErrEmptyStages is returned when Run is called with no stages, per
// spec.md §4.5's "Empty stages is an error" rule.
var ErrEmptyStages = errors.New("pipeline received empty stages array")

// defaultBatchSize is the plan-expansion orchestrator's batch size
// (spec.md §4.6).
const defaultBatchSize = 3

// Result summarizes one pipeline run, per spec.md §4.5's returned record.
type Result struct {
	Completed            bool
	FinalVerdict          string
	StagesRun             int
	Retries               int
	StandaloneStagesRun   int
	TeamStagesRun         int
}

// Engine drives one pipeline run against a project.
type Engine struct {
	Runner     runner.Runner
	States     *pipelinestate.Store
	Commands   CommandRunner
	MaxRetries int
	BatchSize  int
	Now        func() time.Time

	// NewChain builds the audit chain for a project run; overridable for
	// tests that don't want to touch the filesystem under .brain.
	NewChain func(projectPath string) *auditchain.Chain
}

// New builds an Engine with the given collaborators and defaults
// (MaxRetries=3, BatchSize=3, real clock, real exec-based CommandRunner).
func New(r runner.Runner, states *pipelinestate.Store, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Engine{
		Runner:     r,
		States:     states,
		Commands:   NewExecCommandRunner(),
		MaxRetries: maxRetries,
		BatchSize:  defaultBatchSize,
		Now:        time.Now,
		NewChain:   func(projectPath string) *auditchain.Chain { return auditchain.New(projectPath) },
	}
}

func agentNames(stages []planexpand.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Agent
	}
	return names
}

// Run executes stages against projectPath for task, per spec.md §4.5's
// main loop.
func (e *Engine) Run(ctx context.Context, projectPath, task string, stages []planexpand.Stage) (*Result, error) {
	if len(stages) == 0 {
		return nil, ErrEmptyStages
	}

	brainRoot, ok := projects.DetectBrainRoot(projectPath)
	if !ok {
		brainRoot = projectPath
	}
	brainDir := filepath.Join(brainRoot, ".brain")
	if err := bootstrapProjectMd(brainDir, task); err != nil {
		return nil, fmt.Errorf("bootstrap PROJECT.md: %w", err)
	}

	chain := e.NewChain(projectPath)
	state := e.States.Init(projectPath, task, agentNames(stages))
	retries := map[string]int{}
	state.Retries = sumRetries(retries)
	if err := e.States.Save(projectPath, state); err != nil {
		return nil, fmt.Errorf("persist initial pipeline state: %w", err)
	}

	planExpanded := false
	standaloneStagesRun, teamStagesRun := 0, 0
	i := 0

	for i < len(stages) {
		stage := stages[i]
		role := DetectRole(stage.Agent)
		isRetry := retries[batchKeyFor(stage)] > 0

		state.CurrentStage = i
		now := e.Now()
		state.Stages[i].Status = pipelinestate.StatusRunning
		state.Stages[i].StartedAt = &now
		state.Stages[i].Attempt = retries[batchKeyFor(stage)]
		state.Retries = sumRetries(retries)
		if err := e.States.Save(projectPath, state); err != nil {
			return nil, fmt.Errorf("persist running stage: %w", err)
		}
		_ = chain.Append(auditchain.Entry{Event: auditchain.EventStageStarted, Agent: stage.Agent, BatchScope: stage.BatchScope})

		mode := runner.ModeStandalone
		if stage.Teams {
			mode = runner.ModeTeam
		}
		req := runner.Request{
			Agent:       stage.Agent,
			ProjectPath: projectPath,
			Task:        buildStageTask(i, role, task, stage.BatchScope, isRetry),
			Mode:        mode,
		}

		result, runErr := e.Runner.Run(ctx, req)
		if runErr != nil {
			state.Stages[i].Status = pipelinestate.StatusFailed
			state.Status = pipelinestate.StatusFailed
			state.Error = runErr.Error()
			state.Retries = sumRetries(retries)
			_ = e.States.Save(projectPath, state)
			_ = chain.Append(auditchain.Entry{Event: auditchain.EventStageFailed, Agent: stage.Agent, Detail: runErr.Error()})
			return nil, fmt.Errorf("stage %d (%s) runner failed: %w", i, stage.Agent, runErr)
		}
		state.Stages[i].SessionID = result.SessionID

		if role == RoleArchitect {
			if _, err := sweepPlanParts(brainDir); err != nil {
				return nil, fmt.Errorf("sweep PLAN-PART files: %w", err)
			}
		}

		if valErr := e.validateStage(ctx, role, projectPath, brainDir, result.Verdict != nil); valErr != nil {
			state.Stages[i].Status = pipelinestate.StatusFailed
			state.Status = pipelinestate.StatusFailed
			state.FinalVerdict = "VALIDATION_FAILED: " + valErr.Error()
			state.Retries = sumRetries(retries)
			if err := e.States.Save(projectPath, state); err != nil {
				return nil, fmt.Errorf("persist validation failure: %w", err)
			}
			_ = chain.Append(auditchain.Entry{Event: auditchain.EventStageFailed, Agent: stage.Agent, Detail: valErr.Error()})
			return &Result{
				Completed:    false,
				FinalVerdict: state.FinalVerdict,
				StagesRun:    i + 1,
				Retries:      sumRetries(retries),
			}, nil
		}

		completedAt := e.Now()
		state.Stages[i].Status = pipelinestate.StatusCompleted
		state.Stages[i].Validation = "passed"
		state.Stages[i].CompletedAt = &completedAt
		state.Retries = sumRetries(retries)
		if err := e.States.Save(projectPath, state); err != nil {
			return nil, fmt.Errorf("persist completed stage: %w", err)
		}
		_ = chain.Append(auditchain.Entry{Event: auditchain.EventStageCompleted, Agent: stage.Agent, BatchScope: stage.BatchScope})

		if role == RoleArchitect && !planExpanded {
			planText, _ := readPlanMd(brainDir)
			tasks := planexpand.ParsePlanTasks(planText)
			if len(tasks) > 0 {
				stages = planexpand.ExpandStages(stages, len(tasks), RoleBuilder, e.BatchSize)
				planExpanded = true

				newStageStates := make([]pipelinestate.Stage, i+1, len(stages))
				copy(newStageStates, state.Stages[:i+1])
				for _, s := range stages[i+1:] {
					newStageStates = append(newStageStates, pipelinestate.Stage{
						Agent:      s.Agent,
						Status:     pipelinestate.StatusPending,
						BatchScope: s.BatchScope,
					})
				}
				state.Pipeline = agentNames(stages)
				state.Stages = newStageStates
				state.Retries = sumRetries(retries)
				if err := e.States.Save(projectPath, state); err != nil {
					return nil, fmt.Errorf("persist plan expansion: %w", err)
				}
				_ = chain.Append(auditchain.Entry{Event: auditchain.EventPlanExpanded, Agent: stage.Agent, Detail: fmt.Sprintf("%d tasks", len(tasks))})
			}
		}

		if role == RoleReviewer {
			verdict := VerdictRevise
			if result.Verdict != nil {
				verdict = result.Verdict.Verdict
			} else {
				verdict = parseVerdictFromReviewMd(brainDir)
			}
			_ = chain.Append(auditchain.Entry{Event: auditchain.EventVerdictReceived, Agent: stage.Agent, Detail: verdict, BatchScope: stage.BatchScope})

			if verdict == VerdictApprove {
				if stage.Teams {
					teamStagesRun++
				} else {
					standaloneStagesRun++
				}
				i++
				continue
			}

			batchKey := batchKeyFor(stage)
			if retries[batchKey] >= e.MaxRetries {
				state.Status = pipelinestate.StatusFailed
				state.FinalVerdict = verdict
				state.Retries = sumRetries(retries)
				if err := e.States.Save(projectPath, state); err != nil {
					return nil, fmt.Errorf("persist retry exhaustion: %w", err)
				}
				return &Result{
					Completed:           false,
					FinalVerdict:        verdict,
					StagesRun:           i + 1,
					Retries:             sumRetries(retries),
					StandaloneStagesRun: standaloneStagesRun,
					TeamStagesRun:       teamStagesRun,
				}, nil
			}
			retries[batchKey]++

			if result.Verdict != nil {
				if err := writeReviewMd(brainDir, result.Verdict); err != nil {
					return nil, fmt.Errorf("write REVIEW.md: %w", err)
				}
			}

			if verdict == VerdictRedesign {
				if idx := firstRoleIndex(stages, RoleArchitect); idx >= 0 {
					i = idx
				} else {
					i = 0
				}
			} else {
				if idx := mostRecentRoleAtOrBefore(stages, i, RoleBuilder); idx >= 0 {
					i = idx
				} else {
					i = max(0, i-1)
				}
			}

			for j := i; j < len(state.Stages); j++ {
				state.Stages[j].Status = pipelinestate.StatusPending
				state.Stages[j].StartedAt = nil
				state.Stages[j].CompletedAt = nil
				state.Stages[j].Validation = ""
			}
			state.Retries = sumRetries(retries)
			if err := e.States.Save(projectPath, state); err != nil {
				return nil, fmt.Errorf("persist review-loop reset: %w", err)
			}
			continue
		}

		if stage.Teams {
			teamStagesRun++
		} else {
			standaloneStagesRun++
		}
		i++
	}

	state.Status = pipelinestate.StatusCompleted
	state.FinalVerdict = VerdictApprove
	state.Retries = sumRetries(retries)
	if err := e.States.Save(projectPath, state); err != nil {
		return nil, fmt.Errorf("persist completion: %w", err)
	}

	return &Result{
		Completed:           true,
		FinalVerdict:        VerdictApprove,
		StagesRun:            len(stages),
		Retries:              sumRetries(retries),
		StandaloneStagesRun:  standaloneStagesRun,
		TeamStagesRun:        teamStagesRun,
	}, nil
}

func (e *Engine) validateStage(ctx context.Context, role, projectPath, brainDir string, hasStructuredVerdict bool) error {
	switch role {
	case RoleScout:
		return validateScout(brainDir)
	case RoleArchitect:
		return validateArchitect(brainDir)
	case RoleBuilder:
		return validateBuilder(ctx, e.Commands, projectPath)
	case RoleReviewer:
		return validateReviewer(brainDir, hasStructuredVerdict)
	default:
		return nil // unknown role: no validation, still produces a stage entry
	}
}

// batchKeyFor returns a stage's retry-counter key: its batch scope, or "*"
// when no expansion has assigned one.
func batchKeyFor(stage planexpand.Stage) string {
	if stage.BatchScope == "" {
		return "*"
	}
	return stage.BatchScope
}

func sumRetries(retries map[string]int) int {
	total := 0
	for _, n := range retries {
		total += n
	}
	return total
}

func firstRoleIndex(stages []planexpand.Stage, role string) int {
	for i, s := range stages {
		if DetectRole(s.Agent) == role {
			return i
		}
	}
	return -1
}

func mostRecentRoleAtOrBefore(stages []planexpand.Stage, at int, role string) int {
	for i := at; i >= 0; i-- {
		if DetectRole(stages[i].Agent) == role {
			return i
		}
	}
	return -1
}
