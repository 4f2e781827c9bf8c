package disaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/mailguard/internal/pkg/logger"
)

// Step is one action in a recovery plan. Critical steps abort the plan
// on failure; others are recorded and the plan continues. Rollback is
// optional and only consulted when the plan unwinds.
type Step struct {
	Name     string
	Action   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
	Timeout  time.Duration
	Critical bool
}

// Plan is an ordered recovery runbook with a recovery time objective.
type Plan struct {
	Name  string
	RTO   time.Duration
	Steps []Step
}

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StepOK         StepStatus = "ok"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepRolledBack StepStatus = "rolled_back"
)

// StepResult reports one step's execution.
type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes a plan run.
type Report struct {
	Plan     string        `json:"plan"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	RTOMet   bool          `json:"rto_met"`
	Steps    []StepResult  `json:"steps"`
}

// ExecOptions controls plan execution.
type ExecOptions struct {
	RollbackOnFailure bool
}

const defaultStepTimeout = 5 * time.Minute

// Runner executes recovery plans.
type Runner struct {
	log *logger.Logger
	now func() time.Time
}

// NewRunner builds a plan runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{log: log, now: time.Now}
}

// Execute runs the plan's steps in order. Each step races its Timeout;
// a critical failure stops the plan, marks the remaining steps skipped
// and, when RollbackOnFailure is set, unwinds completed steps in
// reverse order. Rollback errors are logged and swallowed so the
// unwind always reaches the first step.
func (r *Runner) Execute(ctx context.Context, plan *Plan, opts ExecOptions) *Report {
	start := r.now()
	report := &Report{Plan: plan.Name, Success: true}
	completed := make([]int, 0, len(plan.Steps))

	r.log.Info("recovery plan started", "plan", plan.Name, "steps", len(plan.Steps))

	abortAt := -1
	for i := range plan.Steps {
		step := &plan.Steps[i]
		result := r.runStep(ctx, step)
		report.Steps = append(report.Steps, result)

		if result.Status == StepOK {
			completed = append(completed, i)
			continue
		}

		report.Success = false
		r.log.Error("recovery step failed",
			"plan", plan.Name,
			"step", step.Name,
			"critical", step.Critical,
			"error", result.Error)
		if step.Critical {
			abortAt = i
			break
		}
	}

	if abortAt >= 0 {
		for i := abortAt + 1; i < len(plan.Steps); i++ {
			report.Steps = append(report.Steps, StepResult{Name: plan.Steps[i].Name, Status: StepSkipped})
		}
		if opts.RollbackOnFailure {
			r.rollback(ctx, plan, completed, report)
		}
	}

	report.Duration = r.now().Sub(start)
	report.RTOMet = plan.RTO <= 0 || report.Duration <= plan.RTO
	result := "ok"
	if !report.Success {
		result = "failed"
	}
	recoveryRunsTotal.WithLabelValues(plan.Name, result).Inc()
	r.log.Info("recovery plan finished",
		"plan", plan.Name,
		"success", report.Success,
		"duration_ms", report.Duration.Milliseconds(),
		"rto_met", report.RTOMet)
	return report
}

// runStep races the action against its timeout. A hung action is
// abandoned; its eventual result is discarded.
func (r *Runner) runStep(ctx context.Context, step *Step) StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.now()
	done := make(chan error, 1)
	go func() { done <- step.Action(stepCtx) }()

	var err error
	select {
	case err = <-done:
	case <-stepCtx.Done():
		err = fmt.Errorf("step %s: %w", step.Name, stepCtx.Err())
	}

	result := StepResult{Name: step.Name, Duration: r.now().Sub(started)}
	if err != nil {
		result.Status = StepFailed
		result.Error = err.Error()
		return result
	}
	result.Status = StepOK
	return result
}

// rollback unwinds completed steps newest-first. The unwind runs on a
// fresh context so a cancelled plan context cannot block it.
func (r *Runner) rollback(ctx context.Context, plan *Plan, completed []int, report *Report) {
	rbCtx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		step := &plan.Steps[completed[i]]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(rbCtx); err != nil {
			r.log.Error("rollback failed", "plan", plan.Name, "step", step.Name, "error", err.Error())
			continue
		}
		for j := range report.Steps {
			if report.Steps[j].Name == step.Name && report.Steps[j].Status == StepOK {
				report.Steps[j].Status = StepRolledBack
				break
			}
		}
		r.log.Info("rollback applied", "plan", plan.Name, "step", step.Name)
	}
}

// Validate rejects plans that cannot run.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return errors.New("disaster: plan needs a name")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("disaster: plan %s has no steps", p.Name)
	}
	for i := range p.Steps {
		if p.Steps[i].Name == "" {
			return fmt.Errorf("disaster: plan %s step %d has no name", p.Name, i)
		}
		if p.Steps[i].Action == nil {
			return fmt.Errorf("disaster: plan %s step %s has no action", p.Name, p.Steps[i].Name)
		}
	}
	return nil
}
