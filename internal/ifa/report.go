package ifa

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bleframework/internal/metrics"
)

// Policy decides whether a failed step halts the stage.
type Policy func(err error) bool

var (
	// Continue records the failure and moves on.
	Continue Policy = func(error) bool { return false }
	// Halt stops the stage on any failure.
	Halt Policy = func(error) bool { return true }
)

// HaltOn stops the stage only for failures matching target.
func HaltOn(target error) Policy {
	return func(err error) bool { return errors.Is(err, target) }
}

// StepResult is the outcome of one step.
type StepResult struct {
	Stage     string
	Name      string
	Iteration int // 0 outside loops
	Err       error
	Elapsed   time.Duration
}

func (s StepResult) label() string {
	if s.Iteration > 0 {
		return fmt.Sprintf("%s/%s #%d", s.Stage, s.Name, s.Iteration)
	}
	return s.Stage + "/" + s.Name
}

// Report collects the steps of one stage invocation.
type Report struct {
	RunID   uuid.UUID
	Stage   string
	Role    string
	Steps   []StepResult
	Started time.Time
	Elapsed time.Duration
	// HaltedBy is the error that stopped the run early, if any.
	HaltedBy error
}

// Halted reports whether a step stopped the run.
func (r *Report) Halted() bool { return r.HaltedBy != nil }

// Failed returns the failed steps.
func (r *Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Err joins the errors of all failed steps.
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", s.label(), s.Err))
	}
	return errors.Join(errs...)
}

// Count returns how many steps named name ran in stage.
func (r *Report) Count(stage, name string) int {
	n := 0
	for _, s := range r.Steps {
		if s.Stage == stage && s.Name == name {
			n++
		}
	}
	return n
}

func (r *Report) String() string {
	var b strings.Builder
	failed := r.Failed()
	fmt.Fprintf(&b, "%s (%s) run %s: %d steps, %d failed, %s",
		r.Stage, r.Role, r.RunID, len(r.Steps), len(failed), r.Elapsed.Round(time.Millisecond))
	if r.Halted() {
		fmt.Fprintf(&b, ", halted")
	}
	for _, s := range failed {
		fmt.Fprintf(&b, "\n  FAIL %s: %v", s.label(), s.Err)
	}
	return b.String()
}

// runner executes steps and records them into a report.
type runner struct {
	report  *Report
	stage   string
	log     *slog.Logger
	metrics *metrics.Recorder
}

func newRunner(stage, role string, log *slog.Logger, m *metrics.Recorder) *runner {
	id := uuid.New()
	return &runner{
		report:  &Report{RunID: id, Stage: stage, Role: role, Started: time.Now()},
		stage:   stage,
		log:     log.With("run_id", id.String()),
		metrics: m,
	}
}

// enter switches the stage name recorded for subsequent steps.
func (r *runner) enter(stage string) {
	r.stage = stage
	r.log.Info("[IFA] stage started", "stage", stage)
}

func (r *runner) halted() bool { return r.report.HaltedBy != nil }

// step runs fn unless the run is halted. The returned error is fn's.
func (r *runner) step(name string, p Policy, fn func() error) error {
	return r.stepN(name, 0, p, fn)
}

func (r *runner) stepN(name string, i int, p Policy, fn func() error) error {
	if r.halted() {
		return r.report.HaltedBy
	}
	start := time.Now()
	err := fn()
	res := StepResult{Stage: r.stage, Name: name, Iteration: i, Err: err, Elapsed: time.Since(start)}
	r.report.Steps = append(r.report.Steps, res)

	if err == nil {
		r.log.Debug("[IFA] step done", "stage", r.stage, "step", name, "iteration", i)
		return nil
	}
	r.metrics.StepFailed(r.stage, name)
	r.log.Error("[IFA] step failed", "stage", r.stage, "step", name, "iteration", i, "error", err)
	if p(err) {
		r.report.HaltedBy = err
		r.log.Warn("[IFA] stage halted", "stage", r.stage, "step", name)
	}
	return err
}

// resume clears a halt so a composite run can go on with the next stage.
func (r *runner) resume() {
	r.report.HaltedBy = nil
}

func (r *runner) finish() *Report {
	r.report.Elapsed = time.Since(r.report.Started)
	r.metrics.Stage(r.report.Stage, r.report.Role, r.report.Err())
	r.log.Info("[IFA] "+r.report.Stage+" complete", "steps", len(r.report.Steps), "failed", len(r.report.Failed()), "elapsed", r.report.Elapsed)
	return r.report
}
