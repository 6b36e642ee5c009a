package neural

import (
	"context"
	"fmt"
	"time"

	"github.com/YuminosukeSato/realestate/dataset"
	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/YuminosukeSato/realestate/pkg/log"
)

// Hook observes a training run. Hooks are called in the order given to
// Train; an error from any hook aborts training.
type Hook interface {
	Begin(ctx context.Context, e *Estimator) error
	BeforeRun(ctx context.Context, rc *RunContext) error
	AfterRun(ctx context.Context, rc *RunContext, rv RunValues) error
	End(ctx context.Context, e *Estimator) error
}

// RunContext is passed to hooks around a single training step.
type RunContext struct {
	Estimator *Estimator
	// Step is the global step before the step runs.
	Step int64

	stopRequested bool
}

// RequestStop asks Train to stop after the current step.
func (rc *RunContext) RequestStop() { rc.stopRequested = true }

// RunValues are the results of a training step.
type RunValues struct {
	GlobalStep   int64
	Loss         float64
	LearningRate float64
}

// BaseHook implements Hook with no-ops; embed it to override a subset.
type BaseHook struct{}

func (BaseHook) Begin(context.Context, *Estimator) error { return nil }
func (BaseHook) BeforeRun(context.Context, *RunContext) error { return nil }
func (BaseHook) AfterRun(context.Context, *RunContext, RunValues) error { return nil }
func (BaseHook) End(context.Context, *Estimator) error { return nil }

// SecondOrStepTimer triggers every N global steps or every D of wall time,
// whichever interval it was built with. Step 0 never triggers.
type SecondOrStepTimer struct {
	everySteps int64
	every      time.Duration
	lastStep   int64
	lastTime   time.Time
	triggered  bool
	now        func() time.Time
}

// NewSecondOrStepTimer returns a timer firing every everySteps steps or every
// duration. Exactly one of the two must be positive.
func NewSecondOrStepTimer(everySteps int64, every time.Duration) (*SecondOrStepTimer, error) {
	if (everySteps > 0) == (every > 0) {
		return nil, errors.NewConfigError("every_n_steps",
			"exactly one of a step interval or a duration must be positive",
			fmt.Sprintf("%d steps, %s", everySteps, every))
	}
	return newTimer(everySteps, every), nil
}

// NewStepTimer returns a timer firing every n steps. n must be positive.
func NewStepTimer(n int64) *SecondOrStepTimer {
	return newTimer(n, 0)
}

func newTimer(everySteps int64, every time.Duration) *SecondOrStepTimer {
	t := &SecondOrStepTimer{everySteps: everySteps, every: every, now: time.Now}
	t.Reset()
	return t
}

// Reset forgets the last trigger and restarts the clock.
func (t *SecondOrStepTimer) Reset() {
	t.lastStep = 0
	t.triggered = false
	t.lastTime = t.now()
}

// ShouldTrigger reports whether the timer fires for step. In step mode step
// must be a multiple of the interval; in duration mode the interval must have
// elapsed since the last trigger or Reset. A step at or before the last
// triggered step never fires.
func (t *SecondOrStepTimer) ShouldTrigger(step int64) bool {
	if step <= 0 || (t.triggered && step <= t.lastStep) {
		return false
	}
	if t.everySteps > 0 {
		return step%t.everySteps == 0
	}
	return t.now().Sub(t.lastTime) >= t.every
}

// Update records that the timer fired at step.
func (t *SecondOrStepTimer) Update(step int64) {
	t.lastStep = step
	t.lastTime = t.now()
	t.triggered = true
}

// LastTriggeredStep returns the last step the timer fired at.
func (t *SecondOrStepTimer) LastTriggeredStep() (int64, bool) {
	return t.lastStep, t.triggered
}

// CheckpointSaverHook saves a checkpoint every N global steps or every D of
// wall time. Train saves the final step itself.
type CheckpointSaverHook struct {
	BaseHook
	timer   *SecondOrStepTimer
	pending bool
}

// NewCheckpointSaverHook returns a saver firing every everySteps steps or
// every duration.
func NewCheckpointSaverHook(everySteps int, every time.Duration) (*CheckpointSaverHook, error) {
	timer, err := NewSecondOrStepTimer(int64(everySteps), every)
	if err != nil {
		return nil, err
	}
	return &CheckpointSaverHook{timer: timer}, nil
}

func (h *CheckpointSaverHook) Begin(context.Context, *Estimator) error {
	h.timer.Reset()
	h.pending = false
	return nil
}

func (h *CheckpointSaverHook) BeforeRun(_ context.Context, rc *RunContext) error {
	h.pending = h.timer.ShouldTrigger(rc.Step + 1)
	return nil
}

func (h *CheckpointSaverHook) AfterRun(_ context.Context, rc *RunContext, rv RunValues) error {
	if !h.pending {
		return nil
	}
	h.pending = false
	if _, err := rc.Estimator.SaveCheckpoint(); err != nil {
		return err
	}
	h.timer.Update(rv.GlobalStep)
	return nil
}

// ValidationHook evaluates the newest checkpoint on held-out data every N
// global steps or every D of wall time. The evaluation runs on a separate
// standard estimator over the training model directory, so the training
// graph is untouched. Pass counting restarts with every training run.
type ValidationHook struct {
	BaseHook
	input   dataset.InputFunc
	timer   *SecondOrStepTimer
	pending bool
	results []EvalResult
	logger  log.Logger
}

// NewValidationHook returns a hook evaluating input every everySteps steps
// or every duration. Exactly one of the two must be positive.
func NewValidationHook(input dataset.InputFunc, everySteps int, every time.Duration) (*ValidationHook, error) {
	if input == nil {
		return nil, errors.NewValueError("NewValidationHook", "input function is required")
	}
	timer, err := NewSecondOrStepTimer(int64(everySteps), every)
	if err != nil {
		return nil, err
	}
	return &ValidationHook{
		input:  input,
		timer:  timer,
		logger: log.GetLoggerWithName("neural.validation"),
	}, nil
}

func (h *ValidationHook) Begin(context.Context, *Estimator) error {
	h.timer.Reset()
	h.pending = false
	h.results = nil
	return nil
}

func (h *ValidationHook) BeforeRun(_ context.Context, rc *RunContext) error {
	h.pending = h.timer.ShouldTrigger(rc.Step + 1)
	return nil
}

func (h *ValidationHook) AfterRun(ctx context.Context, rc *RunContext, rv RunValues) error {
	if !h.pending {
		return nil
	}
	h.pending = false

	train := rc.Estimator
	if _, err := train.SaveCheckpoint(); err != nil {
		return err
	}
	eval, err := Open(train.Config(), TargetStandard, train.ModelDir())
	if err != nil {
		return errors.Wrap(err, "failed to open validation estimator")
	}

	start := time.Now()
	res, err := eval.Evaluate(ctx, h.input)
	if err != nil {
		return errors.Wrapf(err, "validation at step %d failed", rv.GlobalStep)
	}
	h.timer.Update(rv.GlobalStep)
	h.results = append(h.results, res)
	h.logger.Info("Validation finished",
		log.PhaseKey, log.PhaseValidation,
		log.StepKey, res.GlobalStep,
		log.LossKey, res.Loss,
		log.MSEKey, res.MSE,
		log.R2ScoreKey, res.R2,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// Passes returns the number of validation passes completed in the latest
// training run.
func (h *ValidationHook) Passes() int { return len(h.results) }

// Results returns the result of every validation pass in order.
func (h *ValidationHook) Results() []EvalResult {
	return append([]EvalResult(nil), h.results...)
}

// LoggingHook logs the training loss every N steps.
type LoggingHook struct {
	BaseHook
	timer  *SecondOrStepTimer
	logger log.Logger
}

// NewLoggingHook returns a hook logging every n steps.
func NewLoggingHook(n int) *LoggingHook {
	if n <= 0 {
		n = 100
	}
	return &LoggingHook{
		timer:  NewStepTimer(int64(n)),
		logger: log.GetLoggerWithName("neural.training"),
	}
}

func (h *LoggingHook) Begin(context.Context, *Estimator) error {
	h.timer.Reset()
	return nil
}

func (h *LoggingHook) AfterRun(_ context.Context, _ *RunContext, rv RunValues) error {
	if !h.timer.ShouldTrigger(rv.GlobalStep) {
		return nil
	}
	h.timer.Update(rv.GlobalStep)
	h.logger.Info("Training step",
		log.StepKey, rv.GlobalStep,
		log.LossKey, rv.Loss,
		log.LearningRateKey, rv.LearningRate,
	)
	return nil
}
