package neural

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/YuminosukeSato/realestate/core/model"
	"github.com/YuminosukeSato/realestate/dataset"
	"github.com/YuminosukeSato/realestate/metrics"
	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/YuminosukeSato/realestate/pkg/log"
	"github.com/YuminosukeSato/realestate/preprocessing"
	"gonum.org/v1/gonum/mat"
)

const regressorName = "Regressor"

var _ model.PriceModel = (*Regressor)(nil)

// Regressor trains the feed-forward network on a price table. It owns the
// feature scaler and the model directory for its whole lifetime.
type Regressor struct {
	model.Base

	cfg      Config
	target   Target
	modelDir string
	hooks    []Hook
	labels   []string

	scaler     *preprocessing.StandardScaler
	estimator  *Estimator
	validation *ValidationHook
	totalSteps int64
	logger     log.Logger
}

// RegressorOption configures a Regressor.
type RegressorOption func(*Regressor)

// WithTarget selects the execution target. The default is TargetStandard.
func WithTarget(t Target) RegressorOption {
	return func(r *Regressor) { r.target = t }
}

// WithHooks adds hooks run after the checkpoint saver and validation hooks.
func WithHooks(hooks ...Hook) RegressorOption {
	return func(r *Regressor) { r.hooks = append(r.hooks, hooks...) }
}

// WithLabels names the feature columns.
func WithLabels(labels ...string) RegressorOption {
	return func(r *Regressor) { r.labels = labels }
}

// NewRegressor validates cfg for the chosen target and resets the model
// directory. A missing directory is not an error.
func NewRegressor(cfg Config, opts ...RegressorOption) (*Regressor, error) {
	r := &Regressor{
		Base:   model.NewBase(),
		cfg:    cfg,
		target: TargetStandard,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.target.Validate(cfg); err != nil {
		return nil, err
	}
	r.modelDir = r.target.ModelDir(cfg)
	r.logger = log.GetLoggerWithName("neural.regressor").With(
		log.ModelNameKey, regressorName,
		log.TargetKey, r.target.String(),
		log.ModelDirKey, r.modelDir,
	)
	if err := r.resetModelDir(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Regressor) resetModelDir() error {
	if err := os.RemoveAll(r.modelDir); err != nil {
		return errors.Wrapf(err, "failed to remove model dir %s", r.modelDir)
	}
	if err := os.MkdirAll(r.modelDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create model dir %s", r.modelDir)
	}
	return nil
}

// TotalSteps returns the number of training steps Fit runs for rows input
// rows.
func (r *Regressor) TotalSteps(rows int) int64 {
	return int64(float64(rows) * (1 - r.cfg.ValidationSplit) / float64(r.cfg.BatchSize) * float64(r.cfg.Epochs))
}

// Fit scales X, writes the leading rows as the training set and the
// trailing validation_split fraction as the validation set, compiles a
// fresh estimator and trains it with checkpoint and validation hooks.
func (r *Regressor) Fit(ctx context.Context, X, y mat.Matrix) (err error) {
	defer func() {
		if err != nil {
			r.Base.State.Abort()
			r.logger.Error("Fit failed", err, log.OperationKey, log.OperationFit)
		}
	}()
	defer errors.Recover(&err, "Regressor.Fit")

	if err := r.cfg.CheckDropout(); err != nil {
		return err
	}
	if err := r.SetupSelf(X, y, r.labels); err != nil {
		return err
	}
	rows, cols := X.Dims()
	if cols != r.cfg.InputDim {
		return errors.NewDimensionError("Regressor.Fit", r.cfg.InputDim, cols, 1)
	}
	if steps := r.TotalSteps(rows); steps <= 0 {
		return errors.NewValueError("Regressor.Fit",
			fmt.Sprintf("%d rows give %d training steps with batch_size %d, validation_split %g and %d epochs",
				rows, steps, r.cfg.BatchSize, r.cfg.ValidationSplit, r.cfg.Epochs))
	}
	// The previous model lives in the directory being wiped.
	r.Base.State.Reset()
	r.Base.State.SetDimensions(cols, rows)
	r.estimator = nil
	if err := r.resetModelDir(); err != nil {
		return err
	}
	start := time.Now()

	scaler, scaled, err := preprocessing.NewScaler(X)
	if err != nil {
		return err
	}
	r.scaler = scaler

	nVal := int(float64(rows) * r.cfg.ValidationSplit)
	nTrain := rows - nVal
	features := dataset.FromMatrix(scaled)
	labels := dataset.FromVector(y)
	trainPath, err := dataset.Write(features[:nTrain], labels[:nTrain], r.modelDir, dataset.ModeTrain)
	if err != nil {
		return err
	}
	var evalPath string
	if nVal > 0 {
		evalPath, err = dataset.Write(features[nTrain:], labels[nTrain:], r.modelDir, dataset.ModeEval)
		if err != nil {
			return err
		}
	}
	if err := r.Base.State.Transition(model.PhaseDatasetPrepared); err != nil {
		return err
	}

	if err := r.cfg.CheckDropout(); err != nil {
		return err
	}
	est, err := Compile(r.cfg, r.target, r.modelDir)
	if err != nil {
		return err
	}
	r.estimator = est
	if err := r.Base.State.Transition(model.PhaseCompiled); err != nil {
		return err
	}

	saver, err := NewCheckpointSaverHook(r.cfg.StepsBetweenEvaluations, 0)
	if err != nil {
		return err
	}
	hooks := []Hook{saver}
	r.validation = nil
	switch {
	case evalPath == "":
	case nVal < r.cfg.BatchSize:
		// Evaluation drops partial batches, so there is nothing to validate on.
		r.logger.Warn("Validation disabled, held-out rows do not fill one batch",
			log.SamplesKey, nVal,
			log.BatchSizeKey, r.cfg.BatchSize,
		)
	default:
		input := dataset.NewInputFunc(evalPath, 1, dataset.ModeEval, dataset.WithSeed(r.cfg.Seed))
		r.validation, err = NewValidationHook(input, r.cfg.StepsBetweenEvaluations, 0)
		if err != nil {
			return err
		}
		hooks = append(hooks, r.validation)
	}
	hooks = append(hooks, NewLoggingHook(r.cfg.StepsBetweenEvaluations))
	hooks = append(hooks, r.hooks...)

	r.totalSteps = r.TotalSteps(rows)
	if err := r.Base.State.Transition(model.PhaseTraining); err != nil {
		return err
	}
	r.logger.Info("Fit started",
		log.OperationKey, log.OperationFit,
		log.SamplesKey, rows,
		log.TotalStepsKey, r.totalSteps,
		log.EpochKey, r.cfg.Epochs,
	)

	input := dataset.NewInputFunc(trainPath, r.cfg.Epochs, dataset.ModeTrain, dataset.WithSeed(r.cfg.Seed))
	if err := est.Train(ctx, input, r.totalSteps, hooks...); err != nil {
		return err
	}
	if err := r.Base.State.Transition(model.PhaseTrained); err != nil {
		return err
	}

	r.logger.Info("Fit finished",
		log.OperationKey, log.OperationFit,
		log.StepKey, est.GlobalStep(),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// Evaluate runs one evaluation pass over X and y with the fitted scaler
// and returns loss, mse, mae, r2 and global_step.
func (r *Regressor) Evaluate(ctx context.Context, X, y mat.Matrix) (model.Metrics, error) {
	res, err := r.EvaluateResult(ctx, X, y)
	if err != nil {
		return nil, err
	}
	return res.Metrics(), nil
}

// EvaluateResult is Evaluate returning the typed result.
func (r *Regressor) EvaluateResult(ctx context.Context, X, y mat.Matrix) (res EvalResult, err error) {
	if err := r.Base.State.RequireFitted(regressorName, "Evaluate"); err != nil {
		return res, err
	}
	if err := r.Base.State.Transition(model.PhaseEvaluating); err != nil {
		return res, err
	}
	defer r.settle(&err)

	scaled, err := r.transform(X)
	if err != nil {
		return res, err
	}
	path, err := dataset.Write(dataset.FromMatrix(scaled), dataset.FromVector(y), r.modelDir, dataset.ModeEval)
	if err != nil {
		return res, err
	}
	return r.estimator.Evaluate(ctx, dataset.NewInputFunc(path, 1, dataset.ModeEval))
}

// Score predicts X and returns the R² of the predictions against y over
// the whole input.
func (r *Regressor) Score(ctx context.Context, X, y mat.Matrix) (score float64, err error) {
	if err := r.Base.State.RequireFitted(regressorName, "Score"); err != nil {
		return 0, err
	}
	if err := r.Base.State.Transition(model.PhaseScoring); err != nil {
		return 0, err
	}
	defer r.settle(&err)

	rows, _ := X.Dims()
	yRows, _ := y.Dims()
	if rows != yRows {
		return 0, errors.NewDimensionError("Regressor.Score", rows, yRows, 0)
	}
	preds, err := r.predict(ctx, X)
	if err != nil {
		return 0, err
	}
	score, err = metrics.R2Score(mat.NewVecDense(rows, mat.Col(nil, 0, y)), mat.NewVecDense(rows, preds))
	if err != nil {
		return 0, err
	}
	r.logger.Info("Score computed", log.OperationKey, log.OperationScore, log.R2ScoreKey, score)
	return score, nil
}

// Predict returns one price per row of X as an n×1 matrix.
func (r *Regressor) Predict(ctx context.Context, X mat.Matrix) (mat.Matrix, error) {
	if err := r.Base.State.RequireFitted(regressorName, "Predict"); err != nil {
		return nil, err
	}
	preds, err := r.predict(ctx, X)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(len(preds), 1, preds), nil
}

func (r *Regressor) predict(ctx context.Context, X mat.Matrix) ([]float64, error) {
	scaled, err := r.transform(X)
	if err != nil {
		return nil, err
	}
	path, err := dataset.Write(dataset.FromMatrix(scaled), nil, r.modelDir, dataset.ModePredict)
	if err != nil {
		return nil, err
	}
	return r.estimator.Predict(ctx, dataset.NewInputFunc(path, 1, dataset.ModePredict))
}

func (r *Regressor) transform(X mat.Matrix) (mat.Matrix, error) {
	_, cols := X.Dims()
	if cols != r.cfg.InputDim {
		return nil, errors.NewDimensionError("Regressor.transform", r.cfg.InputDim, cols, 1)
	}
	return r.scaler.Transform(X)
}

// settle returns from evaluating or scoring to trained.
func (r *Regressor) settle(err *error) {
	if *err != nil {
		r.Base.State.Abort()
		return
	}
	if terr := r.Base.State.Transition(model.PhaseTrained); terr != nil {
		*err = terr
	}
}

// State returns the lifecycle state.
func (r *Regressor) State() model.ModelState {
	return r.Base.State.GetState()
}

// ModelDir returns the directory holding datasets and checkpoints.
func (r *Regressor) ModelDir() string { return r.modelDir }

// Estimator returns the estimator compiled by the last Fit, or nil.
func (r *Regressor) Estimator() *Estimator { return r.estimator }

// ValidationPasses returns the number of validation passes run by the last
// Fit.
func (r *Regressor) ValidationPasses() int {
	if r.validation == nil {
		return 0
	}
	return r.validation.Passes()
}

// Summary describes the model and its last training run.
func (r *Regressor) Summary() string {
	extra := map[string]float64{"total_steps": float64(r.totalSteps)}
	if r.estimator != nil {
		extra["global_step"] = float64(r.estimator.GlobalStep())
	}
	if r.validation != nil {
		extra["validation_passes"] = float64(r.validation.Passes())
	}
	return r.Base.Summary(regressorName, extra)
}
