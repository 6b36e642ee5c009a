// Package log defines standard attribute keys for model training operations.
//
// Using these keys keeps records from the dataset codec, the input pipeline,
// the estimator and the hooks consistent, so a training run can be followed
// by filtering on a handful of fields. Keys follow a hierarchical naming
// convention (e.g. "model.name", "data.samples").

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of model.
	// Examples: "Regressor", "LinearModel", "StandardScaler"
	ModelNameKey = "model.name"

	// EstimatorIDKey identifies a compiled estimator instance.
	EstimatorIDKey = "estimator.id"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "evaluate", "predict", "score"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component is logging.
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of the model lifecycle.
	PhaseKey = "ml.phase"

	// TargetKey identifies the execution target ("standard", "accelerator").
	TargetKey = "exec.target"

	// ModelDirKey is the directory holding datasets and checkpoints.
	ModelDirKey = "model.dir"
)

// Data Shape and Characteristics
const (
	// SamplesKey indicates the number of samples (rows) in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (columns) in the dataset.
	FeaturesKey = "data.features"

	// BatchSizeKey indicates the size of processing batches.
	BatchSizeKey = "data.batch_size"

	// ModeKey is the dataset mode ("train", "eval", "predict").
	ModeKey = "data.mode"

	// PathKey is a file written or read.
	PathKey = "data.path"
)

// Training Progress and Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// LossKey records loss value during training or evaluation.
	LossKey = "metrics.loss"

	// MSEKey records mean squared error.
	MSEKey = "metrics.mse"

	// MAEKey records mean absolute error.
	MAEKey = "metrics.mae"

	// R2ScoreKey records R² coefficient of determination for regression.
	R2ScoreKey = "metrics.r2_score"

	// StepKey records the global step.
	StepKey = "training.step"

	// TotalStepsKey records the number of steps a training run will execute.
	TotalStepsKey = "training.total_steps"

	// EpochKey records the epoch count.
	EpochKey = "training.epochs"

	// LearningRateKey records the learning rate for gradient-based algorithms.
	LearningRateKey = "hyperparams.learning_rate"

	// OptimizerKey records the optimizer name.
	OptimizerKey = "hyperparams.optimizer"

	// CheckpointKey records a checkpoint path.
	CheckpointKey = "training.checkpoint"
)

// Error Context
const (
	// ErrorCodeKey provides a structured error code for programmatic handling.
	ErrorCodeKey = "error.code"

	// StacktraceKey contains stack trace information for debugging.
	StacktraceKey = "error.stacktrace"
)

// Infrastructure and Environment
const (
	// DeviceKey describes the device an estimator runs on.
	DeviceKey = "infra.device"

	// WorkersKey records the number of workers or shards.
	WorkersKey = "infra.workers"
)

// Standard attribute values.
const (
	OperationFit      = "fit"
	OperationEvaluate = "evaluate"
	OperationPredict  = "predict"
	OperationScore    = "score"
	OperationTrain    = "train"

	PhaseTraining      = "training"
	PhaseValidation    = "validation"
	PhaseInference     = "inference"
	PhasePreprocessing = "preprocessing"

	ErrorNotFitted         = "NOT_FITTED"
	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorInvalidConfig     = "INVALID_CONFIG"
)
