// Package neural implements the feed-forward price regressor: network
// construction, the estimator handle with its training loop and hooks,
// optimizers, and the standard and accelerator execution targets.
package neural

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/realestate/dataset"
	"github.com/YuminosukeSato/realestate/pkg/errors"
)

// Optimizer names accepted by Config.Optimizer.
const (
	OptimizerSGD  = "sgd"
	OptimizerAdam = "adam"
)

// SupportedFrameworkVersion is the only framework version the accelerator
// target accepts.
const SupportedFrameworkVersion = "1.8.0"

// Config holds the hyperparameters of a Regressor. JSON keys match the
// parameter file read by LoadConfig.
type Config struct {
	Layers                  []int     `json:"layers"`
	LearningRate            float64   `json:"learning_rate"`
	LearningRateDecay       float64   `json:"learning_rate_decay"`
	Momentum                float64   `json:"momentum"`
	LambdaL1                float64   `json:"lambda_l1"`
	LambdaL2                float64   `json:"lambda_l2"`
	MaxNorm                 float64   `json:"max_norm"` // 0 disables the constraint
	BatchNormalization      bool      `json:"batch_normalization"`
	DropoutFractions        []float64 `json:"dropout_fractions"` // nil disables dropout
	InputDim                int       `json:"input_dim"`
	Epochs                  int       `json:"epochs"`
	BatchSize               int       `json:"batch_size"`
	ValidationSplit         float64   `json:"validation_split"`
	Optimizer               string    `json:"optimiser"`
	OutputsDir              string    `json:"outputs_dir"`
	BucketDir               string    `json:"bucket_dir"`
	StepsBetweenEvaluations int       `json:"steps_between_evaluations"`

	FrameworkVersion string `json:"framework_version"`
	AcceleratorName  string `json:"accelerator_name"` // falls back to $TPU_NAME
	NumShards        int    `json:"num_shards"`
	KeepCheckpoints  int    `json:"keep_checkpoints"`
	Seed             uint64 `json:"seed"`
}

// DefaultConfig returns the default hyperparameters.
func DefaultConfig() Config {
	return Config{
		Layers:                  []int{64, 32},
		LearningRate:            0.001,
		LearningRateDecay:       0.0,
		Momentum:                0.9,
		InputDim:                dataset.FeatureWidth,
		Epochs:                  10,
		BatchSize:               32,
		ValidationSplit:         0.2,
		Optimizer:               OptimizerSGD,
		OutputsDir:              "outputs",
		BucketDir:               "bucket",
		StepsBetweenEvaluations: 1000,
		FrameworkVersion:        SupportedFrameworkVersion,
		NumShards:               8,
		KeepCheckpoints:         5,
		Seed:                    42,
	}
}

// Option is a function that configures Config
type Option func(*Config)

// NewConfig applies opts on top of DefaultConfig.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLayers sets the hidden layer widths
func WithLayers(layers ...int) Option {
	return func(c *Config) {
		c.Layers = append([]int(nil), layers...)
	}
}

// WithLearningRate sets the initial learning rate and its inverse-time decay
func WithLearningRate(rate, decay float64) Option {
	return func(c *Config) {
		c.LearningRate = rate
		c.LearningRateDecay = decay
	}
}

// WithMomentum sets the Nesterov momentum used by sgd
func WithMomentum(m float64) Option {
	return func(c *Config) {
		c.Momentum = m
	}
}

// WithRegularization sets the L1 and L2 kernel penalties
func WithRegularization(l1, l2 float64) Option {
	return func(c *Config) {
		c.LambdaL1 = l1
		c.LambdaL2 = l2
	}
}

// WithMaxNorm enables the max-norm kernel constraint
func WithMaxNorm(maxNorm float64) Option {
	return func(c *Config) {
		c.MaxNorm = maxNorm
	}
}

// WithBatchNormalization toggles batch normalization after each hidden layer
func WithBatchNormalization(enabled bool) Option {
	return func(c *Config) {
		c.BatchNormalization = enabled
	}
}

// WithDropout sets one dropout fraction per hidden layer
func WithDropout(fractions ...float64) Option {
	return func(c *Config) {
		c.DropoutFractions = append([]float64(nil), fractions...)
	}
}

// WithTraining sets epochs, batch size and the validation split
func WithTraining(epochs, batchSize int, validationSplit float64) Option {
	return func(c *Config) {
		c.Epochs = epochs
		c.BatchSize = batchSize
		c.ValidationSplit = validationSplit
	}
}

// WithOptimizer selects "sgd" or "adam"
func WithOptimizer(name string) Option {
	return func(c *Config) {
		c.Optimizer = name
	}
}

// WithDirs sets the local outputs directory and the accelerator bucket directory
func WithDirs(outputsDir, bucketDir string) Option {
	return func(c *Config) {
		c.OutputsDir = outputsDir
		c.BucketDir = bucketDir
	}
}

// WithStepsBetweenEvaluations sets the checkpoint and validation cadence
func WithStepsBetweenEvaluations(n int) Option {
	return func(c *Config) {
		c.StepsBetweenEvaluations = n
	}
}

// WithAccelerator names the accelerator pool, its shard count and the framework version
func WithAccelerator(name string, shards int, frameworkVersion string) Option {
	return func(c *Config) {
		c.AcceleratorName = name
		c.NumShards = shards
		c.FrameworkVersion = frameworkVersion
	}
}

// WithSeed sets the seed for weight initialization, dropout and shuffling
func WithSeed(seed uint64) Option {
	return func(c *Config) {
		c.Seed = seed
	}
}

// CheckDropout fails when dropout fractions are given but do not match the
// hidden layers one to one.
func (c Config) CheckDropout() error {
	if c.DropoutFractions != nil && len(c.DropoutFractions) != len(c.Layers) {
		return errors.NewConfigError("dropout_fractions",
			fmt.Sprintf("layers and dropout fractions are not consistent (%d layers)", len(c.Layers)),
			c.DropoutFractions)
	}
	return nil
}

// Validate checks the target-independent rules.
func (c Config) Validate() error {
	if err := c.CheckDropout(); err != nil {
		return err
	}
	if len(c.Layers) == 0 {
		return errors.NewConfigError("layers", "at least one hidden layer is required", c.Layers)
	}
	for _, units := range c.Layers {
		if units <= 0 {
			return errors.NewConfigError("layers", "layer widths must be positive", c.Layers)
		}
	}
	for _, f := range c.DropoutFractions {
		if f < 0 || f >= 1 {
			return errors.NewConfigError("dropout_fractions", "fractions must be in [0, 1)", c.DropoutFractions)
		}
	}
	switch {
	case c.LearningRate <= 0:
		return errors.NewConfigError("learning_rate", "must be positive", c.LearningRate)
	case c.LearningRateDecay < 0:
		return errors.NewConfigError("learning_rate_decay", "must not be negative", c.LearningRateDecay)
	case c.Momentum < 0 || c.Momentum >= 1:
		return errors.NewConfigError("momentum", "must be in [0, 1)", c.Momentum)
	case c.LambdaL1 < 0:
		return errors.NewConfigError("lambda_l1", "must not be negative", c.LambdaL1)
	case c.LambdaL2 < 0:
		return errors.NewConfigError("lambda_l2", "must not be negative", c.LambdaL2)
	case c.MaxNorm < 0:
		return errors.NewConfigError("max_norm", "must not be negative", c.MaxNorm)
	case c.InputDim != dataset.FeatureWidth:
		return errors.NewConfigError("input_dim", fmt.Sprintf("records hold %d features", dataset.FeatureWidth), c.InputDim)
	case c.Epochs <= 0:
		return errors.NewConfigError("epochs", "must be positive", c.Epochs)
	case c.BatchSize <= 0:
		return errors.NewConfigError("batch_size", "must be positive", c.BatchSize)
	case c.ValidationSplit < 0 || c.ValidationSplit >= 1:
		return errors.NewConfigError("validation_split", "must be in [0, 1)", c.ValidationSplit)
	case c.Optimizer != OptimizerSGD && c.Optimizer != OptimizerAdam:
		return errors.NewConfigError("optimiser", "must be one of sgd, adam", c.Optimizer)
	case c.StepsBetweenEvaluations <= 0:
		return errors.NewConfigError("steps_between_evaluations", "must be positive", c.StepsBetweenEvaluations)
	}
	return nil
}

// GetParams returns the configuration as a parameter map.
func (c Config) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"layers":                    c.Layers,
		"learning_rate":             c.LearningRate,
		"learning_rate_decay":       c.LearningRateDecay,
		"momentum":                  c.Momentum,
		"lambda_l1":                 c.LambdaL1,
		"lambda_l2":                 c.LambdaL2,
		"max_norm":                  c.MaxNorm,
		"batch_normalization":       c.BatchNormalization,
		"dropout_fractions":         c.DropoutFractions,
		"input_dim":                 c.InputDim,
		"epochs":                    c.Epochs,
		"batch_size":                c.BatchSize,
		"validation_split":          c.ValidationSplit,
		"optimiser":                 c.Optimizer,
		"outputs_dir":               c.OutputsDir,
		"bucket_dir":                c.BucketDir,
		"steps_between_evaluations": c.StepsBetweenEvaluations,
	}
}

// LoadConfig reads a JSON parameter file. Keys missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}
