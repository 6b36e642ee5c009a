package neural

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/klauspost/cpuid/v2"
)

// Target selects how an estimator is resolved and executed.
type Target int

const (
	// TargetStandard trains on the local CPU.
	TargetStandard Target = iota
	// TargetAccelerator trains data-parallel over the shards of a named
	// accelerator pool. Its compiled path has no native value clip.
	TargetAccelerator
)

// AcceleratorEnv is the environment variable naming the accelerator pool
// when the config leaves it empty.
const AcceleratorEnv = "TPU_NAME"

// clipPrimitive is the operation behind value clipping and max-norm.
const clipPrimitive = "ClipByValue"

func (t Target) String() string {
	switch t {
	case TargetStandard:
		return "standard"
	case TargetAccelerator:
		return "accelerator"
	default:
		return "unknown"
	}
}

// ClipFunc clamps x into [lo, hi].
type ClipFunc func(x, lo, hi float64) float64

// clipByValue is the native clip.
func clipByValue(x, lo, hi float64) float64 {
	return errors.ClipValue(x, lo, hi)
}

// clipMinMax composes min then max, matching clipByValue for lo <= hi.
func clipMinMax(x, lo, hi float64) float64 {
	return max(min(x, hi), lo)
}

// Clip returns the clip primitive this target executes.
func (t Target) Clip() ClipFunc {
	if t == TargetAccelerator {
		return clipMinMax
	}
	return clipByValue
}

// Validate applies the target-specific rules on top of Config.Validate.
func (t Target) Validate(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if t != TargetAccelerator {
		return nil
	}
	if cfg.FrameworkVersion != SupportedFrameworkVersion {
		return errors.NewVersionMismatchError(SupportedFrameworkVersion, cfg.FrameworkVersion)
	}
	if cfg.MaxNorm != 0 {
		return errors.NewUnsupportedOptionError("max_norm", clipPrimitive, t.String(), SupportedFrameworkVersion)
	}
	shards := cfg.shards()
	if cfg.BatchSize%shards != 0 {
		return errors.NewConfigError("batch_size",
			fmt.Sprintf("must be divisible by the %d accelerator shards", shards), cfg.BatchSize)
	}
	return nil
}

// ModelDir returns the directory holding datasets and checkpoints.
func (t Target) ModelDir(cfg Config) string {
	if t == TargetAccelerator {
		return filepath.Join(cfg.BucketDir, "model")
	}
	return filepath.Join(cfg.OutputsDir, "model")
}

func (c Config) shards() int {
	if c.NumShards <= 0 {
		return 8
	}
	return c.NumShards
}

// Cluster describes where an estimator runs.
type Cluster struct {
	Target Target `json:"-"`
	Name   string `json:"name"`
	Device string `json:"device"`
	Shards int    `json:"shards"`
}

// Resolve builds the cluster description for cfg.
func (t Target) Resolve(cfg Config) (Cluster, error) {
	if t == TargetAccelerator {
		name := cfg.AcceleratorName
		if name == "" {
			name = os.Getenv(AcceleratorEnv)
		}
		if name == "" {
			return Cluster{}, errors.NewConfigError("accelerator_name",
				"no accelerator pool named in the config or $"+AcceleratorEnv, "")
		}
		return Cluster{
			Target: t,
			Name:   name,
			Device: "accelerator:" + name,
			Shards: cfg.shards(),
		}, nil
	}

	return Cluster{
		Target: t,
		Name:   "local",
		Device: fmt.Sprintf("cpu:%s (%d cores, %d threads, avx2=%t)",
			cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
			cpuid.CPU.Supports(cpuid.AVX2)),
		Shards: 1,
	}, nil
}
