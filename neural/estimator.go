package neural

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/YuminosukeSato/realestate/core/model"
	"github.com/YuminosukeSato/realestate/core/parallel"
	"github.com/YuminosukeSato/realestate/dataset"
	"github.com/YuminosukeSato/realestate/metrics"
	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/YuminosukeSato/realestate/pkg/log"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// GraphFile is the graph definition written next to the checkpoints.
const GraphFile = "graph.json"

// EvalResult is the outcome of one evaluation pass.
type EvalResult struct {
	Loss       float64 `json:"loss"`
	MSE        float64 `json:"mse"`
	MAE        float64 `json:"mae"`
	R2         float64 `json:"r2"`
	GlobalStep int64   `json:"global_step"`
}

// Metrics converts the result to the shared metrics map.
func (r EvalResult) Metrics() model.Metrics {
	return model.Metrics{
		"loss":        r.Loss,
		"mse":         r.MSE,
		"mae":         r.MAE,
		"r2":          r.R2,
		"global_step": float64(r.GlobalStep),
	}
}

// GraphDef is the persisted description of a compiled estimator.
type GraphDef struct {
	EstimatorID string      `json:"estimator_id"`
	Target      string      `json:"target"`
	Cluster     Cluster     `json:"cluster"`
	Optimizer   string      `json:"optimizer"`
	Config      Config      `json:"config"`
	Layers      []LayerSpec `json:"layers"`
}

type checkpointState struct {
	GlobalStep int64
	Optimizer  string
	Network    networkState
	Slots      map[string][]float64
}

// Estimator is a compiled network bound to a model directory. Training,
// evaluation and prediction all go through the checkpoints in that directory.
type Estimator struct {
	id       string
	cfg      Config
	target   Target
	cluster  Cluster
	modelDir string

	net      *Network
	replicas []*Network
	opt      Optimizer
	ckpt     *model.CheckpointManager

	globalStep int64
	lastSaved  int64
	logger     log.Logger
}

// Open builds an estimator over modelDir without writing anything. Use it
// to evaluate or predict from checkpoints written by another estimator.
func Open(cfg Config, target Target, modelDir string) (*Estimator, error) {
	if err := target.Validate(cfg); err != nil {
		return nil, err
	}
	cluster, err := target.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	clip := target.Clip()
	net, err := BuildNetwork(cfg, clip, rand.NewPCG(cfg.Seed, 0))
	if err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(cfg, clip)
	if err != nil {
		return nil, err
	}

	e := &Estimator{
		id:        uuid.NewString(),
		cfg:       cfg,
		target:    target,
		cluster:   cluster,
		modelDir:  modelDir,
		net:       net,
		opt:       opt,
		ckpt:      model.NewCheckpointManager(modelDir, cfg.KeepCheckpoints),
		lastSaved: -1,
	}
	if cluster.Shards > 1 {
		e.replicas = make([]*Network, cluster.Shards)
		for i := range e.replicas {
			e.replicas[i] = net.Replica(rand.NewPCG(cfg.Seed, uint64(i+1)))
		}
	}
	e.logger = log.GetLoggerWithName("neural.estimator").With(
		log.EstimatorIDKey, e.id,
		log.TargetKey, target.String(),
		log.ModelDirKey, modelDir,
	)
	return e, nil
}

// Compile builds an estimator and writes its graph definition into modelDir.
func Compile(cfg Config, target Target, modelDir string) (*Estimator, error) {
	e, err := Open(cfg, target, modelDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create model dir %s", modelDir)
	}
	def := GraphDef{
		EstimatorID: e.id,
		Target:      target.String(),
		Cluster:     e.cluster,
		Optimizer:   e.opt.Name(),
		Config:      cfg,
		Layers:      e.net.Specs(),
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode graph definition")
	}
	if err := os.WriteFile(filepath.Join(modelDir, GraphFile), data, 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write graph definition")
	}
	e.logger.Info("Estimator compiled",
		log.DeviceKey, e.cluster.Device,
		log.WorkersKey, e.cluster.Shards,
		log.OptimizerKey, e.opt.Name(),
	)
	return e, nil
}

// ID returns the estimator's unique id.
func (e *Estimator) ID() string { return e.id }

// ModelDir returns the directory holding checkpoints.
func (e *Estimator) ModelDir() string { return e.modelDir }

// GlobalStep returns the number of completed training steps.
func (e *Estimator) GlobalStep() int64 { return e.globalStep }

// Cluster returns the resolved execution cluster.
func (e *Estimator) Cluster() Cluster { return e.cluster }

// Network returns the master network.
func (e *Estimator) Network() *Network { return e.net }

// Checkpoints lists the retained checkpoint paths, oldest first.
func (e *Estimator) Checkpoints() ([]string, error) { return e.ckpt.Checkpoints() }

// Config returns the configuration the estimator was built with.
func (e *Estimator) Config() Config { return e.cfg }

// SaveCheckpoint writes the current state as a checkpoint for the global
// step. Saving the same step twice is a no-op.
func (e *Estimator) SaveCheckpoint() (string, error) {
	if e.lastSaved == e.globalStep {
		return filepath.Join(e.modelDir, model.CheckpointName(e.globalStep)), nil
	}
	state := checkpointState{
		GlobalStep: e.globalStep,
		Optimizer:  e.opt.Name(),
		Network:    e.net.state(),
		Slots:      e.opt.slots(),
	}
	path, err := e.ckpt.Save(e.globalStep, state)
	if err != nil {
		return "", err
	}
	e.lastSaved = e.globalStep
	e.logger.Debug("Checkpoint saved", log.StepKey, e.globalStep, log.CheckpointKey, path)
	return path, nil
}

// restoreLatest loads the newest checkpoint if one exists.
func (e *Estimator) restoreLatest() (bool, error) {
	var state checkpointState
	step, ok, err := e.ckpt.Restore(&state)
	if err != nil || !ok {
		return false, err
	}
	if err := e.net.restore(state.Network); err != nil {
		return false, err
	}
	if state.Optimizer == e.opt.Name() {
		e.opt.restoreSlots(state.Slots)
	}
	e.globalStep = step
	e.lastSaved = step
	return true, nil
}

// Train runs training steps until the global step reaches maxSteps or the
// input is exhausted, calling hooks around every step. It resumes from the
// newest checkpoint in the model directory and always leaves a checkpoint
// for the final step.
func (e *Estimator) Train(ctx context.Context, input dataset.InputFunc, maxSteps int64, hooks ...Hook) (err error) {
	defer errors.Recover(&err, "Estimator.Train")

	if _, err := e.restoreLatest(); err != nil {
		return err
	}
	if e.globalStep >= maxSteps {
		e.logger.Info("Training skipped, checkpoint already at max steps",
			log.StepKey, e.globalStep, log.TotalStepsKey, maxSteps)
		return nil
	}

	it, err := input(ctx, dataset.InputParams{BatchSize: e.cfg.BatchSize})
	if err != nil {
		return err
	}
	defer it.Close()

	for _, h := range hooks {
		if err := h.Begin(ctx, e); err != nil {
			return err
		}
	}

	start := time.Now()
	e.logger.Info("Training started",
		log.OperationKey, log.OperationTrain,
		log.StepKey, e.globalStep,
		log.TotalStepsKey, maxSteps,
		log.BatchSizeKey, e.cfg.BatchSize,
	)

	stop := false
	var loss float64
	for e.globalStep < maxSteps && !stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		rc := &RunContext{Estimator: e, Step: e.globalStep}
		for _, h := range hooks {
			if err := h.BeforeRun(ctx, rc); err != nil {
				return err
			}
		}

		loss, err = e.step(ctx, batch)
		if err != nil {
			return err
		}
		e.globalStep++

		rv := RunValues{GlobalStep: e.globalStep, Loss: loss, LearningRate: e.opt.LearningRate(e.globalStep - 1)}
		for _, h := range hooks {
			if err := h.AfterRun(ctx, rc, rv); err != nil {
				return err
			}
		}
		stop = rc.stopRequested
	}

	if _, err := e.SaveCheckpoint(); err != nil {
		return err
	}
	for _, h := range hooks {
		if err := h.End(ctx, e); err != nil {
			return err
		}
	}

	e.logger.Info("Training finished",
		log.StepKey, e.globalStep,
		log.LossKey, loss,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// step performs one optimizer update and returns the batch loss.
func (e *Estimator) step(ctx context.Context, b *dataset.Batch) (float64, error) {
	var loss float64
	var err error
	if len(e.replicas) > 1 {
		loss, err = e.shardedGradients(ctx, b)
		if err != nil {
			return 0, err
		}
	} else {
		loss = e.gradients(e.net, b.Features, b.Labels)
		e.net.UpdateStatistics()
	}
	if err := errors.CheckScalar("training_loss", loss, int(e.globalStep)); err != nil {
		return 0, err
	}
	e.opt.Apply(e.net.Params(), e.globalStep)
	e.net.ApplyConstraints()
	return loss, nil
}

// gradients runs a training forward and backward pass of net and returns
// MSE plus the regularization penalty.
func (e *Estimator) gradients(net *Network, x *mat.Dense, labels []float64) float64 {
	preds := net.Forward(x, true)
	n := float64(len(preds))
	d := make([]float64, len(preds))
	var sse float64
	for i, p := range preds {
		r := p - labels[i]
		sse += r * r
		d[i] = 2 * r / n
	}
	net.Backward(d)
	return sse/n + net.RegularizationLoss()
}

// shardedGradients splits the batch across replicas, computes their
// gradients in parallel and averages them into the master parameters.
func (e *Estimator) shardedGradients(ctx context.Context, b *dataset.Batch) (float64, error) {
	rows, cols := b.Features.Dims()
	shards := len(e.replicas)
	if rows%shards != 0 {
		return 0, errors.NewValueError("Estimator.step",
			fmt.Sprintf("batch of %d rows cannot be split across %d shards", rows, shards))
	}
	size := rows / shards
	losses := make([]float64, shards)

	err := parallel.Each(ctx, shards, func(_ context.Context, i int) error {
		lo, hi := i*size, (i+1)*size
		x := b.Features.Slice(lo, hi, 0, cols).(*mat.Dense)
		losses[i] = e.gradients(e.replicas[i], x, b.Labels[lo:hi])
		return nil
	})
	if err != nil {
		return 0, err
	}

	master := e.net.Params()
	for k, p := range master {
		p.Grad.Zero()
		for _, r := range e.replicas {
			p.Grad.Add(p.Grad, r.Params()[k].Grad)
		}
		p.Grad.Scale(1/float64(shards), p.Grad)
	}
	e.net.UpdateStatistics(e.replicas...)

	var loss float64
	for _, l := range losses {
		loss += l
	}
	return loss / float64(shards), nil
}

// Evaluate restores the newest checkpoint and runs one pass over input.
func (e *Estimator) Evaluate(ctx context.Context, input dataset.InputFunc) (res EvalResult, err error) {
	defer errors.Recover(&err, "Estimator.Evaluate")

	ok, err := e.restoreLatest()
	if err != nil {
		return res, err
	}
	if !ok {
		return res, errors.NewModelError("Estimator.Evaluate", "no checkpoint in "+e.modelDir, nil)
	}

	it, err := input(ctx, dataset.InputParams{BatchSize: e.cfg.BatchSize})
	if err != nil {
		return res, err
	}
	defer it.Close()

	var errs metrics.StreamingErrors
	var loss metrics.StreamingMean
	penalty := e.net.RegularizationLoss()
	for {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		preds := e.net.Forward(b.Features, false)
		var batchErrs metrics.StreamingErrors
		if err := batchErrs.Update(b.Labels, preds); err != nil {
			return res, err
		}
		loss.Add(batchErrs.MSE()+penalty, 1)
		if err := errs.Update(b.Labels, preds); err != nil {
			return res, err
		}
	}
	if errs.Count() == 0 {
		return res, errors.NewValueError("Estimator.Evaluate",
			fmt.Sprintf("the evaluation input holds fewer rows than one batch of %d", e.cfg.BatchSize))
	}

	res = EvalResult{
		Loss:       loss.Value(),
		MSE:        errs.MSE(),
		MAE:        errs.MAE(),
		R2:         errs.R2(),
		GlobalStep: e.globalStep,
	}
	e.logger.Info("Evaluation finished",
		log.StepKey, res.GlobalStep,
		log.LossKey, res.Loss,
		log.MSEKey, res.MSE,
		log.MAEKey, res.MAE,
		log.R2ScoreKey, res.R2,
	)
	return res, nil
}

// Predict restores the newest checkpoint and returns one prediction per
// example yielded by input.
func (e *Estimator) Predict(ctx context.Context, input dataset.InputFunc) (preds []float64, err error) {
	defer errors.Recover(&err, "Estimator.Predict")

	ok, err := e.restoreLatest()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewModelError("Estimator.Predict", "no checkpoint in "+e.modelDir, nil)
	}

	it, err := input(ctx, dataset.InputParams{BatchSize: e.cfg.BatchSize})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for {
		b, err := it.Next()
		if err == io.EOF {
			return preds, nil
		}
		if err != nil {
			return nil, err
		}
		preds = append(preds, e.net.Forward(b.Features, false)...)
	}
}
