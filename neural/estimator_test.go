package neural

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/YuminosukeSato/realestate/core/model"
	"github.com/YuminosukeSato/realestate/dataset"
	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// priceRows returns n rows of standard normal features with a linear label.
func priceRows(n int, seed uint64) ([][]float32, []float32) {
	rng := rand.New(rand.NewPCG(seed, 1))
	features := make([][]float32, n)
	labels := make([]float32, n)
	for i := range features {
		row := make([]float32, dataset.FeatureWidth)
		for j := range row {
			row[j] = float32(rng.NormFloat64())
		}
		features[i] = row
		labels[i] = 2*row[0] - row[1] + 0.5*row[2] + 1
	}
	return features, labels
}

func writeRows(t *testing.T, dir string, n int, mode dataset.Mode, seed uint64) string {
	t.Helper()
	features, labels := priceRows(n, seed)
	path, err := dataset.Write(features, labels, dir, mode)
	require.NoError(t, err)
	return path
}

func estimatorConfig(opts ...Option) Config {
	base := []Option{
		WithLayers(8),
		WithTraining(5, 4, 0),
		WithLearningRate(0.01, 0),
		WithStepsBetweenEvaluations(1000),
	}
	return NewConfig(append(base, opts...)...)
}

func TestCompileWritesGraph(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	e, err := Compile(estimatorConfig(WithBatchNormalization(true)), TargetStandard, dir)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID())

	data, err := os.ReadFile(filepath.Join(dir, GraphFile))
	require.NoError(t, err)
	var def GraphDef
	require.NoError(t, json.Unmarshal(data, &def))
	assert.Equal(t, e.ID(), def.EstimatorID)
	assert.Equal(t, "standard", def.Target)
	assert.Equal(t, OptimizerSGD, def.Optimizer)
	assert.Len(t, def.Layers, 4)
	assert.Equal(t, 1, def.Cluster.Shards)
}

func TestTrainStopsAtMaxSteps(t *testing.T) {
	dir := t.TempDir()
	path := writeRows(t, dir, 40, dataset.ModeTrain, 1)
	modelDir := filepath.Join(dir, "model")

	e, err := Compile(estimatorConfig(), TargetStandard, modelDir)
	require.NoError(t, err)
	input := dataset.NewInputFunc(path, 5, dataset.ModeTrain)
	require.NoError(t, e.Train(context.Background(), input, 7))
	assert.Equal(t, int64(7), e.GlobalStep())

	ckpts, err := e.Checkpoints()
	require.NoError(t, err)
	require.NotEmpty(t, ckpts)
	assert.Equal(t, filepath.Join(modelDir, model.CheckpointName(7)), ckpts[len(ckpts)-1])

	// A new estimator on the same directory resumes from the checkpoint.
	resumed, err := Open(estimatorConfig(), TargetStandard, modelDir)
	require.NoError(t, err)
	require.NoError(t, resumed.Train(context.Background(), input, 12))
	assert.Equal(t, int64(12), resumed.GlobalStep())

	// Already at the cap: nothing runs.
	require.NoError(t, resumed.Train(context.Background(), input, 12))
	assert.Equal(t, int64(12), resumed.GlobalStep())
}

func TestTrainStopsWhenInputIsExhausted(t *testing.T) {
	dir := t.TempDir()
	path := writeRows(t, dir, 42, dataset.ModeTrain, 1)
	e, err := Compile(estimatorConfig(), TargetStandard, filepath.Join(dir, "model"))
	require.NoError(t, err)

	// 42 rows in batches of 4 give 10 full batches per epoch.
	input := dataset.NewInputFunc(path, 2, dataset.ModeTrain)
	require.NoError(t, e.Train(context.Background(), input, 1000))
	assert.Equal(t, int64(20), e.GlobalStep())
}

func TestTrainReducesError(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeRows(t, dir, 200, dataset.ModeTrain, 1)
	evalPath := writeRows(t, dir, 40, dataset.ModeEval, 2)
	cfg := estimatorConfig(WithOptimizer(OptimizerAdam), WithTraining(20, 8, 0))

	e, err := Compile(cfg, TargetStandard, filepath.Join(dir, "model"))
	require.NoError(t, err)
	ctx := context.Background()
	train := dataset.NewInputFunc(trainPath, cfg.Epochs, dataset.ModeTrain)
	eval := dataset.NewInputFunc(evalPath, 1, dataset.ModeEval)

	require.NoError(t, e.Train(ctx, train, 1))
	before, err := e.Evaluate(ctx, eval)
	require.NoError(t, err)

	require.NoError(t, e.Train(ctx, train, 400))
	after, err := e.Evaluate(ctx, eval)
	require.NoError(t, err)

	assert.Equal(t, int64(400), after.GlobalStep)
	assert.Less(t, after.MSE, before.MSE)
	assert.Greater(t, after.R2, before.R2)
	assert.InDelta(t, after.MSE, after.Loss, 1e-9, "no regularization")
}

func TestEvaluateRequiresCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := writeRows(t, dir, 8, dataset.ModeEval, 1)
	e, err := Open(estimatorConfig(), TargetStandard, filepath.Join(dir, "model"))
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), dataset.NewInputFunc(path, 1, dataset.ModeEval))
	var merr *errors.ModelError
	assert.True(t, errors.As(err, &merr))
}

func TestEvaluateWithoutCompleteBatch(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeRows(t, dir, 8, dataset.ModeTrain, 1)
	evalPath := writeRows(t, dir, 3, dataset.ModeEval, 2)
	e, err := Compile(estimatorConfig(), TargetStandard, filepath.Join(dir, "model"))
	require.NoError(t, err)
	require.NoError(t, e.Train(context.Background(), dataset.NewInputFunc(trainPath, 1, dataset.ModeTrain), 2))

	_, err = e.Evaluate(context.Background(), dataset.NewInputFunc(evalPath, 1, dataset.ModeEval))
	var verr *errors.ValueError
	assert.True(t, errors.As(err, &verr))
}

func TestPredictKeepsPartialBatch(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeRows(t, dir, 8, dataset.ModeTrain, 1)
	features, _ := priceRows(10, 3)
	predictPath, err := dataset.Write(features, nil, dir, dataset.ModePredict)
	require.NoError(t, err)

	e, err := Compile(estimatorConfig(), TargetStandard, filepath.Join(dir, "model"))
	require.NoError(t, err)
	require.NoError(t, e.Train(context.Background(), dataset.NewInputFunc(trainPath, 1, dataset.ModeTrain), 2))

	preds, err := e.Predict(context.Background(), dataset.NewInputFunc(predictPath, 1, dataset.ModePredict))
	require.NoError(t, err)
	require.Len(t, preds, 10)

	// Predictions follow file order and match a direct forward pass.
	x := mat.NewDense(10, dataset.FeatureWidth, nil)
	for i, row := range features {
		for j, v := range row {
			x.Set(i, j, float64(v))
		}
	}
	direct := e.Network().Forward(x, false)
	for i := range preds {
		assert.InDelta(t, direct[i], preds[i], 1e-9)
	}
}

func TestTrainRejectsNonFiniteLoss(t *testing.T) {
	dir := t.TempDir()
	features, labels := priceRows(8, 1)
	labels[0] = float32(math.Inf(1))
	path, err := dataset.Write(features, labels, dir, dataset.ModeTrain)
	require.NoError(t, err)

	e, err := Compile(estimatorConfig(WithTraining(1, 8, 0)), TargetStandard, filepath.Join(dir, "model"))
	require.NoError(t, err)
	err = e.Train(context.Background(), dataset.NewInputFunc(path, 1, dataset.ModeTrain), 1)
	var nerr *errors.NumericalInstabilityError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "training_loss", nerr.Operation)
	assert.Equal(t, int64(0), e.GlobalStep())
}

func TestTrainHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	path := writeRows(t, dir, 40, dataset.ModeTrain, 1)
	e, err := Compile(estimatorConfig(), TargetStandard, filepath.Join(dir, "model"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Train(ctx, dataset.NewInputFunc(path, 1, dataset.ModeTrain), 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShardedGradientsMatchFullBatch(t *testing.T) {
	t.Setenv(AcceleratorEnv, "")
	cfg := estimatorConfig(WithAccelerator("pool-a", 4, SupportedFrameworkVersion), WithTraining(1, 8, 0))
	e, err := Open(cfg, TargetAccelerator, filepath.Join(t.TempDir(), "model"))
	require.NoError(t, err)
	require.Len(t, e.replicas, 4)

	features, labels := priceRows(8, 5)
	x := mat.NewDense(8, dataset.FeatureWidth, nil)
	y := make([]float64, 8)
	for i, row := range features {
		for j, v := range row {
			x.Set(i, j, float64(v))
		}
		y[i] = float64(labels[i])
	}

	shardLoss, err := e.shardedGradients(context.Background(), &dataset.Batch{Features: x, Labels: y})
	require.NoError(t, err)
	sharded := map[string][]float64{}
	for _, p := range e.net.Params() {
		sharded[p.Name] = append([]float64(nil), p.Grad.RawMatrix().Data...)
	}

	fullLoss := e.gradients(e.net, x, y)
	assert.InDelta(t, fullLoss, shardLoss, 1e-9)
	for _, p := range e.net.Params() {
		for i, g := range p.Grad.RawMatrix().Data {
			assert.InDelta(t, g, sharded[p.Name][i], 1e-9, "%s[%d]", p.Name, i)
		}
	}
}

func TestAcceleratorTraining(t *testing.T) {
	dir := t.TempDir()
	path := writeRows(t, dir, 32, dataset.ModeTrain, 1)
	cfg := estimatorConfig(
		WithAccelerator("pool-a", 2, SupportedFrameworkVersion),
		WithBatchNormalization(true),
		WithDropout(0.2),
	)
	e, err := Compile(cfg, TargetAccelerator, filepath.Join(dir, "model"))
	require.NoError(t, err)
	assert.Equal(t, "accelerator:pool-a", e.Cluster().Device)

	require.NoError(t, e.Train(context.Background(), dataset.NewInputFunc(path, 2, dataset.ModeTrain), 10))
	assert.Equal(t, int64(10), e.GlobalStep())
	for _, m := range e.net.norms[0].moving.Mean {
		assert.False(t, math.IsNaN(m))
	}
}
