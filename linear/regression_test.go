package linear

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/YuminosukeSato/realestate/core/model"
	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLinearModelRecoversCoefficients(t *testing.T) {
	X := mat.NewDense(6, 2, []float64{
		1, 2,
		2, 1,
		3, 5,
		4, 3,
		5, 8,
		6, 4,
	})
	// y = 3*x0 - 2*x1 + 7
	y := mat.NewDense(6, 1, nil)
	for i := 0; i < 6; i++ {
		y.Set(i, 0, 3*X.At(i, 0)-2*X.At(i, 1)+7)
	}

	m := NewLinearModel(WithLabels("sqft", "age"))
	require.NoError(t, m.Fit(context.Background(), X, y))

	w := m.GetWeights()
	require.Len(t, w, 2)
	assert.InDelta(t, 3.0, w[0], 1e-9)
	assert.InDelta(t, -2.0, w[1], 1e-9)
	assert.InDelta(t, 7.0, m.GetIntercept(), 1e-9)

	score, err := m.Score(context.Background(), X, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-12)

	coef, ok := m.ModelWeights().Coefficient("age")
	assert.True(t, ok)
	assert.InDelta(t, -2.0, coef, 1e-9)
}

func TestLinearModelWithoutIntercept(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	y := mat.NewDense(4, 1, []float64{2, 4, 6, 8})
	m := NewLinearModel(WithFitIntercept(false))
	require.NoError(t, m.Fit(context.Background(), X, y))
	assert.InDelta(t, 2.0, m.GetWeights()[0], 1e-12)
	assert.Zero(t, m.GetIntercept())
}

func TestLinearModelInPlaceRestoresX(t *testing.T) {
	X, y := createBenchmarkData(1500, 4)
	orig := mat.DenseCopyOf(X)

	m := NewLinearModel(WithCopyX(false), WithParallelThreshold(100))
	require.NoError(t, m.Fit(context.Background(), X, y))
	assert.True(t, mat.EqualApprox(orig, X, 1e-12))

	ref := NewLinearModel()
	require.NoError(t, ref.Fit(context.Background(), orig, y))
	assert.InDeltaSlice(t, ref.GetWeights(), m.GetWeights(), 1e-9)
}

func TestLinearModelSingular(t *testing.T) {
	// The second column is constant and vanishes once centered.
	X := mat.NewDense(4, 2, []float64{1, 5, 2, 5, 3, 5, 4, 5})
	y := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	err := NewLinearModel().Fit(context.Background(), X, y)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSingularMatrix))

	// Ridge handles the rank-deficient design.
	r := NewRidgeModel()
	require.NoError(t, r.Fit(context.Background(), X, y))
	w := r.GetWeights()
	assert.InDelta(t, 0.0, w[1], 1e-12)
	assert.InDelta(t, 5.0/5.1, w[0], 1e-9)
}

func TestRidgeModelShrinks(t *testing.T) {
	X, y := createBenchmarkData(50, 3)
	ctx := context.Background()

	ols := NewLinearModel()
	require.NoError(t, ols.Fit(ctx, X, y))
	ridge := NewRidgeModel()
	require.NoError(t, ridge.Fit(ctx, X, y))
	strong := NewRidgeModel(WithAlpha(1000))
	require.NoError(t, strong.Fit(ctx, X, y))

	norm := func(w []float64) float64 {
		return mat.Norm(mat.NewVecDense(len(w), w), 2)
	}
	assert.Equal(t, RidgeAlpha, ridge.GetParams()["alpha"])
	assert.LessOrEqual(t, norm(ridge.GetWeights()), norm(ols.GetWeights()))
	assert.Less(t, norm(strong.GetWeights()), norm(ridge.GetWeights()))
	// Small alpha stays close to least squares.
	assert.InDeltaSlice(t, ols.GetWeights(), ridge.GetWeights(), 0.05)
}

func TestRidgeModelNegativeAlpha(t *testing.T) {
	X, y := createBenchmarkData(10, 2)
	err := NewRidgeModel(WithAlpha(-1)).Fit(context.Background(), X, y)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestLinearModelIgnoresAlpha(t *testing.T) {
	m := NewLinearModel(WithAlpha(5))
	assert.Equal(t, 0.0, m.GetParams()["alpha"])
}

func TestPriceModelContract(t *testing.T) {
	X, y := createBenchmarkData(200, 16)
	ctx := context.Background()

	for _, m := range []model.PriceModel{NewLinearModel(), NewRidgeModel()} {
		var nerr *errors.NotFittedError
		_, err := m.Evaluate(ctx, X, y)
		assert.True(t, errors.As(err, &nerr))
		_, err = m.Score(ctx, X, y)
		assert.True(t, errors.As(err, &nerr))

		require.NoError(t, m.Fit(ctx, X, y))
		metrics, err := m.Evaluate(ctx, X, y)
		require.NoError(t, err)
		assert.Less(t, metrics["mse"], 0.01)
		assert.Less(t, metrics["mae"], 0.1)
		assert.Greater(t, metrics["r2"], 0.99)

		score, err := m.Score(ctx, X, y)
		require.NoError(t, err)
		assert.InDelta(t, metrics["r2"], score, 1e-12)
	}
}

func TestPredictValidation(t *testing.T) {
	X, y := createBenchmarkData(20, 3)
	m := NewLinearModel()
	ctx := context.Background()
	require.NoError(t, m.Fit(ctx, X, y))

	_, err := m.Predict(ctx, mat.NewDense(2, 4, nil))
	var derr *errors.DimensionError
	assert.True(t, errors.As(err, &derr))

	_, err = m.Score(ctx, X, mat.NewDense(19, 1, nil))
	assert.True(t, errors.As(err, &derr))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Predict(cctx, X)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitValidation(t *testing.T) {
	ctx := context.Background()
	m := NewLinearModel()
	var verr *errors.ValueError
	err := m.Fit(ctx, mat.NewDense(3, 2, nil), mat.NewDense(3, 2, nil))
	assert.True(t, errors.As(err, &verr))

	var derr *errors.DimensionError
	err = m.Fit(ctx, mat.NewDense(3, 2, nil), mat.NewDense(4, 1, nil))
	assert.True(t, errors.As(err, &derr))
	assert.False(t, m.State.IsFitted())
}

func TestWeightsExportImport(t *testing.T) {
	X, y := createBenchmarkData(40, 3)
	ctx := context.Background()
	src := NewRidgeModel(WithLabels("sqft", "rooms", "age"))
	require.NoError(t, src.Fit(ctx, X, y))

	var buf bytes.Buffer
	require.NoError(t, src.ExportWeights(&buf))
	assert.Contains(t, buf.String(), `"model_type": "RidgeModel"`)

	dst := NewRidgeModel()
	require.NoError(t, dst.ImportWeights(bytes.NewReader(buf.Bytes())))
	want, err := src.Predict(ctx, X)
	require.NoError(t, err)
	got, err := dst.Predict(ctx, X)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want, got, 1e-12))

	// Weights exported by another model type are rejected.
	err = NewLinearModel().ImportWeights(bytes.NewReader(buf.Bytes()))
	var verr *errors.ValueError
	assert.True(t, errors.As(err, &verr))

	assert.Error(t, NewLinearModel().ExportWeights(&buf))
}

func TestSummary(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{1, 2, 3})
	y := mat.NewDense(3, 1, []float64{3, 5, 7})
	m := NewLinearModel(WithLabels("sqft"))
	require.NoError(t, m.Fit(context.Background(), X, y))

	s := m.Summary()
	assert.True(t, strings.HasPrefix(s, "Model: LinearModel"))
	assert.Contains(t, s, "sqft")
	assert.Contains(t, s, "intercept")
}
