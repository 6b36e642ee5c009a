package dataset

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// makeRows returns n rows whose first feature is the row index.
func makeRows(n int) ([][]float32, []float32) {
	features := make([][]float32, n)
	labels := make([]float32, n)
	for i := range features {
		row := make([]float32, FeatureWidth)
		row[0] = float32(i)
		for j := 1; j < FeatureWidth; j++ {
			row[j] = float32(math.Sin(float64(i*FeatureWidth+j))) * 1e3
		}
		features[i] = row
		labels[i] = float32(i)*1.1 + 0.3
	}
	return features, labels
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	features, labels := makeRows(25)
	features[3][5] = math.SmallestNonzeroFloat32
	features[4][6] = float32(math.Inf(1))

	for _, mode := range []Mode{ModeTrain, ModeEval, ModePredict} {
		t.Run(string(mode), func(t *testing.T) {
			path, err := Write(features, labels, dir, mode)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "data-"+string(mode)+".tfrecords"), path)

			got, err := Read(path, mode)
			require.NoError(t, err)
			require.Len(t, got, len(features))
			for i := range features {
				for j := range features[i] {
					require.Equal(t, math.Float32bits(features[i][j]), math.Float32bits(got[i].Features[j]), "row %d col %d", i, j)
				}
				if mode.Labeled() {
					require.Equal(t, math.Float32bits(labels[i]), math.Float32bits(got[i].Label))
				} else {
					require.Zero(t, got[i].Label)
				}
			}
		})
	}
}

func TestWritePredictWithoutLabels(t *testing.T) {
	features, _ := makeRows(3)
	path, err := Write(features, nil, t.TempDir(), ModePredict)
	require.NoError(t, err)

	_, err = Read(path, ModeTrain)
	assert.Error(t, err, "predict files carry no labels")
}

func TestWriteValidation(t *testing.T) {
	dir := t.TempDir()
	features, labels := makeRows(4)

	_, err := Write(features, labels[:3], dir, ModeTrain)
	var de *errors.DimensionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 4, de.Expected)
	assert.Equal(t, 3, de.Got)

	features[2] = features[2][:15]
	_, err = Write(features, labels, dir, ModeEval)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Axis)

	_, err = Write(nil, nil, dir, Mode("test"))
	assert.Error(t, err)
}

func TestWriteOverwrites(t *testing.T) {
	dir := t.TempDir()
	features, labels := makeRows(10)
	_, err := Write(features, labels, dir, ModeTrain)
	require.NoError(t, err)
	path, err := Write(features[:2], labels[:2], dir, ModeTrain)
	require.NoError(t, err)

	got, err := Read(path, ModeTrain)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFromMatrix(t *testing.T) {
	X := mat.NewDense(2, 2, []float64{1.5, 2, 3, 4.25})
	assert.Equal(t, [][]float32{{1.5, 2}, {3, 4.25}}, FromMatrix(X))
	assert.Equal(t, []float32{1, 3}, FromVector(mat.NewVecDense(2, []float64{1, 3})))
}

func collect(t *testing.T, it *Iterator) []*Batch {
	t.Helper()
	var out []*Batch
	for {
		b, err := it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestPipelineDropsRemainderPerEpoch(t *testing.T) {
	tests := []struct {
		rows, batch, epochs int
	}{
		{rows: 10, batch: 3, epochs: 1},
		{rows: 10, batch: 3, epochs: 4},
		{rows: 7, batch: 7, epochs: 2},
		{rows: 5, batch: 8, epochs: 3},
		{rows: 100, batch: 4, epochs: 2},
	}
	for _, tt := range tests {
		features, labels := makeRows(tt.rows)
		path, err := Write(features, labels, t.TempDir(), ModeTrain)
		require.NoError(t, err)

		it, err := NewInputFunc(path, tt.epochs, ModeTrain)(context.Background(), InputParams{BatchSize: tt.batch})
		require.NoError(t, err)
		batches := collect(t, it)

		want := tt.rows / tt.batch * tt.epochs
		assert.Len(t, batches, want, "rows=%d batch=%d epochs=%d", tt.rows, tt.batch, tt.epochs)
		assert.Equal(t, want, it.Len())
		for _, b := range batches {
			assert.Equal(t, tt.batch, b.Size())
			assert.Len(t, b.Labels, tt.batch)
		}

		// within one epoch no row repeats
		perEpoch := tt.rows / tt.batch
		for e := 0; e < tt.epochs; e++ {
			seen := map[float64]bool{}
			for _, b := range batches[e*perEpoch : (e+1)*perEpoch] {
				for i := 0; i < b.Size(); i++ {
					id := b.Features.At(i, 0)
					assert.False(t, seen[id], "row %v repeated in epoch %d", id, e)
					seen[id] = true
					assert.InDelta(t, id*1.1+0.3, b.Labels[i], 1e-4)
				}
			}
		}
	}
}

func TestPipelineShuffles(t *testing.T) {
	features, labels := makeRows(50)
	path, err := Write(features, labels, t.TempDir(), ModeTrain)
	require.NoError(t, err)

	first := func(seed uint64) []float64 {
		it, err := NewInputFunc(path, 1, ModeTrain, WithSeed(seed))(context.Background(), InputParams{BatchSize: 50})
		require.NoError(t, err)
		b := collect(t, it)
		require.Len(t, b, 1)
		return mat.Col(nil, 0, b[0].Features)
	}

	a, b := first(7), first(7)
	assert.Equal(t, a, b, "same seed gives same order")

	inOrder := true
	for i, v := range a {
		if v != float64(i) {
			inOrder = false
		}
	}
	assert.False(t, inOrder, "train batches are shuffled")
}

func TestPipelineRepeatableFromSameInputFunc(t *testing.T) {
	features, labels := makeRows(12)
	path, err := Write(features, labels, t.TempDir(), ModeEval)
	require.NoError(t, err)

	input := NewInputFunc(path, 2, ModeEval)
	it, err := input(context.Background(), InputParams{BatchSize: 4})
	require.NoError(t, err)
	assert.Len(t, collect(t, it), 6)

	// the cache serves later calls even when the file is gone
	require.NoError(t, os.Remove(path))
	it, err = input(context.Background(), InputParams{BatchSize: 5})
	require.NoError(t, err)
	assert.Len(t, collect(t, it), 4)
}

func TestPipelinePredictKeepsOrderAndTail(t *testing.T) {
	features, _ := makeRows(7)
	path, err := Write(features, nil, t.TempDir(), ModePredict)
	require.NoError(t, err)

	it, err := NewInputFunc(path, 1, ModePredict)(context.Background(), InputParams{BatchSize: 3})
	require.NoError(t, err)
	batches := collect(t, it)
	require.Len(t, batches, 3)
	assert.Equal(t, 1, batches[2].Size())

	var ids []float64
	for _, b := range batches {
		assert.Nil(t, b.Labels)
		ids = append(ids, mat.Col(nil, 0, b.Features)...)
	}
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6}, ids)
}

func TestPipelineErrors(t *testing.T) {
	features, labels := makeRows(4)
	path, err := Write(features, labels, t.TempDir(), ModeTrain)
	require.NoError(t, err)

	_, err = NewInputFunc(path, 1, ModeTrain)(context.Background(), InputParams{BatchSize: 0})
	assert.Error(t, err)
	_, err = NewInputFunc(path, 0, ModeTrain)(context.Background(), InputParams{BatchSize: 1})
	assert.Error(t, err)
	_, err = NewInputFunc(filepath.Join(t.TempDir(), "missing"), 1, ModeTrain)(context.Background(), InputParams{BatchSize: 1})
	assert.Error(t, err)
}

func TestIteratorCloseAndCancel(t *testing.T) {
	features, labels := makeRows(40)
	path, err := Write(features, labels, t.TempDir(), ModeTrain)
	require.NoError(t, err)
	input := NewInputFunc(path, 10, ModeTrain)

	it, err := input(context.Background(), InputParams{BatchSize: 2})
	require.NoError(t, err)
	_, err = it.Next()
	require.NoError(t, err)
	it.Close()
	it.Close()
	_, err = it.Next()
	assert.Equal(t, io.EOF, err)

	ctx, cancel := context.WithCancel(context.Background())
	it, err = input(ctx, InputParams{BatchSize: 2})
	require.NoError(t, err)
	cancel()
	for {
		_, err = it.Next()
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}
