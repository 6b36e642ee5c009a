// Package dataset serializes feature/label arrays to record files and builds
// batched input pipelines over them.
//
// A dataset file holds one tf.train.Example per row: a float list "X" of
// width FeatureWidth and, outside predict mode, a one-element float list "y".
package dataset

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/YuminosukeSato/realestate/core/parallel"
	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/YuminosukeSato/realestate/pkg/log"
	"github.com/YuminosukeSato/realestate/pkg/tfrecord"
	"gonum.org/v1/gonum/mat"
)

// FeatureWidth is the number of features stored per example.
const FeatureWidth = 16

// Feature keys inside each example.
const (
	FeatureKey = "X"
	LabelKey   = "y"
)

// decodeWorkers is the number of goroutines decoding records in parallel.
const decodeWorkers = 8

// Mode selects which partition a dataset file holds.
type Mode string

const (
	ModeTrain   Mode = "train"
	ModeEval    Mode = "eval"
	ModePredict Mode = "predict"
)

// Labeled reports whether examples in this mode carry a label.
func (m Mode) Labeled() bool {
	return m == ModeTrain || m == ModeEval
}

// Validate fails for an unknown mode.
func (m Mode) Validate() error {
	switch m {
	case ModeTrain, ModeEval, ModePredict:
		return nil
	}
	return errors.NewValueError("dataset.Mode", fmt.Sprintf("unknown mode %q", string(m)))
}

// FileName returns the file name a dataset of this mode is stored under.
func (m Mode) FileName() string {
	return "data-" + string(m) + ".tfrecords"
}

// Example is one decoded row.
type Example struct {
	Features []float32
	Label    float32
}

// Write serializes features (and labels for train/eval) into
// <dir>/data-<mode>.tfrecords, replacing any existing file, and returns the
// file path. Labels are ignored in predict mode.
func Write(features [][]float32, labels []float32, dir string, mode Mode) (string, error) {
	if err := mode.Validate(); err != nil {
		return "", err
	}
	if mode.Labeled() && len(labels) != len(features) {
		return "", errors.NewDimensionError("dataset.Write", len(features), len(labels), 0)
	}
	for i, row := range features {
		if len(row) != FeatureWidth {
			return "", errors.Wrapf(errors.NewDimensionError("dataset.Write", FeatureWidth, len(row), 1), "row %d", i)
		}
	}

	start := time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create dataset dir %s", dir)
	}
	path := filepath.Join(dir, mode.FileName())
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create dataset file %s", path)
	}
	defer f.Close()

	w := tfrecord.NewWriter(f)
	for i, row := range features {
		ex := tfrecord.Example{FeatureKey: tfrecord.FloatFeature(row...)}
		if mode.Labeled() {
			ex[LabelKey] = tfrecord.FloatFeature(labels[i])
		}
		if err := w.Write(tfrecord.MarshalExample(ex)); err != nil {
			return "", errors.Wrapf(err, "failed to write row %d", i)
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close %s", path)
	}

	log.GetLoggerWithName("dataset").Info("Dataset written",
		log.PathKey, path,
		log.ModeKey, string(mode),
		log.SamplesKey, len(features),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return path, nil
}

// Read decodes every example in path. Train and eval files must carry a
// label per row.
func Read(path string, mode Mode) ([]Example, error) {
	return read(context.Background(), path, mode)
}

func read(ctx context.Context, path string, mode Mode) ([]Example, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %s", path)
	}
	defer f.Close()

	var raw [][]byte
	r := tfrecord.NewReader(f)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "record %d of %s", len(raw), path)
		}
		raw = append(raw, rec)
	}

	out := make([]Example, len(raw))
	err = parallel.Ranges(ctx, len(raw), decodeWorkers, func(ctx context.Context, start, end int) error {
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			ex, err := decode(raw[i], mode)
			if err != nil {
				return errors.Wrapf(err, "record %d of %s", i, path)
			}
			out[i] = ex
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decode(rec []byte, mode Mode) (Example, error) {
	ex, err := tfrecord.UnmarshalExample(rec)
	if err != nil {
		return Example{}, err
	}
	x := ex[FeatureKey].Floats
	if len(x) != FeatureWidth {
		return Example{}, errors.NewDimensionError("dataset.Read", FeatureWidth, len(x), 1)
	}
	out := Example{Features: x}
	if mode.Labeled() {
		y, ok := ex[LabelKey]
		if !ok || len(y.Floats) != 1 {
			return Example{}, errors.NewValueError("dataset.Read", "missing scalar label")
		}
		out.Label = y.Floats[0]
	}
	return out, nil
}

// FromMatrix converts a feature matrix to float32 rows.
func FromMatrix(X mat.Matrix) [][]float32 {
	r, c := X.Dims()
	rows := make([][]float32, r)
	for i := range rows {
		row := make([]float32, c)
		for j := range row {
			row[j] = float32(X.At(i, j))
		}
		rows[i] = row
	}
	return rows
}

// FromVector converts the first column of y to float32 labels.
func FromVector(y mat.Matrix) []float32 {
	r, _ := y.Dims()
	labels := make([]float32, r)
	for i := range labels {
		labels[i] = float32(y.At(i, 0))
	}
	return labels
}
