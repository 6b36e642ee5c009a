package metrics

import (
	"math"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// StreamingMean は複数バッチにわたる平均値を累積する
type StreamingMean struct {
	total float64
	count float64
}

// Add は値の合計と件数を加算する
func (m *StreamingMean) Add(sum float64, count int) {
	m.total += sum
	m.count += float64(count)
}

// Value は現在の平均を返す。件数が0なら0を返す
func (m *StreamingMean) Value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.total / m.count
}

// Count は累積した件数を返す
func (m *StreamingMean) Count() int {
	return int(m.count)
}

// StreamingErrors はバッチごとに MSE・MAE・バッチ局所 R² を累積する
//
// R² は 1 - mean(SSE)/mean(SST) で、SST の基準は各バッチ自身のラベル平均。
// 母集団 R² とは一致しない。
type StreamingErrors struct {
	sse StreamingMean
	sae StreamingMean
	sst StreamingMean
}

// Update は1バッチ分のラベルと予測を累積する
func (s *StreamingErrors) Update(labels, predictions []float64) error {
	if len(labels) != len(predictions) {
		return errors.NewDimensionError("StreamingErrors.Update", len(labels), len(predictions), 0)
	}
	if len(labels) == 0 {
		return nil
	}
	batchMean := stat.Mean(labels, nil)
	var sse, sae, sst float64
	for i, y := range labels {
		d := y - predictions[i]
		sse += d * d
		sae += math.Abs(d)
		b := y - batchMean
		sst += b * b
	}
	s.sse.Add(sse, len(labels))
	s.sae.Add(sae, len(labels))
	s.sst.Add(sst, len(labels))
	return nil
}

// MSE は累積した平均二乗誤差を返す
func (s *StreamingErrors) MSE() float64 { return s.sse.Value() }

// MAE は累積した平均絶対誤差を返す
func (s *StreamingErrors) MAE() float64 { return s.sae.Value() }

// Count は累積したサンプル数を返す
func (s *StreamingErrors) Count() int { return s.sse.Count() }

// R2 はバッチ局所 R² を返す
//
// 全バッチのラベルが定数（SST が0）の場合でも値を補正せず、
// NaN または -Inf をそのまま返して UndefinedMetricWarning を発行する。
func (s *StreamingErrors) R2() float64 {
	sst := s.sst.Value()
	r2 := 1 - s.sse.Value()/sst
	if sst == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("r2",
			"zero label variance within every evaluated batch", r2))
	}
	return r2
}
