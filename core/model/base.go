package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Base は全ての価格モデルが埋め込む共通部分
//
// 学習データ・特徴量名・ライフサイクル状態を保持し、サマリー出力を提供する。
type Base struct {
	State  *StateManager
	X      mat.Matrix
	Y      mat.Matrix
	Labels []string
}

// NewBase は未初期化状態の Base を作成する
func NewBase() Base {
	return Base{State: NewStateManager()}
}

// SetupSelf は学習データと特徴量名を保持する
//
// パラメータ:
//   - X: 特徴量行列 (n_samples × n_features)
//   - y: ラベル (n_samples × 1)
//   - labels: 特徴量名。nil の場合は "x0", "x1", ... を割り当てる
func (b *Base) SetupSelf(X, y mat.Matrix, labels []string) error {
	if X == nil || y == nil {
		return errors.NewValueError("SetupSelf", "X and y must not be nil")
	}
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.ErrEmptyData
	}
	yRows, _ := y.Dims()
	if yRows != rows {
		return errors.NewDimensionError("SetupSelf", rows, yRows, 0)
	}
	if labels == nil {
		labels = make([]string, cols)
		for i := range labels {
			labels[i] = fmt.Sprintf("x%d", i)
		}
	}
	if len(labels) != cols {
		return errors.NewDimensionError("SetupSelf", cols, len(labels), 1)
	}
	if b.State == nil {
		b.State = NewStateManager()
	}
	b.X = X
	b.Y = y
	b.Labels = labels
	b.State.SetDimensions(cols, rows)
	return nil
}

// Summary はモデルの状態と追加情報を人間が読める形式で返す
func (b *Base) Summary(name string, extra map[string]float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %s\n", name)
	if b.State != nil {
		st := b.State.GetState()
		fmt.Fprintf(&sb, "Phase: %s\n", st.Phase)
		fmt.Fprintf(&sb, "Samples: %d\n", st.NSamples)
		fmt.Fprintf(&sb, "Features: %d\n", st.NFeatures)
	}
	if len(b.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(b.Labels, ", "))
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %.6g\n", k, extra[k])
	}
	return sb.String()
}
