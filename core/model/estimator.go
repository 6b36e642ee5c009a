// Package model は価格モデル全体で共有される契約とライフサイクル管理を提供します。
//
// 線形モデルとニューラルネットワークモデルは同じ PriceModel インターフェースを実装し、
// Base を埋め込むことで入力データの保持とサマリー出力を共有します。
package model

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Metrics は評価結果を表す。キーは "loss", "mse", "mae", "r2" など
type Metrics map[string]float64

// PriceModel は全ての価格モデルが満たす統一的な契約
type PriceModel interface {
	// Fit はモデルを訓練データで学習させる
	Fit(ctx context.Context, X, y mat.Matrix) error

	// Evaluate は損失と評価指標を返す
	Evaluate(ctx context.Context, X, y mat.Matrix) (Metrics, error)

	// Score は決定係数（R²）を返す
	Score(ctx context.Context, X, y mat.Matrix) (float64, error)
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測を行う
	Predict(ctx context.Context, X mat.Matrix) (mat.Matrix, error)
}

// Transformer はデータ変換のインターフェース
type Transformer interface {
	// Fit は変換に必要なパラメータを学習する
	Fit(X mat.Matrix) error

	// Transform はデータを変換する
	Transform(X mat.Matrix) (mat.Matrix, error)

	// FitTransform はFitとTransformを同時に実行する
	FitTransform(X mat.Matrix) (mat.Matrix, error)
}

// ParameterGetter はハイパーパラメータを公開するモデルのインターフェース
type ParameterGetter interface {
	GetParams() map[string]interface{}
}
