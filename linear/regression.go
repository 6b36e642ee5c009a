// Package linear provides the closed-form price models: ordinary least
// squares (LinearModel) and L2-penalized least squares (RidgeModel).
package linear

import (
	"context"
	"io"

	"github.com/YuminosukeSato/realestate/core/model"
	"github.com/YuminosukeSato/realestate/core/parallel"
	"github.com/YuminosukeSato/realestate/metrics"
	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/YuminosukeSato/realestate/pkg/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// RidgeAlpha は RidgeModel のデフォルトの正則化強度
const RidgeAlpha = 0.1

// defaultParallelThreshold 以下の行数では中心化を逐次処理する
const defaultParallelThreshold = 1000

var (
	_ model.PriceModel = (*LinearModel)(nil)
	_ model.PriceModel = (*RidgeModel)(nil)
)

// solver は LinearModel と RidgeModel に共通する最小二乗ソルバー
type solver struct {
	model.Base

	name              string
	fitIntercept      bool
	copyX             bool
	alpha             float64
	labels            []string
	parallelThreshold int

	Weights   *mat.VecDense // 重み（係数）
	Intercept float64       // 切片
	NFeatures int           // 特徴量の数

	logger log.Logger
}

func newSolver(name string, alpha float64, opts []Option) solver {
	s := solver{
		Base:              model.NewBase(),
		name:              name,
		fitIntercept:      true,
		copyX:             true,
		alpha:             alpha,
		parallelThreshold: defaultParallelThreshold,
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = log.GetLoggerWithName("linear").With(log.ModelNameKey, name)
	return s
}

// LinearModel は通常の最小二乗法による線形価格モデル
type LinearModel struct {
	solver
}

// NewLinearModel は新しい LinearModel を作成する。WithAlpha は無視される。
func NewLinearModel(opts ...Option) *LinearModel {
	m := &LinearModel{solver: newSolver("LinearModel", 0, opts)}
	m.alpha = 0
	return m
}

// RidgeModel は L2 正則化付き最小二乗法による線形価格モデル
//
// 切片は正則化しない。
type RidgeModel struct {
	solver
}

// NewRidgeModel は alpha = RidgeAlpha の RidgeModel を作成する
func NewRidgeModel(opts ...Option) *RidgeModel {
	return &RidgeModel{solver: newSolver("RidgeModel", RidgeAlpha, opts)}
}

// Fit はモデルを訓練データで学習させる
//
// 切片を推定する場合は X と y を中心化してから解く。
// alpha = 0 では QR 分解による最小二乗解、alpha > 0 では
// (X^T X + alpha I) w = X^T y を Cholesky 分解で解く。
func (s *solver) Fit(ctx context.Context, X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, s.name+".Fit")

	if s.alpha < 0 {
		return errors.NewConfigError("alpha", "must not be negative", s.alpha)
	}
	if err := s.SetupSelf(X, y, s.labels); err != nil {
		return err
	}
	r, c := X.Dims()
	if _, cy := y.Dims(); cy != 1 {
		return errors.NewValueError(s.name+".Fit", "y must be a column vector")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// 中心化はコピーに対して行う。copyX=false かつ *mat.Dense の場合は
	// その場で中心化し、終了時に元に戻す。
	Xw, inPlace := X.(*mat.Dense)
	if s.copyX || !inPlace {
		Xw = mat.DenseCopyOf(X)
		inPlace = false
	}
	yc := mat.NewVecDense(r, mat.Col(nil, 0, y))

	xMean := make([]float64, c)
	var yMean float64
	if s.fitIntercept {
		for j := range xMean {
			xMean[j] = stat.Mean(mat.Col(nil, j, Xw), nil)
		}
		yMean = stat.Mean(yc.RawVector().Data, nil)
		s.shift(Xw, xMean, -1)
		for i := 0; i < r; i++ {
			yc.SetVec(i, yc.AtVec(i)-yMean)
		}
		if inPlace {
			defer s.shift(Xw, xMean, 1)
		}
	}

	weights, err := s.solve(Xw, yc)
	if err != nil {
		return err
	}
	if err := errors.CheckNumericalStability(s.name+".Fit", weights.RawVector().Data, 0); err != nil {
		return err
	}

	s.Weights = weights
	s.NFeatures = c
	s.Intercept = 0
	if s.fitIntercept {
		s.Intercept = yMean - floats.Dot(xMean, weights.RawVector().Data)
	}
	s.State.SetFitted()

	s.logger.Info("Model fitted",
		log.OperationKey, log.OperationFit,
		log.SamplesKey, r,
		log.FeaturesKey, c,
	)
	return nil
}

// shift は各行に sign*offset を加える
func (s *solver) shift(X *mat.Dense, offset []float64, sign float64) {
	r, _ := X.Dims()
	parallel.ParallelizeWithThreshold(r, s.parallelThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			floats.AddScaled(X.RawRowView(i), sign, offset)
		}
	})
}

func (s *solver) solve(X *mat.Dense, y *mat.VecDense) (*mat.VecDense, error) {
	_, c := X.Dims()
	w := mat.NewVecDense(c, nil)

	if s.alpha == 0 {
		err := w.SolveVec(X, y)
		var cond mat.Condition
		switch {
		case errors.As(err, &cond):
			s.logger.Warn("Design matrix is singular", "condition", float64(cond))
			return nil, errors.NewModelError(s.name+".Fit", "singular matrix", errors.ErrSingularMatrix)
		case err != nil:
			return nil, errors.NewModelError(s.name+".Fit", "least squares failed", err)
		}
		return w, nil
	}

	// X^T X + alpha I
	gram := mat.NewSymDense(c, nil)
	gram.SymOuterK(1, X.T())
	for j := 0; j < c; j++ {
		gram.SetSym(j, j, gram.At(j, j)+s.alpha)
	}
	var xty mat.VecDense
	xty.MulVec(X.T(), y)

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, errors.NewModelError(s.name+".Fit", "singular matrix", errors.ErrSingularMatrix)
	}
	if err := chol.SolveVecTo(w, &xty); err != nil {
		return nil, errors.NewModelError(s.name+".Fit", "cholesky solve failed", err)
	}
	return w, nil
}

// Predict は入力データに対する予測を行う
func (s *solver) Predict(ctx context.Context, X mat.Matrix) (mat.Matrix, error) {
	if err := s.State.RequireFitted(s.name, "Predict"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, errors.NewDimensionError(s.name+".Predict", s.NFeatures, c, 1)
	}

	// 予測: y = X * weights + intercept
	var out mat.VecDense
	out.MulVec(X, s.Weights)
	predictions := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		predictions.Set(i, 0, out.AtVec(i)+s.Intercept)
	}
	return predictions, nil
}

func (s *solver) pair(ctx context.Context, method string, X, y mat.Matrix) (*mat.VecDense, *mat.VecDense, error) {
	if err := s.State.RequireFitted(s.name, method); err != nil {
		return nil, nil, err
	}
	r, _ := X.Dims()
	if ry, _ := y.Dims(); ry != r {
		return nil, nil, errors.NewDimensionError(s.name+"."+method, r, ry, 0)
	}
	pred, err := s.Predict(ctx, X)
	if err != nil {
		return nil, nil, err
	}
	return mat.NewVecDense(r, mat.Col(nil, 0, y)), mat.NewVecDense(r, mat.Col(nil, 0, pred)), nil
}

// Evaluate は mse, mae, r2 を返す
func (s *solver) Evaluate(ctx context.Context, X, y mat.Matrix) (model.Metrics, error) {
	yTrue, yPred, err := s.pair(ctx, "Evaluate", X, y)
	if err != nil {
		return nil, err
	}
	mse, err := metrics.MSE(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	mae, err := metrics.MAE(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	r2, err := metrics.R2Score(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Model evaluated",
		log.OperationKey, log.OperationEvaluate,
		log.MSEKey, mse,
		log.MAEKey, mae,
		log.R2ScoreKey, r2,
	)
	return model.Metrics{"mse": mse, "mae": mae, "r2": r2}, nil
}

// Score はモデルの決定係数（R²）を計算する
func (s *solver) Score(ctx context.Context, X, y mat.Matrix) (float64, error) {
	yTrue, yPred, err := s.pair(ctx, "Score", X, y)
	if err != nil {
		return 0, err
	}
	return metrics.R2Score(yTrue, yPred)
}

// GetWeights は学習された重み（係数）を返す
func (s *solver) GetWeights() []float64 {
	if s.Weights == nil {
		return nil
	}
	return mat.Col(nil, 0, s.Weights)
}

// GetIntercept は学習された切片を返す
func (s *solver) GetIntercept() float64 {
	if !s.State.IsFitted() {
		return 0
	}
	return s.Intercept
}

// GetParams はハイパーパラメータを返す
func (s *solver) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"alpha":         s.alpha,
		"fit_intercept": s.fitIntercept,
		"copy_X":        s.copyX,
	}
}

// ModelWeights は係数をシリアライズ用の形式で返す
func (s *solver) ModelWeights() *model.ModelWeights {
	return &model.ModelWeights{
		ModelType:       s.name,
		Coefficients:    s.GetWeights(),
		Intercept:       s.GetIntercept(),
		Features:        s.Labels,
		Hyperparameters: s.GetParams(),
		IsFitted:        s.State.IsFitted(),
	}
}

// SetModelWeights は係数を読み込み、モデルを学習済みにする
func (s *solver) SetModelWeights(w *model.ModelWeights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.ModelType != s.name {
		return errors.NewValueError(s.name+".SetModelWeights", "weights were exported from "+w.ModelType)
	}
	if !w.IsFitted {
		return errors.NewNotFittedError(w.ModelType, "SetModelWeights")
	}
	s.Weights = mat.NewVecDense(len(w.Coefficients), append([]float64(nil), w.Coefficients...))
	s.Intercept = w.Intercept
	s.NFeatures = len(w.Coefficients)
	s.Labels = w.Features
	s.State.SetFitted()
	s.State.SetDimensions(s.NFeatures, 0)
	return nil
}

// ExportWeights は係数を JSON で書き出す
func (s *solver) ExportWeights(w io.Writer) error {
	if err := s.State.RequireFitted(s.name, "ExportWeights"); err != nil {
		return err
	}
	data, err := s.ModelWeights().ToJSON()
	if err != nil {
		return errors.Wrap(err, "failed to encode weights")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write weights")
	}
	return nil
}

// ImportWeights は ExportWeights が書き出した JSON を読み込む
func (s *solver) ImportWeights(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "failed to read weights")
	}
	var w model.ModelWeights
	if err := w.FromJSON(data); err != nil {
		return errors.Wrap(err, "failed to decode weights")
	}
	return s.SetModelWeights(&w)
}

// Summary は係数と切片を含むモデルのサマリーを返す
func (s *solver) Summary() string {
	extra := map[string]float64{}
	if s.State.IsFitted() {
		for i, w := range s.GetWeights() {
			if i < len(s.Labels) {
				extra[s.Labels[i]] = w
			}
		}
		extra["intercept"] = s.Intercept
	}
	return s.Base.Summary(s.name, extra)
}
