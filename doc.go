// Package realestate trains price regression models for real-estate listings.
//
// A listing is a row of 16 numeric features and a single price label. The
// module offers three models behind the same model.PriceModel interface:
//
//   - linear.NewLinearModel: ordinary least squares
//   - linear.NewRidgeModel: L2 regularized least squares
//   - neural.NewRegressor: a fully connected network trained from record files
//
// # Quick Start
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/YuminosukeSato/realestate/neural"
//	)
//
//	func main() {
//	    cfg := neural.NewConfig(
//	        neural.WithLayers(64, 32),
//	        neural.WithTraining(10, 32, 0.2),
//	    )
//	    reg, err := neural.NewRegressor(cfg)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := reg.Fit(context.Background(), X, y); err != nil {
//	        log.Fatal(err)
//	    }
//	    score, _ := reg.Score(context.Background(), Xtest, ytest)
//	    fmt.Println("R2:", score)
//	}
//
// # Packages
//
//   - dataset: record file codec and the batched input pipeline
//   - neural: network builder, training controller, hooks and accelerator target
//   - linear: LinearModel and RidgeModel
//   - metrics: MSE, MAE, R² and their streaming forms
//   - preprocessing: feature standardization
//   - core/model: model interfaces, lifecycle state and checkpoint storage
//   - core/parallel: CPU parallel helpers
//   - pkg/errors: structured errors and warnings
//   - pkg/log: structured logging on zerolog
//   - pkg/tfrecord: framed record I/O and the example protobuf encoding
//
// # Training on an accelerator
//
//	cfg := neural.NewConfig(neural.WithAccelerator("tpu-0", 8, neural.SupportedFrameworkVersion))
//	reg, err := neural.NewRegressor(cfg, neural.WithTarget(neural.TargetAccelerator))
//
// The accelerator target rejects options that depend on value clipping, such
// as max_norm, and requires the batch size to divide evenly across shards.
package realestate
