package errors

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelError(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		kind    string
		err     error
		wantMsg string
	}{
		{
			name:    "with original error",
			op:      "Fit",
			kind:    "invalid input",
			err:     fmt.Errorf("test error"),
			wantMsg: "realestate: Fit: invalid input: test error",
		},
		{
			name:    "without original error",
			op:      "Score",
			kind:    "not fitted",
			err:     nil,
			wantMsg: "realestate: Score: not fitted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewModelError(tt.op, tt.kind, tt.err)

			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.wantMsg)
			}

			// スタックトレースの存在確認
			formatted := fmt.Sprintf("%+v", err)
			if !strings.Contains(formatted, "errors_test.go") {
				t.Error("Expected stack trace to contain test file name")
			}

			var modelErr *ModelError
			if !As(err, &modelErr) {
				t.Error("Error should be castable to *ModelError")
			}
		})
	}
}

func TestConfigErrorsMatchSentinel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"config", NewConfigError("dropout_fractions", "must match layers", 3)},
		{"unsupported option", NewUnsupportedOptionError("max_norm", "ClipByValue", "accelerator", "1.8.0")},
		{"version mismatch", NewVersionMismatchError("1.8.0", "1.9.0")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, Is(tt.err, ErrInvalidConfig))
			assert.True(t, Is(Wrap(tt.err, "NewRegressor"), ErrInvalidConfig))
		})
	}

	assert.False(t, Is(NewValueError("op", "bad"), ErrInvalidConfig))
}

func TestUnsupportedOptionErrorNamesOption(t *testing.T) {
	err := NewUnsupportedOptionError("max_norm", "ClipByValue", "accelerator", "1.8.0")

	var optErr *UnsupportedOptionError
	require.True(t, As(err, &optErr))
	assert.Equal(t, "max_norm", optErr.Option)
	assert.Contains(t, err.Error(), `"max_norm"`)
	assert.Contains(t, err.Error(), "ClipByValue")
}

func TestVersionMismatchError(t *testing.T) {
	err := NewVersionMismatchError("1.8.0", "1.9.0")
	assert.Equal(t, "realestate: only framework version 1.8.0 is supported, got 1.9.0", err.Error())
}

func TestNewDimensionError(t *testing.T) {
	err := NewDimensionError("Write", 10, 8, 0)

	want := "realestate: Write: dimension mismatch on axis 0 (rows). Expected 10, got 8"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var dimErr *DimensionError
	if !As(err, &dimErr) {
		t.Error("Error should be castable to *DimensionError")
	}
}

func TestNewNotFittedError(t *testing.T) {
	err := NewNotFittedError("Regressor", "Score")

	want := "realestate: Regressor: this model is not fitted yet. Call Fit() before using Score()"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestWarnUsesHandler(t *testing.T) {
	var got []error
	SetWarningHandler(func(w error) { got = append(got, w) })
	defer SetWarningHandler(func(error) {})

	Warn(NewUndefinedMetricWarning("r2", "zero total sum of squares", 0))
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Error(), "'r2' is ill-defined")
}

func TestCheckScalar(t *testing.T) {
	assert.NoError(t, CheckScalar("loss", 1.5, 3))

	err := CheckScalar("loss", math.NaN(), 3)
	var numErr *NumericalInstabilityError
	require.True(t, As(err, &numErr))
	assert.Equal(t, 3, numErr.Iteration)
}

func TestCheckNumericalStability(t *testing.T) {
	assert.NoError(t, CheckNumericalStability("weights", []float64{1, 2, 3}, 0))
	err := CheckNumericalStability("weights", []float64{1, math.Inf(1), 3}, 0)
	assert.Contains(t, err.Error(), "weights")
}

func TestClipValue(t *testing.T) {
	assert.Equal(t, 1.0, ClipValue(3, -1, 1))
	assert.Equal(t, -1.0, ClipValue(-3, -1, 1))
	assert.Equal(t, 0.25, ClipValue(0.25, -1, 1))
}

func TestRecover(t *testing.T) {
	fn := func() (err error) {
		defer Recover(&err, "Estimator.Train")
		panic("index out of range")
	}

	err := fn()
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "Estimator.Train", panicErr.Operation)
	assert.NotEmpty(t, panicErr.StackTrace)
	assert.Equal(t, "panic in Estimator.Train: index out of range", err.Error())

	assert.NoError(t, SafeExecute("noop", func() error { return nil }))
}
