package linear

// Option is a function that configures a linear price model
type Option func(*solver)

// WithFitIntercept sets whether to calculate the intercept
func WithFitIntercept(fit bool) Option {
	return func(s *solver) {
		s.fitIntercept = fit
	}
}

// WithCopyX sets whether to center a copy of X instead of X itself
func WithCopyX(copy bool) Option {
	return func(s *solver) {
		s.copyX = copy
	}
}

// WithAlpha sets the L2 penalty. RidgeModel defaults to RidgeAlpha.
func WithAlpha(alpha float64) Option {
	return func(s *solver) {
		s.alpha = alpha
	}
}

// WithLabels names the feature columns
func WithLabels(labels ...string) Option {
	return func(s *solver) {
		s.labels = labels
	}
}

// WithParallelThreshold sets the row count above which centering runs in parallel
func WithParallelThreshold(rows int) Option {
	return func(s *solver) {
		s.parallelThreshold = rows
	}
}
