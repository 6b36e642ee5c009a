package dataset

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/YuminosukeSato/realestate/pkg/log"
	"gonum.org/v1/gonum/mat"
)

// ShuffleBufferFactor multiplies the batch size to give the shuffle buffer size.
const ShuffleBufferFactor = 10

// InputParams are supplied by the estimator when it asks for batches.
type InputParams struct {
	BatchSize int
}

// Batch is one step's worth of examples. Labels is nil in predict mode.
type Batch struct {
	Features *mat.Dense
	Labels   []float64
}

// Size returns the number of rows in the batch.
func (b *Batch) Size() int {
	r, _ := b.Features.Dims()
	return r
}

// InputFunc produces a fresh iterator over a dataset each time it is called.
type InputFunc func(ctx context.Context, params InputParams) (*Iterator, error)

type pipelineConfig struct {
	seed uint64
}

// PipelineOption configures NewInputFunc.
type PipelineOption func(*pipelineConfig)

// WithSeed sets the shuffle seed. Epoch e of every iterator uses the stream
// (seed, e), so repeated calls yield the same order.
func WithSeed(seed uint64) PipelineOption {
	return func(c *pipelineConfig) {
		c.seed = seed
	}
}

// NewInputFunc builds an input function over the dataset at path.
//
// Train and eval iterators shuffle each epoch through a buffer of
// ShuffleBufferFactor*BatchSize examples, repeat for epochs and drop the
// final partial batch of each epoch, yielding floor(rows/BatchSize) batches
// per epoch. Predict iterators keep file order and the final partial batch
// so predictions line up with rows. Decoded examples are cached on the first
// call and shared by later iterators. One batch is prefetched.
func NewInputFunc(path string, epochs int, mode Mode, opts ...PipelineOption) InputFunc {
	cfg := pipelineConfig{seed: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		mu    sync.Mutex
		cache []Example
	)
	load := func(ctx context.Context) ([]Example, error) {
		mu.Lock()
		defer mu.Unlock()
		if cache != nil {
			return cache, nil
		}
		examples, err := read(ctx, path, mode)
		if err != nil {
			return nil, err
		}
		cache = examples
		log.GetLoggerWithName("dataset").Debug("Dataset cached",
			log.PathKey, path,
			log.ModeKey, string(mode),
			log.SamplesKey, len(examples),
		)
		return cache, nil
	}

	return func(ctx context.Context, params InputParams) (*Iterator, error) {
		if params.BatchSize <= 0 {
			return nil, errors.NewValueError("dataset.InputFunc", "batch size must be positive")
		}
		if epochs <= 0 {
			return nil, errors.NewValueError("dataset.InputFunc", "epochs must be positive")
		}
		examples, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return newIterator(ctx, examples, epochs, params.BatchSize, mode, cfg.seed), nil
	}
}

// Iterator yields batches produced by a background goroutine.
type Iterator struct {
	ch     chan *Batch
	parent context.Context
	cancel context.CancelFunc
	total  int
	done   bool
}

func newIterator(ctx context.Context, examples []Example, epochs, batchSize int, mode Mode, seed uint64) *Iterator {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)

	perEpoch := len(examples) / batchSize
	if mode == ModePredict && len(examples)%batchSize != 0 {
		perEpoch++
	}
	it := &Iterator{
		ch:     make(chan *Batch, 1),
		parent: parent,
		cancel: cancel,
		total:  perEpoch * epochs,
	}

	go func() {
		defer close(it.ch)
		for epoch := 0; epoch < epochs; epoch++ {
			order := epochOrder(len(examples), batchSize, mode, seed, uint64(epoch))
			for start := 0; start < len(order); start += batchSize {
				end := start + batchSize
				if end > len(order) {
					if mode != ModePredict {
						break
					}
					end = len(order)
				}
				b := assemble(examples, order[start:end], mode)
				select {
				case it.ch <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return it
}

// epochOrder returns the row order for one epoch.
func epochOrder(n, batchSize int, mode Mode, seed, epoch uint64) []int {
	order := make([]int, n)
	if mode == ModePredict {
		for i := range order {
			order[i] = i
		}
		return order
	}

	// Buffer-limited shuffle: fill a buffer, emit a random slot, refill it
	// with the next row in file order.
	rng := rand.New(rand.NewPCG(seed, epoch))
	size := ShuffleBufferFactor * batchSize
	buf := make([]int, 0, size)
	next := 0
	for ; next < n && len(buf) < size; next++ {
		buf = append(buf, next)
	}
	for i := range order {
		j := rng.IntN(len(buf))
		order[i] = buf[j]
		if next < n {
			buf[j] = next
			next++
		} else {
			buf[j] = buf[len(buf)-1]
			buf = buf[:len(buf)-1]
		}
	}
	return order
}

func assemble(examples []Example, rows []int, mode Mode) *Batch {
	features := mat.NewDense(len(rows), FeatureWidth, nil)
	var labels []float64
	if mode.Labeled() {
		labels = make([]float64, len(rows))
	}
	for i, idx := range rows {
		ex := examples[idx]
		for j, v := range ex.Features {
			features.Set(i, j, float64(v))
		}
		if labels != nil {
			labels[i] = float64(ex.Label)
		}
	}
	return &Batch{Features: features, Labels: labels}
}

// Next returns the next batch, or io.EOF when the iterator is exhausted.
// A cancelled context surfaces as its error.
func (it *Iterator) Next() (*Batch, error) {
	if it.done {
		return nil, io.EOF
	}
	b, ok := <-it.ch
	if !ok {
		it.done = true
		if err := it.parent.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return b, nil
}

// Len returns the total number of batches the iterator yields.
func (it *Iterator) Len() int {
	return it.total
}

// Close stops the producer. It is safe to call more than once.
func (it *Iterator) Close() {
	it.cancel()
	for range it.ch {
	}
	it.done = true
}
