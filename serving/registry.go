// Package serving holds the live pipeline and classifies requests against it.
package serving

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"txncat/ml"
)

// ErrModelUnavailable is returned while no pipeline has been loaded.
var ErrModelUnavailable = errors.New("serving: model unavailable")

// SwapFunc is called after a new pipeline is installed. old is nil on the
// first load.
type SwapFunc func(old, current *ml.Pipeline)

// Registry holds the pipeline used for serving. Readers never block; a
// reload builds the new pipeline off to the side and swaps the pointer.
type Registry struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[ml.Pipeline]

	mu     sync.Mutex
	onSwap []SwapFunc
}

func NewRegistry(path string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{path: path, logger: logger}
}

func (r *Registry) Path() string {
	return r.path
}

// Current returns the live pipeline or ErrModelUnavailable.
func (r *Registry) Current() (*ml.Pipeline, error) {
	p := r.current.Load()
	if p == nil {
		return nil, ErrModelUnavailable
	}
	return p, nil
}

func (r *Registry) Loaded() bool {
	return r.current.Load() != nil
}

// Load reads the artifact from disk. On failure the previous pipeline, if
// any, stays live and the *ml.LoadError is returned.
func (r *Registry) Load() (*ml.Pipeline, error) {
	p, err := ml.LoadModel(r.path)
	if err != nil {
		r.logger.Error("failed to load model",
			zap.String("path", r.path),
			zap.Bool("keeping_previous", r.Loaded()),
			zap.Error(err))
		return nil, err
	}
	r.Swap(p)
	return p, nil
}

// Swap installs p and returns the pipeline it replaced. A nil p is ignored.
func (r *Registry) Swap(p *ml.Pipeline) *ml.Pipeline {
	if p == nil {
		return r.current.Load()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Swap(p)
	fields := []zap.Field{
		zap.String("artifact", p.ID()),
		zap.Int("labels", len(p.Labels())),
	}
	if old != nil {
		fields = append(fields, zap.String("previous", old.ID()))
	}
	r.logger.Info("model swapped", fields...)

	for _, fn := range r.onSwap {
		fn(old, p)
	}
	return old
}

// OnSwap registers fn to run after every successful swap. Callbacks run
// synchronously and in registration order.
func (r *Registry) OnSwap(fn SwapFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onSwap = append(r.onSwap, fn)
}
