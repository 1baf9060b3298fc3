package serving

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"txncat/ml"
	"txncat/pipeline"
)

// ErrBatchTooLarge is returned when a batch exceeds Config.MaxBatch.
var ErrBatchTooLarge = errors.New("serving: batch too large")

type Config struct {
	ExplainTopN int `yaml:"explain_top_n"`
	MaxBatch    int `yaml:"max_batch"`
	Workers     int `yaml:"workers"`
	CacheSize   int `yaml:"cache_size"`
}

func DefaultConfig() Config {
	return Config{
		ExplainTopN: 5,
		MaxBatch:    10000,
		Workers:     runtime.GOMAXPROCS(0),
		CacheSize:   4096,
	}
}

// PredictionEvent describes one served prediction.
type PredictionEvent struct {
	RequestID   string
	Description string
	Category    string
	Confidence  float64
	ArtifactID  string
	Latency     time.Duration
	Cached      bool
	Batch       bool
	Time        time.Time
}

// Observer receives serving events. Implementations must not block.
type Observer interface {
	ObservePrediction(PredictionEvent)
	ObserveModelSwap(ml.Info)
}

// Classification is the result of a single explained prediction.
type Classification struct {
	Category    string            `json:"category"`
	Confidence  float64           `json:"confidence"`
	Explanation []ml.Contribution `json:"explanation"`
	ArtifactID  string            `json:"-"`
}

// Service classifies descriptions with the registry's live pipeline.
type Service struct {
	registry  *Registry
	cache     *Cache
	cfg       Config
	logger    *zap.Logger
	observers []Observer
}

func NewService(registry *Registry, cfg Config, logger *zap.Logger, observers ...Observer) (*Service, error) {
	defaults := DefaultConfig()
	if cfg.ExplainTopN <= 0 {
		cfg.ExplainTopN = defaults.ExplainTopN
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaults.MaxBatch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := NewCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("serving: create cache: %w", err)
	}

	s := &Service{
		registry:  registry,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		observers: observers,
	}
	registry.OnSwap(func(_, current *ml.Pipeline) {
		s.cache.Purge()
		info := current.Info()
		for _, o := range s.observers {
			o.ObserveModelSwap(info)
		}
	})
	return s, nil
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) Config() Config {
	return s.cfg
}

// Classify predicts one description and explains it with the top
// Config.ExplainTopN contributions. amount is accepted for the record only;
// the model reads text alone.
func (s *Service) Classify(ctx context.Context, description string, amount decimal.NullDecimal) (*Classification, error) {
	start := time.Now()
	p, err := s.registry.Current()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey(p.ID(), ml.Normalize(description))
	entry, cached := s.cache.get(key)
	if !cached || entry.explanation == nil {
		explanation, err := ml.NewExplainer(p).Explain(description)
		if err != nil {
			return nil, err
		}
		if !cached {
			entry.prediction, err = p.PredictOne(description)
			if err != nil {
				return nil, err
			}
		}
		entry.explanation = explanation
		s.cache.add(key, entry)
	}

	result := &Classification{
		Category:    entry.prediction.Category,
		Confidence:  entry.prediction.Confidence,
		Explanation: ml.Top(entry.explanation, s.cfg.ExplainTopN),
		ArtifactID:  p.ID(),
	}
	s.notify(PredictionEvent{
		RequestID:   RequestIDFromContext(ctx),
		Description: description,
		Category:    result.Category,
		Confidence:  result.Confidence,
		ArtifactID:  result.ArtifactID,
		Latency:     time.Since(start),
		Cached:      cached,
		Time:        start,
	})
	return result, nil
}

// ClassifyBatch predicts every transaction without explanations. Output
// order matches input order and the whole batch uses one pipeline.
func (s *Service) ClassifyBatch(ctx context.Context, txns []pipeline.Transaction) ([]pipeline.Result, error) {
	if len(txns) > s.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d transactions, limit %d", ErrBatchTooLarge, len(txns), s.cfg.MaxBatch)
	}
	p, err := s.registry.Current()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]pipeline.Result, len(txns))
	cachedFlags := make([]bool, len(txns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range txns {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			txn := txns[i]
			key := cacheKey(p.ID(), ml.Normalize(txn.Description))
			entry, cached := s.cache.get(key)
			if !cached {
				pred, err := p.PredictOne(txn.Description)
				if err != nil {
					return err
				}
				entry = cacheEntry{prediction: pred}
				s.cache.add(key, entry)
			}
			cachedFlags[i] = cached
			results[i] = pipeline.Result{
				Description: txn.Description,
				Amount:      txn.Amount,
				Category:    entry.prediction.Category,
				Confidence:  entry.prediction.Confidence,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	requestID := RequestIDFromContext(ctx)
	latency := time.Since(start)
	if len(results) > 0 {
		latency /= time.Duration(len(results))
	}
	for i, res := range results {
		s.notify(PredictionEvent{
			RequestID:   requestID,
			Description: res.Description,
			Category:    res.Category,
			Confidence:  res.Confidence,
			ArtifactID:  p.ID(),
			Latency:     latency,
			Cached:      cachedFlags[i],
			Batch:       true,
			Time:        start,
		})
	}
	s.logger.Debug("classified batch",
		zap.String("request_id", requestID),
		zap.Int("size", len(results)),
		zap.String("artifact", p.ID()))
	return results, nil
}

// Explain returns the word contributions for text. limit <= 0 returns all
// of them.
func (s *Service) Explain(ctx context.Context, text string, limit int) ([]ml.Contribution, error) {
	p, err := s.registry.Current()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contributions, err := ml.NewExplainer(p).Explain(text)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		contributions = ml.Top(contributions, limit)
	}
	return contributions, nil
}

// Predict returns the prediction without an explanation and without
// notifying observers.
func (s *Service) Predict(text string) (ml.Prediction, error) {
	p, err := s.registry.Current()
	if err != nil {
		return ml.Prediction{}, err
	}
	return p.PredictOne(text)
}

func (s *Service) notify(event PredictionEvent) {
	for _, o := range s.observers {
		o.ObservePrediction(event)
	}
}
