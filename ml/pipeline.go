package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	artifactFormat  = "txncat-pipeline"
	artifactVersion = 1
)

type Prediction struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Info describes a trained artifact.
type Info struct {
	ID             string           `json:"id"`
	CreatedAt      time.Time        `json:"created_at"`
	Labels         []string         `json:"labels"`
	VocabularySize int              `json:"vocabulary_size"`
	Samples        int              `json:"samples"`
	Regression     RegressionConfig `json:"regression"`
	Fit            FitStatus        `json:"fit"`
}

type TrainOptions struct {
	Regression RegressionConfig
}

// Pipeline couples the vectorizer and the classifier trained on its output.
// It is immutable once built and safe for concurrent use.
type Pipeline struct {
	info       Info
	vectorizer *Vectorizer
	classifier *LogisticRegression
}

// Train fits the vectorizer on texts and the classifier on the resulting
// feature vectors.
func Train(texts, labels []string, opts TrainOptions) (*Pipeline, error) {
	if len(texts) != len(labels) {
		return nil, fmt.Errorf("ml: %d texts but %d labels", len(texts), len(labels))
	}
	vectorizer, err := FitVectorizer(texts)
	if err != nil {
		return nil, err
	}
	X := vectorizer.TransformAll(texts)
	cfg := opts.Regression.withDefaults()
	classifier, err := FitLogisticRegression(X, labels, vectorizer.Size(), cfg)
	if err != nil {
		return nil, err
	}

	p, err := NewPipeline(vectorizer, classifier)
	if err != nil {
		return nil, err
	}
	p.info.Samples = len(texts)
	p.info.Regression = cfg
	p.info.Fit = classifier.Status()
	return p, nil
}

// NewPipeline assembles a pipeline from fitted parts and assigns it a new
// artifact ID.
func NewPipeline(vectorizer *Vectorizer, classifier *LogisticRegression) (*Pipeline, error) {
	if vectorizer == nil || classifier == nil {
		return nil, ErrUntrained
	}
	if classifier.NumFeatures() != vectorizer.Size() {
		return nil, fmt.Errorf("ml: classifier has %d features but vocabulary has %d", classifier.NumFeatures(), vectorizer.Size())
	}
	return &Pipeline{
		info: Info{
			ID:             uuid.NewString(),
			CreatedAt:      time.Now().UTC(),
			Labels:         classifier.Labels(),
			VocabularySize: vectorizer.Size(),
		},
		vectorizer: vectorizer,
		classifier: classifier,
	}, nil
}

func (p *Pipeline) ready() error {
	if p == nil || p.vectorizer == nil || p.classifier == nil {
		return ErrUntrained
	}
	return nil
}

// Predict classifies each text independently; results keep input order.
func (p *Pipeline) Predict(texts ...string) ([]Prediction, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	results := make([]Prediction, len(texts))
	for i, text := range texts {
		class, probs := p.classifier.predict(p.vectorizer.Transform(text))
		results[i] = Prediction{
			Category:   p.classifier.labels[class],
			Confidence: probs[class],
		}
	}
	return results, nil
}

func (p *Pipeline) PredictOne(text string) (Prediction, error) {
	results, err := p.Predict(text)
	if err != nil {
		return Prediction{}, err
	}
	return results[0], nil
}

func (p *Pipeline) PredictProba(text string) (map[string]float64, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.classifier.PredictProba(p.vectorizer.Transform(text)), nil
}

func (p *Pipeline) Labels() []string {
	if p.ready() != nil {
		return nil
	}
	return p.classifier.Labels()
}

func (p *Pipeline) Info() Info {
	if p == nil {
		return Info{}
	}
	info := p.info
	info.Labels = append([]string(nil), p.info.Labels...)
	return info
}

func (p *Pipeline) ID() string {
	if p == nil {
		return ""
	}
	return p.info.ID
}

func (p *Pipeline) Vectorizer() *Vectorizer {
	if p == nil {
		return nil
	}
	return p.vectorizer
}

func (p *Pipeline) Classifier() *LogisticRegression {
	if p == nil {
		return nil
	}
	return p.classifier
}

type artifact struct {
	Format     string           `json:"format"`
	Version    int              `json:"version"`
	ID         string           `json:"id"`
	CreatedAt  time.Time        `json:"created_at"`
	Samples    int              `json:"samples"`
	Regression RegressionConfig `json:"regression"`
	Fit        FitStatus        `json:"fit"`
	Vocabulary []string         `json:"vocabulary"`
	IDF        []float64        `json:"idf"`
	Labels     []string         `json:"labels"`
	Coef       [][]float64      `json:"coef"`
	Intercept  []float64        `json:"intercept"`
}

// Save writes the whole artifact to a temporary file next to path and
// renames it into place, so readers see either the old or the new file.
func (p *Pipeline) Save(path string) error {
	if err := p.ready(); err != nil {
		return err
	}
	payload, err := json.Marshal(artifact{
		Format:     artifactFormat,
		Version:    artifactVersion,
		ID:         p.info.ID,
		CreatedAt:  p.info.CreatedAt,
		Samples:    p.info.Samples,
		Regression: p.info.Regression,
		Fit:        p.info.Fit,
		Vocabulary: p.vectorizer.terms,
		IDF:        p.vectorizer.idf,
		Labels:     p.classifier.labels,
		Coef:       p.classifier.coef,
		Intercept:  p.classifier.intercept,
	})
	if err != nil {
		return fmt.Errorf("ml: encode pipeline: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadPipeline restores a pipeline written by Save. Every failure is a
// *LoadError.
func LoadPipeline(path string) (*Pipeline, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	p, err := decodeArtifact(payload)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return p, nil
}

func decodeArtifact(payload []byte) (*Pipeline, error) {
	var a artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	if a.Format != artifactFormat || a.Version != artifactVersion {
		return nil, fmt.Errorf("%w: format %q version %d", ErrArtifactVersion, a.Format, a.Version)
	}
	if !finite(a.IDF) || !finite(a.Intercept) {
		return nil, fmt.Errorf("%w: non-finite weights", ErrArtifactCorrupt)
	}
	for _, row := range a.Coef {
		if !finite(row) {
			return nil, fmt.Errorf("%w: non-finite weights", ErrArtifactCorrupt)
		}
	}

	vectorizer, err := newVectorizer(a.Vocabulary, a.IDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	classifier, err := newLogisticRegression(a.Labels, a.Coef, a.Intercept)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	if classifier.NumFeatures() != vectorizer.Size() {
		return nil, fmt.Errorf("%w: classifier has %d features but vocabulary has %d",
			ErrArtifactCorrupt, classifier.NumFeatures(), vectorizer.Size())
	}
	if a.ID == "" {
		return nil, fmt.Errorf("%w: missing artifact id", ErrArtifactCorrupt)
	}
	classifier.status = a.Fit

	return &Pipeline{
		info: Info{
			ID:             a.ID,
			CreatedAt:      a.CreatedAt,
			Labels:         classifier.Labels(),
			VocabularySize: vectorizer.Size(),
			Samples:        a.Samples,
			Regression:     a.Regression,
			Fit:            a.Fit,
		},
		vectorizer: vectorizer,
		classifier: classifier,
	}, nil
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
