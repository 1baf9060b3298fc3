package ml

// Predictor is what the serving layer needs from a trained model.
type Predictor interface {
	Predict(texts ...string) ([]Prediction, error)
	PredictProba(text string) (map[string]float64, error)
	Labels() []string
}

type WordExplainer interface {
	Explain(text string) ([]Contribution, error)
}

var (
	_ Predictor     = (*Pipeline)(nil)
	_ WordExplainer = (*Explainer)(nil)
)
