package ml

import "sort"

// Contribution is the signed share of one word in the predicted label's
// score.
type Contribution struct {
	Word  string  `json:"word"`
	Score float64 `json:"score"`
}

// Explainer attributes a pipeline's prediction to the words of the input.
//
// For a linear model the exact attribution of feature i toward class c is
// coef[c][i] * x[i]; this equals the Shapley value against an all-zero
// background because the score is additive in its features.
type Explainer struct {
	pipeline *Pipeline
}

func NewExplainer(p *Pipeline) *Explainer {
	return &Explainer{pipeline: p}
}

// Explain returns every known word of text ranked by its contribution to the
// predicted label, highest first. Text without known words yields an empty
// slice.
func (e *Explainer) Explain(text string) ([]Contribution, error) {
	if e == nil {
		return nil, ErrUntrained
	}
	p := e.pipeline
	if err := p.ready(); err != nil {
		return nil, err
	}

	x := p.vectorizer.Transform(text)
	if x.IsZero() {
		return []Contribution{}, nil
	}
	class, _ := p.classifier.predict(x)
	row := p.classifier.coef[class]

	contributions := make([]Contribution, 0, x.Len())
	for k, idx := range x.Indices {
		word, _ := p.vectorizer.Term(idx)
		contributions = append(contributions, Contribution{
			Word:  word,
			Score: row[idx] * x.Values[k],
		})
	}
	sort.Slice(contributions, func(i, j int) bool {
		if contributions[i].Score != contributions[j].Score {
			return contributions[i].Score > contributions[j].Score
		}
		return contributions[i].Word < contributions[j].Word
	})
	return contributions, nil
}

// Top truncates a ranked explanation to at most n entries. n <= 0 keeps
// everything.
func Top(contributions []Contribution, n int) []Contribution {
	if n <= 0 || len(contributions) <= n {
		return contributions
	}
	return contributions[:n]
}
