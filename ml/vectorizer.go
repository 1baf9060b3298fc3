package ml

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
)

var (
	ErrEmptyVocabulary = errors.New("ml: empty vocabulary")
	tokenPattern       = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]{2,}`)
)

// Tokenize splits normalized text into maximal runs of at least two word
// characters. Single-character fragments ("don t" -> "t") carry no signal
// and are dropped.
func Tokenize(normalized string) []string {
	return tokenPattern.FindAllString(normalized, -1)
}

// FeatureVector is a sparse TF-IDF vector. Indices are ascending and every
// stored value is positive.
type FeatureVector struct {
	Indices []int     `json:"indices"`
	Values  []float64 `json:"values"`
}

func (fv FeatureVector) IsZero() bool {
	return len(fv.Indices) == 0
}

func (fv FeatureVector) Len() int {
	return len(fv.Indices)
}

// Dense expands the vector to size entries.
func (fv FeatureVector) Dense(size int) []float64 {
	dense := make([]float64, size)
	for k, idx := range fv.Indices {
		if idx < size {
			dense[idx] = fv.Values[k]
		}
	}
	return dense
}

// Vectorizer maps text onto a frozen vocabulary with smoothed IDF weights.
// It is read-only after construction.
type Vectorizer struct {
	vocabulary map[string]int
	terms      []string
	idf        []float64
}

// FitVectorizer builds the vocabulary and IDF table from corpus. Terms are
// indexed in sorted order so the same corpus always yields the same indices.
func FitVectorizer(corpus []string) (*Vectorizer, error) {
	docFreq := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]struct{})
		for _, token := range Tokenize(Normalize(doc)) {
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			docFreq[token]++
		}
	}
	if len(docFreq) == 0 {
		return nil, ErrEmptyVocabulary
	}

	terms := make([]string, 0, len(docFreq))
	for term := range docFreq {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	n := float64(len(corpus))
	idf := make([]float64, len(terms))
	for i, term := range terms {
		idf[i] = math.Log((1+n)/(1+float64(docFreq[term]))) + 1
	}
	return newVectorizer(terms, idf)
}

func newVectorizer(terms []string, idf []float64) (*Vectorizer, error) {
	if len(terms) == 0 {
		return nil, ErrEmptyVocabulary
	}
	if len(terms) != len(idf) {
		return nil, fmt.Errorf("ml: %d terms but %d idf weights", len(terms), len(idf))
	}
	vocabulary := make(map[string]int, len(terms))
	for i, term := range terms {
		if _, dup := vocabulary[term]; dup {
			return nil, fmt.Errorf("ml: duplicate term %q", term)
		}
		vocabulary[term] = i
	}
	return &Vectorizer{
		vocabulary: vocabulary,
		terms:      append([]string(nil), terms...),
		idf:        append([]float64(nil), idf...),
	}, nil
}

// Transform normalizes and tokenizes text, weights each known term by raw
// count times IDF and L2-normalizes the result. Unknown terms are dropped.
func (v *Vectorizer) Transform(text string) FeatureVector {
	counts := make(map[int]float64)
	for _, token := range Tokenize(Normalize(text)) {
		if idx, ok := v.vocabulary[token]; ok {
			counts[idx]++
		}
	}
	if len(counts) == 0 {
		return FeatureVector{}
	}

	indices := make([]int, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	values := make([]float64, len(indices))
	norm := 0.0
	for k, idx := range indices {
		values[k] = counts[idx] * v.idf[idx]
		norm += values[k] * values[k]
	}
	norm = math.Sqrt(norm)
	for k := range values {
		values[k] /= norm
	}
	return FeatureVector{Indices: indices, Values: values}
}

func (v *Vectorizer) TransformAll(texts []string) []FeatureVector {
	vectors := make([]FeatureVector, len(texts))
	for i, text := range texts {
		vectors[i] = v.Transform(text)
	}
	return vectors
}

func (v *Vectorizer) Size() int {
	return len(v.terms)
}

func (v *Vectorizer) Term(idx int) (string, bool) {
	if idx < 0 || idx >= len(v.terms) {
		return "", false
	}
	return v.terms[idx], true
}

func (v *Vectorizer) Index(term string) (int, bool) {
	idx, ok := v.vocabulary[term]
	return idx, ok
}

// Terms returns a copy of the vocabulary in index order.
func (v *Vectorizer) Terms() []string {
	return append([]string(nil), v.terms...)
}

func (v *Vectorizer) IDF() []float64 {
	return append([]float64(nil), v.idf...)
}
