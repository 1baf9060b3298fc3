package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

var ErrSingleClass = errors.New("ml: need at least two distinct labels")

type RegressionConfig struct {
	C             float64 `json:"c" yaml:"c"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations"`
	Tolerance     float64 `json:"tolerance" yaml:"tolerance"`
	Balanced      bool    `json:"balanced" yaml:"balanced"`
}

func DefaultRegressionConfig() RegressionConfig {
	return RegressionConfig{
		C:             1.0,
		MaxIterations: 1000,
		Tolerance:     1e-4,
		Balanced:      true,
	}
}

// withDefaults fills unset fields. A zero config means all defaults,
// including balanced weighting.
func (c RegressionConfig) withDefaults() RegressionConfig {
	def := DefaultRegressionConfig()
	if c == (RegressionConfig{}) {
		return def
	}
	if c.C <= 0 {
		c.C = def.C
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.Tolerance <= 0 {
		c.Tolerance = def.Tolerance
	}
	return c
}

type FitStatus struct {
	Iterations int     `json:"iterations"`
	Loss       float64 `json:"loss"`
	Status     string  `json:"status"`
	Converged  bool    `json:"converged"`
}

// LogisticRegression is a multinomial linear model: one coefficient row and
// one intercept per label. Labels are kept in sorted order.
type LogisticRegression struct {
	labels    []string
	coef      [][]float64
	intercept []float64
	status    FitStatus
}

// FitLogisticRegression minimizes the sample-weighted softmax cross entropy
// plus an L2 penalty on the coefficients with L-BFGS. With cfg.Balanced every
// label contributes the same total weight regardless of its frequency.
func FitLogisticRegression(X []FeatureVector, y []string, nFeatures int, cfg RegressionConfig) (*LogisticRegression, error) {
	if len(X) == 0 {
		return nil, errors.New("ml: no training samples")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("ml: %d samples but %d labels", len(X), len(y))
	}
	if nFeatures <= 0 {
		return nil, errors.New("ml: feature count must be positive")
	}
	cfg = cfg.withDefaults()

	labels := distinctSorted(y)
	if len(labels) < 2 {
		return nil, ErrSingleClass
	}
	classOf := make(map[string]int, len(labels))
	for i, label := range labels {
		classOf[label] = i
	}

	targets := make([]int, len(y))
	counts := make([]int, len(labels))
	for i, label := range y {
		targets[i] = classOf[label]
		counts[targets[i]]++
		for _, idx := range X[i].Indices {
			if idx < 0 || idx >= nFeatures {
				return nil, fmt.Errorf("ml: sample %d has feature %d outside [0, %d)", i, idx, nFeatures)
			}
		}
	}

	weights := make([]float64, len(y))
	sumW := 0.0
	for i, class := range targets {
		weights[i] = 1
		if cfg.Balanced {
			weights[i] = float64(len(y)) / (float64(len(labels)) * float64(counts[class]))
		}
		sumW += weights[i]
	}

	obj := &softmaxObjective{
		x:        X,
		y:        targets,
		w:        weights,
		classes:  len(labels),
		features: nFeatures,
		sumW:     sumW,
		lambda:   1 / (cfg.C * sumW),
	}
	problem := optimize.Problem{Func: obj.Func, Grad: obj.Grad}
	settings := &optimize.Settings{
		MajorIterations:   cfg.MaxIterations,
		GradientThreshold: cfg.Tolerance,
	}
	initial := make([]float64, len(labels)*(nFeatures+1))
	result, err := optimize.Minimize(problem, initial, settings, &optimize.LBFGS{})
	if result == nil {
		return nil, fmt.Errorf("ml: fit logistic regression: %w", err)
	}
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("ml: fit logistic regression: non-finite weights")
		}
	}

	model := obj.unpack(result.X, labels)
	// Line-search failures near the optimum still leave a usable location.
	model.status = FitStatus{
		Iterations: result.Stats.MajorIterations,
		Loss:       result.F,
		Status:     result.Status.String(),
		Converged:  err == nil,
	}
	return model, nil
}

func newLogisticRegression(labels []string, coef [][]float64, intercept []float64) (*LogisticRegression, error) {
	if len(labels) < 2 {
		return nil, ErrSingleClass
	}
	if len(coef) != len(labels) || len(intercept) != len(labels) {
		return nil, fmt.Errorf("ml: %d labels, %d coefficient rows, %d intercepts", len(labels), len(coef), len(intercept))
	}
	seen := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("ml: duplicate label %q", label)
		}
		seen[label] = struct{}{}
	}
	width := len(coef[0])
	rows := make([][]float64, len(coef))
	for k, row := range coef {
		if len(row) != width {
			return nil, fmt.Errorf("ml: coefficient row %d has %d features, want %d", k, len(row), width)
		}
		rows[k] = append([]float64(nil), row...)
	}
	return &LogisticRegression{
		labels:    append([]string(nil), labels...),
		coef:      rows,
		intercept: append([]float64(nil), intercept...),
	}, nil
}

// Scores returns the linear score of every label for x.
func (m *LogisticRegression) Scores(x FeatureVector) []float64 {
	scores := make([]float64, len(m.labels))
	for k := range m.labels {
		z := m.intercept[k]
		row := m.coef[k]
		for j, idx := range x.Indices {
			if idx >= 0 && idx < len(row) {
				z += row[idx] * x.Values[j]
			}
		}
		scores[k] = z
	}
	return scores
}

// Proba returns the softmax of Scores, ordered like Labels.
func (m *LogisticRegression) Proba(x FeatureVector) []float64 {
	return softmax(m.Scores(x))
}

func (m *LogisticRegression) PredictProba(x FeatureVector) map[string]float64 {
	probs := m.Proba(x)
	out := make(map[string]float64, len(probs))
	for k, p := range probs {
		out[m.labels[k]] = p
	}
	return out
}

func (m *LogisticRegression) Predict(x FeatureVector) string {
	class, _ := m.predict(x)
	return m.labels[class]
}

func (m *LogisticRegression) predict(x FeatureVector) (int, []float64) {
	probs := m.Proba(x)
	return argmax(probs), probs
}

// Coefficient returns the weight of feature for the label at class.
func (m *LogisticRegression) Coefficient(class, feature int) float64 {
	if class < 0 || class >= len(m.coef) || feature < 0 || feature >= len(m.coef[class]) {
		return 0
	}
	return m.coef[class][feature]
}

func (m *LogisticRegression) Intercept(class int) float64 {
	if class < 0 || class >= len(m.intercept) {
		return 0
	}
	return m.intercept[class]
}

func (m *LogisticRegression) Labels() []string {
	return append([]string(nil), m.labels...)
}

func (m *LogisticRegression) NumFeatures() int {
	if len(m.coef) == 0 {
		return 0
	}
	return len(m.coef[0])
}

func (m *LogisticRegression) Status() FitStatus {
	return m.status
}

type softmaxObjective struct {
	x        []FeatureVector
	y        []int
	w        []float64
	classes  int
	features int
	sumW     float64
	lambda   float64

	lastX    []float64
	lastLoss float64
	lastGrad []float64
}

func (o *softmaxObjective) Func(params []float64) float64 {
	o.evaluate(params)
	return o.lastLoss
}

func (o *softmaxObjective) Grad(grad, params []float64) {
	o.evaluate(params)
	copy(grad, o.lastGrad)
}

// evaluate computes loss and gradient together and caches them for the last
// parameter vector; L-BFGS asks for both at the same point.
func (o *softmaxObjective) evaluate(params []float64) {
	if o.lastX != nil && floats.Equal(o.lastX, params) {
		return
	}
	if o.lastGrad == nil {
		o.lastGrad = make([]float64, len(params))
	}
	grad := o.lastGrad
	for i := range grad {
		grad[i] = 0
	}

	coefSize := o.classes * o.features
	scores := make([]float64, o.classes)
	loss := 0.0
	for i, x := range o.x {
		for k := 0; k < o.classes; k++ {
			z := params[coefSize+k]
			base := k * o.features
			for j, idx := range x.Indices {
				z += params[base+idx] * x.Values[j]
			}
			scores[k] = z
		}
		lse := logSumExp(scores)
		loss += o.w[i] * (lse - scores[o.y[i]])

		for k := 0; k < o.classes; k++ {
			g := math.Exp(scores[k] - lse)
			if k == o.y[i] {
				g -= 1
			}
			g *= o.w[i] / o.sumW
			grad[coefSize+k] += g
			base := k * o.features
			for j, idx := range x.Indices {
				grad[base+idx] += g * x.Values[j]
			}
		}
	}
	loss /= o.sumW

	for j := 0; j < coefSize; j++ {
		loss += 0.5 * o.lambda * params[j] * params[j]
		grad[j] += o.lambda * params[j]
	}

	o.lastX = append(o.lastX[:0], params...)
	o.lastLoss = loss
}

func (o *softmaxObjective) unpack(params []float64, labels []string) *LogisticRegression {
	coef := make([][]float64, o.classes)
	for k := range coef {
		coef[k] = append([]float64(nil), params[k*o.features:(k+1)*o.features]...)
	}
	intercept := append([]float64(nil), params[o.classes*o.features:]...)
	return &LogisticRegression{
		labels:    append([]string(nil), labels...),
		coef:      coef,
		intercept: intercept,
	}
}

func softmax(scores []float64) []float64 {
	probs := make([]float64, len(scores))
	if len(scores) == 0 {
		return probs
	}
	maxScore := floats.Max(scores)
	sum := 0.0
	for k, s := range scores {
		probs[k] = math.Exp(s - maxScore)
		sum += probs[k]
	}
	floats.Scale(1/sum, probs)
	return probs
}

func logSumExp(scores []float64) float64 {
	maxScore := floats.Max(scores)
	sum := 0.0
	for _, s := range scores {
		sum += math.Exp(s - maxScore)
	}
	return maxScore + math.Log(sum)
}

// argmax returns the first index holding the largest value.
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func distinctSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
