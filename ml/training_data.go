package ml

import (
	"errors"
	"math"
	"math/rand/v2"
)

// Sample is one labeled training text.
type Sample struct {
	Text  string
	Label string
}

func SplitSamples(samples []Sample) (texts, labels []string) {
	texts = make([]string, len(samples))
	labels = make([]string, len(samples))
	for i, s := range samples {
		texts[i] = s.Text
		labels[i] = s.Label
	}
	return texts, labels
}

// SplitDataset shuffles samples with a seeded source and holds out testRatio
// of them. Ratios outside (0, 1) fall back to 0.2.
func SplitDataset(samples []Sample, testRatio float64, seed uint64) (train, test []Sample) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	indices := rnd.Perm(len(samples))

	split := int(math.Round(float64(len(samples)) * (1 - testRatio)))
	train = make([]Sample, 0, split)
	test = make([]Sample, 0, len(samples)-split)
	for i, idx := range indices {
		if i < split {
			train = append(train, samples[idx])
		} else {
			test = append(test, samples[idx])
		}
	}
	return train, test
}

type ClassReport struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

type Report struct {
	Accuracy       float64       `json:"accuracy"`
	MacroPrecision float64       `json:"macro_precision"`
	MacroRecall    float64       `json:"macro_recall"`
	MacroF1        float64       `json:"macro_f1"`
	Samples        int           `json:"samples"`
	Classes        []ClassReport `json:"classes"`
	// Confusion[i][j] counts samples of Labels[i] predicted as Labels[j].
	Labels    []string `json:"labels"`
	Confusion [][]int  `json:"confusion"`
}

// Evaluate scores p on held-out samples. Labels unknown to the pipeline
// count as misclassified and get their own confusion row.
func Evaluate(p *Pipeline, samples []Sample) (*Report, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.New("ml: no evaluation samples")
	}

	labels := p.Labels()
	index := make(map[string]int, len(labels))
	for i, label := range labels {
		index[label] = i
	}
	for _, s := range samples {
		if _, ok := index[s.Label]; !ok {
			index[s.Label] = len(labels)
			labels = append(labels, s.Label)
		}
	}

	confusion := make([][]int, len(labels))
	for i := range confusion {
		confusion[i] = make([]int, len(labels))
	}
	texts, truth := SplitSamples(samples)
	predictions, err := p.Predict(texts...)
	if err != nil {
		return nil, err
	}
	correct := 0
	for i, pred := range predictions {
		confusion[index[truth[i]]][index[pred.Category]]++
		if pred.Category == truth[i] {
			correct++
		}
	}

	report := &Report{
		Accuracy:  float64(correct) / float64(len(samples)),
		Samples:   len(samples),
		Labels:    labels,
		Confusion: confusion,
	}
	for i, label := range labels {
		var tp, predicted, actual int
		for j := range labels {
			predicted += confusion[j][i]
			actual += confusion[i][j]
		}
		tp = confusion[i][i]
		cr := ClassReport{Label: label, Support: actual}
		if predicted > 0 {
			cr.Precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			cr.Recall = float64(tp) / float64(actual)
		}
		if cr.Precision+cr.Recall > 0 {
			cr.F1 = 2 * cr.Precision * cr.Recall / (cr.Precision + cr.Recall)
		}
		report.Classes = append(report.Classes, cr)
		report.MacroPrecision += cr.Precision
		report.MacroRecall += cr.Recall
		report.MacroF1 += cr.F1
	}
	n := float64(len(labels))
	report.MacroPrecision /= n
	report.MacroRecall /= n
	report.MacroF1 /= n
	return report, nil
}
