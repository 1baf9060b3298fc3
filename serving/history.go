package serving

import (
	"txncat/db"
	"txncat/ml"
)

// PredictionLog is the part of db.Store the history observer writes to.
type PredictionLog interface {
	LogPrediction(db.PredictionRecord) bool
}

// HistoryObserver records every prediction in the prediction log.
type HistoryObserver struct {
	log PredictionLog
}

func NewHistoryObserver(log PredictionLog) *HistoryObserver {
	return &HistoryObserver{log: log}
}

func (h *HistoryObserver) ObservePrediction(e PredictionEvent) {
	h.log.LogPrediction(db.PredictionRecord{
		RequestID:   e.RequestID,
		Description: e.Description,
		Category:    e.Category,
		Confidence:  e.Confidence,
		ArtifactID:  e.ArtifactID,
		CreatedAt:   e.Time.UTC(),
	})
}

func (h *HistoryObserver) ObserveModelSwap(ml.Info) {}

var _ Observer = (*HistoryObserver)(nil)
