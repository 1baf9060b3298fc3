package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TrainingLog 每个训练产物一行
type TrainingLog struct {
	ArtifactID     string    `json:"artifact_id"`
	ModelPath      string    `json:"model_path"`
	Accuracy       float64   `json:"accuracy"`
	MacroPrecision float64   `json:"macro_precision"`
	MacroRecall    float64   `json:"macro_recall"`
	MacroF1        float64   `json:"macro_f1"`
	TrainSamples   int       `json:"train_samples"`
	TestSamples    int       `json:"test_samples"`
	VocabularySize int       `json:"vocabulary_size"`
	TrainedAt      time.Time `json:"trained_at"`
}

// SaveTrainingLog 记录一次训练
func (s *Store) SaveTrainingLog(ctx context.Context, entry TrainingLog) error {
	if entry.TrainedAt.IsZero() {
		entry.TrainedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_log (artifact_id, model_path, accuracy, macro_precision, macro_recall, macro_f1, train_samples, test_samples, vocabulary_size, trained_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ArtifactID, entry.ModelPath, entry.Accuracy, entry.MacroPrecision, entry.MacroRecall, entry.MacroF1,
		entry.TrainSamples, entry.TestSamples, entry.VocabularySize, entry.TrainedAt)
	if err != nil {
		return fmt.Errorf("db: save training log: %w", err)
	}
	return nil
}

// LoadTrainingLog 按训练时间倒序返回记录
func (s *Store) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id, model_path, accuracy, macro_precision, macro_recall, macro_f1, train_samples, test_samples, vocabulary_size, trained_at
         FROM training_log ORDER BY trained_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("db: load training log: %w", err)
	}
	defer rows.Close()

	var logs []TrainingLog
	for rows.Next() {
		var entry TrainingLog
		var accuracy, precision, recall, f1 sql.NullFloat64
		if err := rows.Scan(&entry.ArtifactID, &entry.ModelPath, &accuracy, &precision, &recall, &f1,
			&entry.TrainSamples, &entry.TestSamples, &entry.VocabularySize, &entry.TrainedAt); err != nil {
			return nil, err
		}
		entry.Accuracy = accuracy.Float64
		entry.MacroPrecision = precision.Float64
		entry.MacroRecall = recall.Float64
		entry.MacroF1 = f1.Float64
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
