package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"txncat/ml"
)

// Feedback 用户纠正记录，只追加
type Feedback struct {
	ID                string    `json:"id"`
	Description       string    `json:"description"`
	CorrectCategory   string    `json:"correct_category"`
	PredictedCategory string    `json:"predicted_category,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SaveFeedback 保存反馈，自动分配ID与时间
func (s *Store) SaveFeedback(ctx context.Context, fb Feedback) (Feedback, error) {
	fb.Description = strings.TrimSpace(fb.Description)
	fb.CorrectCategory = strings.TrimSpace(fb.CorrectCategory)
	if fb.Description == "" || fb.CorrectCategory == "" {
		return Feedback{}, errors.New("db: feedback needs description and correct category")
	}
	fb.ID = uuid.NewString()
	fb.CreatedAt = time.Now().UTC()

	var predicted sql.NullString
	if fb.PredictedCategory != "" {
		predicted = sql.NullString{String: fb.PredictedCategory, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, description, correct_category, predicted_category, created_at) VALUES (?, ?, ?, ?, ?)`,
		fb.ID, fb.Description, fb.CorrectCategory, predicted, fb.CreatedAt)
	if err != nil {
		return Feedback{}, fmt.Errorf("db: save feedback: %w", err)
	}
	return fb, nil
}

// ListFeedback 按时间倒序返回最近的反馈，limit<=0返回全部
func (s *Store) ListFeedback(ctx context.Context, limit int) ([]Feedback, error) {
	query := `SELECT id, description, correct_category, predicted_category, created_at FROM feedback ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db: list feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var fb Feedback
		var predicted sql.NullString
		if err := rows.Scan(&fb.ID, &fb.Description, &fb.CorrectCategory, &predicted, &fb.CreatedAt); err != nil {
			return nil, err
		}
		fb.PredictedCategory = predicted.String
		out = append(out, fb)
	}
	return out, rows.Err()
}

// FeedbackSamples 以训练样本形式返回全部反馈
func (s *Store) FeedbackSamples(ctx context.Context) ([]ml.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT description, correct_category FROM feedback ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("db: feedback samples: %w", err)
	}
	defer rows.Close()

	var out []ml.Sample
	for rows.Next() {
		var sample ml.Sample
		if err := rows.Scan(&sample.Text, &sample.Label); err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}
