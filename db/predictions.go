package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PredictionRecord 预测历史
type PredictionRecord struct {
	RequestID   string    `json:"request_id,omitempty"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	ArtifactID  string    `json:"artifact_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type writeRequest struct {
	record *PredictionRecord
	done   chan struct{}
}

// LogPrediction 异步记录预测；缓冲区满时丢弃，不阻塞请求路径
func (s *Store) LogPrediction(rec PredictionRecord) bool {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.writes <- writeRequest{record: &rec}:
		return true
	default:
		s.logger.Warn("prediction log buffer full, dropping record",
			zap.String("request_id", rec.RequestID))
		return false
	}
}

// Flush 等待此前提交的预测日志全部落盘
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.writes <- writeRequest{done: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWriter 批量写入预测日志
func (s *Store) runWriter() {
	defer s.writerWg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*PredictionRecord, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertPredictions(batch); err != nil {
			s.logger.Error("failed to write prediction log",
				zap.Int("records", len(batch)), zap.Error(err))
			s.writeErr = multierr.Append(s.writeErr, err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case req, ok := <-s.writes:
			if !ok {
				flush()
				return
			}
			if req.record != nil {
				batch = append(batch, req.record)
				if len(batch) >= s.cfg.BatchSize {
					flush()
				}
			}
			if req.done != nil {
				flush()
				close(req.done)
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Store) insertPredictions(batch []*PredictionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO predictions (request_id, description, category, confidence, artifact_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx, rec.RequestID, rec.Description, rec.Category, rec.Confidence, rec.ArtifactID, rec.CreatedAt); err != nil {
			return multierr.Append(err, tx.Rollback())
		}
	}
	return tx.Commit()
}

// RecentPredictions 最近的预测记录，按时间倒序
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, description, category, confidence, artifact_id, created_at FROM predictions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("db: recent predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRecord
	for rows.Next() {
		var rec PredictionRecord
		if err := rows.Scan(&rec.RequestID, &rec.Description, &rec.Category, &rec.Confidence, &rec.ArtifactID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
