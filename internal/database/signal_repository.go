package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tickforge/tickforge/internal/models"
)

// SignalRepository persists pooled and tracked signals. The pipeline itself
// never blocks on these writes; persistence failures are logged and surfaced
// through the health endpoint, not propagated into signal decisions.
type SignalRepository struct {
	db PgxIface
}

func NewSignalRepository(db PgxIface) *SignalRepository {
	return &SignalRepository{db: db}
}

// SavePooledSignal inserts a gate-passed signal into the signals table.
func (r *SignalRepository) SavePooledSignal(ctx context.Context, s *models.PooledSignal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO pooled_signals
			(candidate_id, symbol, direction, source, composite_score, source_weight_applied, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.CandidateID, s.Symbol, string(s.Direction), s.Source,
		s.CompositeScore, s.SourceWeightApplied, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save pooled signal %s: %w", s.CandidateID, err)
	}
	return nil
}

// SaveTrackedSignal inserts a newly tracked signal.
func (r *SignalRepository) SaveTrackedSignal(ctx context.Context, s *models.TrackedSignal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tracked_signals
			(id, candidate_id, symbol, direction, source, entry_price, target_price, stop_price, entry_time, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.CandidateID, s.Symbol, string(s.Direction), s.Source,
		s.EntryPrice, s.TargetPrice, s.StopPrice, s.EntryTime, s.Deadline, string(s.Status),
	)
	if err != nil {
		return fmt.Errorf("save tracked signal %s: %w", s.ID, err)
	}
	return nil
}

// ResolveTrackedSignal records the terminal state of a tracked signal.
func (r *SignalRepository) ResolveTrackedSignal(ctx context.Context, s *models.TrackedSignal) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tracked_signals
		SET status = $2, outcome = $3, exit_price = $4, exit_time = $5
		WHERE id = $1`,
		s.ID, string(s.Status), string(s.Outcome), s.ExitPrice, s.ExitTime,
	)
	if err != nil {
		return fmt.Errorf("resolve tracked signal %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve tracked signal %s: not found", s.ID)
	}
	return nil
}

// RecentPooledSignals returns the most recent pooled signals, newest first.
func (r *SignalRepository) RecentPooledSignals(ctx context.Context, limit int) ([]*models.PooledSignal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT candidate_id, symbol, direction, source, composite_score, source_weight_applied, created_at
		FROM pooled_signals
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent pooled signals: %w", err)
	}
	defer rows.Close()

	var out []*models.PooledSignal
	for rows.Next() {
		var s models.PooledSignal
		var direction string
		if err := rows.Scan(&s.CandidateID, &s.Symbol, &direction, &s.Source,
			&s.CompositeScore, &s.SourceWeightApplied, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pooled signal: %w", err)
		}
		s.Direction = models.Direction(direction)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ResolvedSince returns tracked signals resolved after the cutoff, used by
// the validator's rolling performance window.
func (r *SignalRepository) ResolvedSince(ctx context.Context, cutoff time.Time) ([]*models.TrackedSignal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, candidate_id, symbol, direction, source, entry_price, target_price, stop_price,
		       entry_time, deadline, status, outcome, exit_price, exit_time
		FROM tracked_signals
		WHERE status IN ('completed', 'expired') AND exit_time >= $1
		ORDER BY exit_time ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query resolved signals: %w", err)
	}
	defer rows.Close()

	var out []*models.TrackedSignal
	for rows.Next() {
		var s models.TrackedSignal
		var direction, status, outcome string
		if err := rows.Scan(&s.ID, &s.CandidateID, &s.Symbol, &direction, &s.Source,
			&s.EntryPrice, &s.TargetPrice, &s.StopPrice, &s.EntryTime, &s.Deadline,
			&status, &outcome, &s.ExitPrice, &s.ExitTime); err != nil {
			return nil, fmt.Errorf("scan tracked signal: %w", err)
		}
		s.Direction = models.Direction(direction)
		s.Status = models.TrackingStatus(status)
		s.Outcome = models.Outcome(outcome)
		out = append(out, &s)
	}
	return out, rows.Err()
}
