package database

import (
	"context"
	"fmt"

	"github.com/tickforge/tickforge/internal/models"
)

// ThresholdRepository records every dynamic threshold change with its reason.
// Silent threshold drift is treated as a defect, so the history table is the
// audit trail operators consult.
type ThresholdRepository struct {
	db PgxIface
}

func NewThresholdRepository(db PgxIface) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

// RecordChange appends a threshold-set version to the history table.
func (r *ThresholdRepository) RecordChange(ctx context.Context, t models.DynamicThresholdSet) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO threshold_history
			(version, win_rate_threshold, observation_floor, profit_loss_threshold, confidence_threshold, adjustment_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.Version, t.WinRateThreshold, t.ObservationFloor,
		t.ProfitLossThreshold, t.ConfidenceThreshold, t.AdjustmentReason, t.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("record threshold change v%d: %w", t.Version, err)
	}
	return nil
}

// History returns recent threshold changes, newest first.
func (r *ThresholdRepository) History(ctx context.Context, limit int) ([]models.DynamicThresholdSet, error) {
	rows, err := r.db.Query(ctx, `
		SELECT version, win_rate_threshold, observation_floor, profit_loss_threshold, confidence_threshold, adjustment_reason, updated_at
		FROM threshold_history
		ORDER BY version DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query threshold history: %w", err)
	}
	defer rows.Close()

	var out []models.DynamicThresholdSet
	for rows.Next() {
		var t models.DynamicThresholdSet
		if err := rows.Scan(&t.Version, &t.WinRateThreshold, &t.ObservationFloor,
			&t.ProfitLossThreshold, &t.ConfidenceThreshold, &t.AdjustmentReason, &t.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan threshold history: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
