package database

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tickforge/tickforge/internal/models"
)

func TestSignalRepository_SavePooledSignal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepository(mock)
	sig := &models.PooledSignal{
		CandidateID:         "cand-1",
		Symbol:              "BTCUSD",
		Direction:           models.DirectionLong,
		Source:              "trigger_engine",
		CompositeScore:      decimal.NewFromFloat(0.78),
		SourceWeightApplied: decimal.NewFromInt(1),
		CreatedAt:           time.Now(),
	}

	mock.ExpectExec("INSERT INTO pooled_signals").
		WithArgs(sig.CandidateID, sig.Symbol, "long", sig.Source,
			sig.CompositeScore, sig.SourceWeightApplied, sig.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.SavePooledSignal(context.Background(), sig))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalRepository_ResolveTrackedSignalNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepository(mock)
	sig := &models.TrackedSignal{
		ID:        "missing",
		Status:    models.TrackingCompleted,
		Outcome:   models.OutcomeWin,
		ExitPrice: decimal.NewFromInt(103),
		ExitTime:  time.Now(),
	}

	mock.ExpectExec("UPDATE tracked_signals").
		WithArgs(sig.ID, "completed", "win", sig.ExitPrice, sig.ExitTime).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.ResolveTrackedSignal(context.Background(), sig)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalRepository_RecentPooledSignals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepository(mock)
	now := time.Now()

	rows := pgxmock.NewRows([]string{
		"candidate_id", "symbol", "direction", "source",
		"composite_score", "source_weight_applied", "created_at",
	}).
		AddRow("cand-2", "ETHUSD", "short", "trigger_engine",
			decimal.NewFromFloat(0.71), decimal.NewFromFloat(1.05), now).
		AddRow("cand-1", "BTCUSD", "long", "trigger_engine",
			decimal.NewFromFloat(0.78), decimal.NewFromInt(1), now.Add(-time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM pooled_signals").
		WithArgs(10).
		WillReturnRows(rows)

	out, err := repo.RecentPooledSignals(context.Background(), 10)
	assert.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, models.DirectionShort, out[0].Direction)
	assert.Equal(t, "cand-1", out[1].CandidateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestThresholdRepository_RecordChange(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	repo := NewThresholdRepository(mock)
	set := models.DynamicThresholdSet{
		WinRateThreshold:    decimal.NewFromFloat(0.64),
		ObservationFloor:    decimal.NewFromFloat(0.54),
		ProfitLossThreshold: decimal.NewFromFloat(1.5),
		ConfidenceThreshold: decimal.NewFromFloat(0.70),
		Version:             3,
		LastUpdated:         time.Now(),
		AdjustmentReason:    "recalculated: win rate 0.58",
	}

	mock.ExpectExec("INSERT INTO threshold_history").
		WithArgs(set.Version, set.WinRateThreshold, set.ObservationFloor,
			set.ProfitLossThreshold, set.ConfidenceThreshold, set.AdjustmentReason, set.LastUpdated).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.RecordChange(context.Background(), set))
	assert.NoError(t, mock.ExpectationsWereMet())
}
