package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSourceWeightTable_UnknownSourceIsNeutral(t *testing.T) {
	table := NewSourceWeightTable(testPoolConfig())

	assert.True(t, table.Weight("never-seen").Equal(decimal.NewFromInt(1)))
}

func TestSourceWeightTable_LearnMovesBoundedStep(t *testing.T) {
	table := NewSourceWeightTable(testPoolConfig())

	w := table.Learn("alpha", true)
	assert.True(t, w.Equal(decimal.NewFromFloat(1.05)))

	w = table.Learn("alpha", false)
	assert.True(t, w.Equal(decimal.NewFromFloat(1.00)))
}

func TestSourceWeightTable_LearnClampsToRange(t *testing.T) {
	table := NewSourceWeightTable(testPoolConfig())

	for i := 0; i < 50; i++ {
		table.Learn("hot", true)
	}
	assert.True(t, table.Weight("hot").Equal(decimal.NewFromFloat(1.5)))

	for i := 0; i < 100; i++ {
		table.Learn("cold", false)
	}
	assert.True(t, table.Weight("cold").Equal(decimal.NewFromFloat(0.5)))
}

func TestSourceWeightTable_DecayPullsSparseSourcesTowardNeutral(t *testing.T) {
	cfg := testPoolConfig()
	table := NewSourceWeightTable(cfg)

	// below min_samples, so decay applies
	table.Learn("sparse", true)
	table.Learn("sparse", true)
	before := table.Weight("sparse")

	table.Decay(time.Now())
	after := table.Weight("sparse")

	one := decimal.NewFromInt(1)
	assert.True(t, after.Sub(one).Abs().LessThan(before.Sub(one).Abs()),
		"decay must pull weight toward 1.0: before=%s after=%s", before, after)
}

func TestSourceWeightTable_DecaySkipsWellSampledFreshSources(t *testing.T) {
	cfg := testPoolConfig()
	table := NewSourceWeightTable(cfg)

	for i := 0; i < cfg.MinSamples+1; i++ {
		table.Learn("steady", true)
	}
	before := table.Weight("steady")

	table.Decay(time.Now())
	assert.True(t, table.Weight("steady").Equal(before))
}

func TestSourceWeightTable_Snapshot(t *testing.T) {
	table := NewSourceWeightTable(testPoolConfig())
	table.Learn("a", true)
	table.Learn("b", false)

	snap := table.Snapshot()
	assert.Len(t, snap, 2)
	assert.True(t, snap["a"].GreaterThan(snap["b"]))
}
