package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/registry-node/db/kv"
	"github.com/pohwnet/registry/testing/assert"
	"github.com/pohwnet/registry/testing/require"
)

func setupEngine(t *testing.T) *Engine {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultRegistryConfig()
	cfg.RateLimitWindow = time.Minute
	cfg.RateLimitCap = 3
	cfg.MinInterval = 100 * time.Millisecond
	cfg.RefusalThreshold = 10
	cfg.ScoreDecayPerDay = 5
	params.OverrideRegistryConfig(cfg)

	db, err := kv.NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return NewEngine(db)
}

func TestAllow_WindowCap(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		decision := e.Allow(ctx, "did:pohw:alice", now.Add(time.Duration(i)*time.Second))
		require.Equal(t, true, decision.Allowed)
		assert.Equal(t, i+1, decision.CurrentRate)
	}

	// The cap is exact: the fourth submission inside the window is denied.
	decision := e.Allow(ctx, "did:pohw:alice", now.Add(3*time.Second))
	assert.Equal(t, false, decision.Allowed)
	assert.Equal(t, ReasonWindowCap, decision.Reason)
	assert.Equal(t, 3, decision.CurrentRate)

	// Once the earliest submission ages out the identity is admitted again.
	decision = e.Allow(ctx, "did:pohw:alice", now.Add(time.Minute+time.Second))
	assert.Equal(t, true, decision.Allowed)
}

func TestAllow_MinInterval(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.Equal(t, true, e.Allow(ctx, "did:pohw:alice", now).Allowed)
	decision := e.Allow(ctx, "did:pohw:alice", now.Add(50*time.Millisecond))
	assert.Equal(t, false, decision.Allowed)
	assert.Equal(t, ReasonMinInterval, decision.Reason)

	decision = e.Allow(ctx, "did:pohw:alice", now.Add(150*time.Millisecond))
	assert.Equal(t, true, decision.Allowed)
}

func TestAllow_LowScore(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Drive the score from neutral 50 below the refusal threshold of 10.
	// Each anomaly costs 2 points.
	for i := 0; i < 21; i++ {
		e.RecordAnomaly(ctx, "did:pohw:alice", now, "suspicious payload")
	}
	snapshot := e.Snapshot(ctx, "did:pohw:alice")
	assert.Equal(t, 8.0, snapshot.Score)

	decision := e.Allow(ctx, "did:pohw:alice", now)
	assert.Equal(t, false, decision.Allowed)
	assert.Equal(t, ReasonLowScore, decision.Reason)
}

func TestAllow_DenialPenalizesScore(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	before := e.Snapshot(ctx, "did:pohw:alice").Score
	require.Equal(t, true, e.Allow(ctx, "did:pohw:alice", now).Allowed)
	e.Allow(ctx, "did:pohw:alice", now.Add(time.Millisecond))

	after := e.Snapshot(ctx, "did:pohw:alice")
	assert.Equal(t, before-2, after.Score)
	assert.Equal(t, uint64(1), after.FailureCount)
	require.Equal(t, 1, len(after.AnomalyLog))
}

func TestRecordSuccess(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e.RecordSuccess(ctx, "did:pohw:alice", now)
	snapshot := e.Snapshot(ctx, "did:pohw:alice")
	assert.Equal(t, 51.0, snapshot.Score)
	assert.Equal(t, uint64(1), snapshot.SuccessCount)
	assert.Equal(t, now, snapshot.LastActivity)
}

func TestScoreDecayTowardNeutral(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Build the score up above neutral, then go idle for two days.
	for i := 0; i < 10; i++ {
		e.RecordSuccess(ctx, "did:pohw:alice", base)
	}
	require.Equal(t, 60.0, e.Snapshot(ctx, "did:pohw:alice").Score)

	decision := e.Allow(ctx, "did:pohw:alice", base.Add(48*time.Hour))
	require.Equal(t, true, decision.Allowed)
	// 60 minus 2 days of decay at 5 per day lands back at neutral.
	assert.Equal(t, 50.0, e.Snapshot(ctx, "did:pohw:alice").Score)

	// Decay never crosses neutral: ten idle days from 60 still stops at 50.
	e.RecordSuccess(ctx, "did:pohw:bob", base)
	for i := 0; i < 9; i++ {
		e.RecordSuccess(ctx, "did:pohw:bob", base)
	}
	e.Allow(ctx, "did:pohw:bob", base.Add(10*24*time.Hour))
	assert.Equal(t, 50.0, e.Snapshot(ctx, "did:pohw:bob").Score)
}

func TestAnomalyLogCap(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 150; i++ {
		e.RecordAnomaly(ctx, "did:pohw:alice", now.Add(time.Duration(i)*time.Second), "noise")
	}
	snapshot := e.Snapshot(ctx, "did:pohw:alice")
	assert.Equal(t, 100, len(snapshot.AnomalyLog))
	// The retained entries are the most recent ones.
	assert.Equal(t, now.Add(149*time.Second), snapshot.AnomalyLog[99].Time)
}

func TestEnginePersistsAcrossRestart(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideRegistryConfig(params.DefaultRegistryConfig())

	dir := t.TempDir()
	db, err := kv.NewKVStore(dir)
	require.NoError(t, err)
	ctx := context.Background()
	e := NewEngine(db)
	e.RecordSuccess(ctx, "did:pohw:alice", time.Now().UTC())
	require.NoError(t, db.Close())

	db, err = kv.NewKVStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	restarted := NewEngine(db)
	snapshot := restarted.Snapshot(ctx, "did:pohw:alice")
	assert.Equal(t, 51.0, snapshot.Score)
	assert.Equal(t, uint64(1), snapshot.SuccessCount)
}

func TestCurrentRate(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	assert.Equal(t, 0, e.CurrentRate(ctx, "did:pohw:alice", now))
	e.Allow(ctx, "did:pohw:alice", now)
	e.Allow(ctx, "did:pohw:alice", now.Add(time.Second))
	assert.Equal(t, 2, e.CurrentRate(ctx, "did:pohw:alice", now.Add(2*time.Second)))
	// Outside the window the rate drops back to zero.
	assert.Equal(t, 0, e.CurrentRate(ctx, "did:pohw:alice", now.Add(2*time.Minute)))
}

func TestSnapshotIsACopy(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.RecordAnomaly(ctx, "did:pohw:alice", now, "original")

	snapshot := e.Snapshot(ctx, "did:pohw:alice")
	snapshot.AnomalyLog[0].Message = "mutated"
	snapshot.Score = 0

	fresh := e.Snapshot(ctx, "did:pohw:alice")
	assert.Equal(t, "original", fresh.AnomalyLog[0].Message)
	assert.Equal(t, 48.0, fresh.Score)
}
