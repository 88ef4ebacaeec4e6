// Package reputation implements the per-identity behavioral score and the
// sliding-window rate admission gate consulted by attestation intake.
package reputation

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "reputation")

const (
	shardCount    = 256
	neutralScore  = 50.0
	minScore      = 0.0
	maxScore      = 100.0
	successReward = 1.0
	anomalyCost   = 2.0
	anomalyLogCap = 100
)

// Deny reasons surfaced to callers and recorded in the anomaly log.
const (
	ReasonWindowCap   = "window-cap-exceeded"
	ReasonMinInterval = "submission-interval-too-short"
	ReasonLowScore    = "score-below-threshold"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool
	Reason      string
	CurrentRate int
}

// identityState is the mutable in-memory record for one identity. The
// engine is the single writer per identity; a shard mutex serializes all
// updates for the identities hashed into it.
type identityState struct {
	rep    *types.Reputation
	window []time.Time // submission timestamps inside the sliding window
}

type shard struct {
	sync.Mutex
	identities map[string]*identityState
}

// Engine enforces rate caps and tracks reputation, sharded by identity id so
// concurrent intake requests for distinct identities rarely contend.
type Engine struct {
	db     iface.Database
	shards [shardCount]*shard
	// Registry-wide submissions-per-second counter surfaced by /pohw/status.
	globalRate *ratecounter.RateCounter
}

// NewEngine creates a rate engine persisting reputation rows to db.
func NewEngine(db iface.Database) *Engine {
	e := &Engine{
		db:         db,
		globalRate: ratecounter.NewRateCounter(time.Second),
	}
	for i := range e.shards {
		e.shards[i] = &shard{identities: make(map[string]*identityState)}
	}
	return e
}

func (e *Engine) shardFor(identityID string) *shard {
	h := fnv.New32a()
	// fnv write never fails.
	_, _ = h.Write([]byte(identityID))
	return e.shards[h.Sum32()%shardCount]
}

// state loads or creates the identity's record. Caller holds the shard lock.
func (e *Engine) state(ctx context.Context, identityID string) *identityState {
	sh := e.shardFor(identityID)
	if st, ok := sh.identities[identityID]; ok {
		return st
	}
	rep, err := e.db.Reputation(ctx, identityID)
	if err != nil {
		rep = &types.Reputation{
			IdentityID: identityID,
			Score:      neutralScore,
			Tier:       types.TierGrey,
		}
	}
	st := &identityState{rep: rep}
	sh.identities[identityID] = st
	return st
}

// applyDecay moves an idle identity's score linearly toward neutral at the
// configured per-day rate.
func applyDecay(rep *types.Reputation, now time.Time) {
	if rep.LastActivity.IsZero() {
		return
	}
	idleDays := now.Sub(rep.LastActivity).Hours() / 24
	if idleDays <= 0 {
		return
	}
	decay := params.RegistryConfigSnapshot().ScoreDecayPerDay * idleDays
	switch {
	case rep.Score > neutralScore:
		rep.Score = clampScore(rep.Score - decay)
		if rep.Score < neutralScore {
			rep.Score = neutralScore
		}
	case rep.Score < neutralScore:
		rep.Score = clampScore(rep.Score + decay)
		if rep.Score > neutralScore {
			rep.Score = neutralScore
		}
	}
}

func clampScore(s float64) float64 {
	if s < minScore {
		return minScore
	}
	if s > maxScore {
		return maxScore
	}
	return s
}

// pruneWindow drops timestamps older than the sliding window.
func pruneWindow(st *identityState, now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := st.window[:0]
	for _, ts := range st.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.window = kept
}

// Allow runs the admission checks for one submission at the given time. A
// denial is recorded as an anomaly and decrements the identity's score. An
// allowance reserves a slot in the sliding window immediately.
func (e *Engine) Allow(ctx context.Context, identityID string, now time.Time) Decision {
	cfg := params.RegistryConfigSnapshot()
	sh := e.shardFor(identityID)
	sh.Lock()
	defer sh.Unlock()

	st := e.state(ctx, identityID)
	applyDecay(st.rep, now)
	pruneWindow(st, now, cfg.RateLimitWindow)
	rate := len(st.window)

	var reason string
	switch {
	case int64(rate) >= cfg.RateLimitCap:
		reason = ReasonWindowCap
	case rate > 0 && now.Sub(st.window[rate-1]) < cfg.MinInterval:
		reason = ReasonMinInterval
	case st.rep.Score < cfg.RefusalThreshold:
		reason = ReasonLowScore
	}
	if reason != "" {
		e.recordAnomalyLocked(ctx, st, now, fmt.Sprintf("denied submission: %s (rate %d)", reason, rate))
		return Decision{Allowed: false, Reason: reason, CurrentRate: rate}
	}

	st.window = append(st.window, now)
	st.rep.LastActivity = now
	e.globalRate.Incr(1)
	e.persistLocked(ctx, st)
	return Decision{Allowed: true, CurrentRate: rate + 1}
}

// RecordSuccess rewards a verified submission.
func (e *Engine) RecordSuccess(ctx context.Context, identityID string, now time.Time) {
	sh := e.shardFor(identityID)
	sh.Lock()
	defer sh.Unlock()
	st := e.state(ctx, identityID)
	st.rep.Score = clampScore(st.rep.Score + successReward)
	st.rep.SuccessCount++
	st.rep.LastActivity = now
	e.persistLocked(ctx, st)
}

// RecordAnomaly penalizes the identity and appends to its anomaly log.
func (e *Engine) RecordAnomaly(ctx context.Context, identityID string, now time.Time, message string) {
	sh := e.shardFor(identityID)
	sh.Lock()
	defer sh.Unlock()
	st := e.state(ctx, identityID)
	e.recordAnomalyLocked(ctx, st, now, message)
}

func (e *Engine) recordAnomalyLocked(ctx context.Context, st *identityState, now time.Time, message string) {
	st.rep.Score = clampScore(st.rep.Score - anomalyCost)
	st.rep.FailureCount++
	st.rep.AnomalyLog = append(st.rep.AnomalyLog, types.AnomalyEntry{Time: now, Message: message})
	if len(st.rep.AnomalyLog) > anomalyLogCap {
		st.rep.AnomalyLog = st.rep.AnomalyLog[len(st.rep.AnomalyLog)-anomalyLogCap:]
	}
	e.persistLocked(ctx, st)
}

func (e *Engine) persistLocked(ctx context.Context, st *identityState) {
	if err := e.db.SaveReputation(ctx, st.rep); err != nil {
		log.WithError(err).WithField("identity", st.rep.IdentityID).Error("Could not persist reputation")
	}
}

// Snapshot returns a copy of the identity's reputation record.
func (e *Engine) Snapshot(ctx context.Context, identityID string) *types.Reputation {
	sh := e.shardFor(identityID)
	sh.Lock()
	defer sh.Unlock()
	st := e.state(ctx, identityID)
	dup := *st.rep
	dup.AnomalyLog = append([]types.AnomalyEntry{}, st.rep.AnomalyLog...)
	return &dup
}

// CurrentRate returns the identity's submission count inside the window.
func (e *Engine) CurrentRate(ctx context.Context, identityID string, now time.Time) int {
	sh := e.shardFor(identityID)
	sh.Lock()
	defer sh.Unlock()
	st := e.state(ctx, identityID)
	pruneWindow(st, now, params.RegistryConfigSnapshot().RateLimitWindow)
	return len(st.window)
}

// GlobalRate reports registry-wide accepted submissions in the last second.
func (e *Engine) GlobalRate() int64 {
	return e.globalRate.Rate()
}
