package witness

import (
	"math"
	"sync"
	"time"
)

const (
	reputationMax        = 100.0
	reputationMin        = 0.0
	reputationHistoryCap = 100
)

// ReputationUpdate is one recorded score change.
type ReputationUpdate struct {
	Success    bool    `json:"success"`
	Importance float64 `json:"importance"`
	Delta      float64 `json:"delta"`
	Score      float64 `json:"score"`
	Timestamp  int64   `json:"timestamp"`
}

// ReputationSnapshot is the serializable form of a reputation record.
type ReputationSnapshot struct {
	Score       float64            `json:"score"`
	Successful  uint64             `json:"successful"`
	Failed      uint64             `json:"failed"`
	LastUpdated int64              `json:"last_updated"`
	History     []ReputationUpdate `json:"history"`
}

// Reputation is a bounded score in [0,100] with asymmetric updates: penalties
// are twice as steep as rewards at equal importance, high scorers lose more
// per offense, and low scorers gain more per success.
type Reputation struct {
	mu sync.RWMutex

	score       float64
	successful  uint64
	failed      uint64
	lastUpdated int64
	history     []ReputationUpdate
}

// NewReputation starts a reputation record at the given score, clamped to
// [0,100]. Fresh agents start at 100.
func NewReputation(initial float64) *Reputation {
	return &Reputation{
		score:       clampScore(initial),
		lastUpdated: time.Now().UnixMilli(),
	}
}

// Score returns the current score.
func (r *Reputation) Score() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.score
}

// RecordSuccess applies a success update weighted by importance and returns
// the new score. Gains flatten as the score approaches 100.
func (r *Reputation) RecordSuccess(importance float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	delta := importance * (0.5 + (reputationMax-r.score)/200)
	r.score = clampScore(r.score + delta)
	r.successful++
	r.append(ReputationUpdate{
		Success:    true,
		Importance: importance,
		Delta:      delta,
		Score:      r.score,
		Timestamp:  time.Now().UnixMilli(),
	})
	return r.score
}

// RecordFailure applies a failure update weighted by importance and returns
// the new score. The penalty is twice the symmetric delta and steeper for
// high scorers.
func (r *Reputation) RecordFailure(importance float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	delta := importance * (0.5 + r.score/200)
	r.score = clampScore(r.score - 2*delta)
	r.failed++
	r.append(ReputationUpdate{
		Success:    false,
		Importance: importance,
		Delta:      -2 * delta,
		Score:      r.score,
		Timestamp:  time.Now().UnixMilli(),
	})
	return r.score
}

// Counts returns the successful and failed update totals.
func (r *Reputation) Counts() (successful, failed uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.successful, r.failed
}

// SeedSynthetic overwrites the record with a plausible prior: used when a
// roster is bootstrapped with agents that "have been around".
func (r *Reputation) SeedSynthetic(score float64, successful, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.score = clampScore(score)
	r.successful = successful
	r.failed = failed
	r.lastUpdated = time.Now().UnixMilli()
	r.history = nil
}

// Snapshot returns a copy suitable for persistence.
func (r *Reputation) Snapshot() ReputationSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := make([]ReputationUpdate, len(r.history))
	copy(history, r.history)
	return ReputationSnapshot{
		Score:       r.score,
		Successful:  r.successful,
		Failed:      r.failed,
		LastUpdated: r.lastUpdated,
		History:     history,
	}
}

// Restore replaces the record with a persisted snapshot.
func (r *Reputation) Restore(s ReputationSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.score = clampScore(s.Score)
	r.successful = s.Successful
	r.failed = s.Failed
	r.lastUpdated = s.LastUpdated
	r.history = make([]ReputationUpdate, len(s.History))
	copy(r.history, s.History)
	if len(r.history) > reputationHistoryCap {
		r.history = r.history[len(r.history)-reputationHistoryCap:]
	}
}

func (r *Reputation) append(u ReputationUpdate) {
	r.lastUpdated = u.Timestamp
	r.history = append(r.history, u)
	if len(r.history) > reputationHistoryCap {
		r.history = r.history[len(r.history)-reputationHistoryCap:]
	}
}

func clampScore(s float64) float64 {
	return math.Max(reputationMin, math.Min(reputationMax, s))
}
