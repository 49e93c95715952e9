package network

import (
	"math"
	"math/rand"

	"github.com/meshpay/witness/internal/witness"
)

// selectWitnesses picks a committee of count agents, excluding the given
// roster indices. 70% of the committee is drawn by reputation-weighted
// lottery without replacement; the remaining 30% is uniform, which keeps
// low-scoring agents from being starved out entirely and guards against
// committee centralization.
func (n *Network) selectWitnesses(count int, exclude map[int]struct{}) []*witness.Agent {
	pool := make([]*witness.Agent, 0, len(n.agents))
	for _, a := range n.agents {
		if _, skip := exclude[a.ID()]; skip {
			continue
		}
		pool = append(pool, a)
	}
	if len(pool) <= count {
		return pool
	}

	repBased := int(math.Ceil(0.7 * float64(count)))
	if repBased > count {
		repBased = count
	}

	selected := make([]*witness.Agent, 0, count)
	for i := 0; i < repBased; i++ {
		idx := weightedDraw(pool)
		selected = append(selected, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	selected = append(selected, pool[:count-repBased]...)
	return selected
}

// weightedDraw picks one index with probability proportional to the agent's
// current reputation score. A pool with no score mass degrades to uniform.
func weightedDraw(pool []*witness.Agent) int {
	var total float64
	scores := make([]float64, len(pool))
	for i, a := range pool {
		scores[i] = a.Reputation().Score()
		total += scores[i]
	}
	if total <= 0 {
		return rand.Intn(len(pool))
	}

	r := rand.Float64() * total
	for i, s := range scores {
		r -= s
		if r <= 0 {
			return i
		}
	}
	return len(pool) - 1
}
