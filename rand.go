package relay

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Rand is the random source used for backoff jitter and value perturbation.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
}

// Uniform returns a value drawn uniformly from [lo, hi).
func Uniform(r Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + r.Float64()*(hi-lo)
}

// UniformDuration returns a duration drawn uniformly from [lo, hi).
func UniformDuration(r Rand, lo, hi time.Duration) time.Duration {
	return time.Duration(Uniform(r, float64(lo), float64(hi)))
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRand returns a Rand safe for concurrent use, seeded from the runtime.
func NewRand() Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// SeededRand returns a deterministic Rand.
func SeededRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed))}
}
