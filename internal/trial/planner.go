package trial

import (
	"errors"
	"math/rand/v2"
)

// DefaultPredictorsPerTrial is the subset size of each non-final trial.
const DefaultPredictorsPerTrial = 10

// Plan holds one index set per trial, in trial order.
type Plan [][]int

// NewPlan draws trialsCount sets of predictorsPerTrial distinct indices in
// [0, poolSize). Indices never repeat within a set; sets are drawn
// independently, so a predictor may appear in several trials. A nil rng uses
// the global source.
func NewPlan(rng *rand.Rand, poolSize, trialsCount, predictorsPerTrial int) (Plan, error) {
	if predictorsPerTrial <= 0 {
		return nil, errors.New("predictors per trial must be positive")
	}
	if trialsCount < 0 {
		return nil, errors.New("trial count must not be negative")
	}
	if poolSize <= predictorsPerTrial {
		return nil, &InsufficientPoolError{PoolSize: poolSize, PredictorsPerTrial: predictorsPerTrial}
	}

	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}

	plan := make(Plan, trialsCount)
	for i := range plan {
		plan[i] = sample(intN, poolSize, predictorsPerTrial)
	}
	return plan, nil
}

// sample is a partial Fisher-Yates shuffle over [0, n) keeping the first k.
func sample(intN func(int) int, n, k int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + intN(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	out := make([]int, k)
	copy(out, pool[:k])
	return out
}
