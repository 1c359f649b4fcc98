package trainer

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/agropilot/agropilot/internal/env"
)

// explorationStdDev is the fixed Gaussian exploration noise applied to the
// pre-clip action mean while training.
const explorationStdDev = 0.1

// Weights is the serializable policy state: a linear map from the
// drone-state vector to the four control channels.
type Weights struct {
	W [][]float64 `json:"w"` // [ActionSize][DroneStateSize]
	B []float64   `json:"b"` // [ActionSize]
}

// DefaultWeights returns a small deterministic initialization.
func DefaultWeights() Weights {
	w := make([][]float64, env.ActionSize)
	for i := range w {
		w[i] = make([]float64, env.DroneStateSize)
		for j := range w[i] {
			w[i][j] = 0.01
			if (i+j)%2 == 1 {
				w[i][j] = -0.01
			}
		}
	}
	return Weights{W: w, B: make([]float64, env.ActionSize)}
}

// Policy is a linear Gaussian control policy over the drone-state vector.
// It is not safe for concurrent use; the Trainer serializes access.
type Policy struct {
	weights Weights
}

// NewPolicy creates a policy from the given weights.
func NewPolicy(weights Weights) *Policy {
	return &Policy{weights: weights}
}

// Mean computes the pre-clip action mean for a state.
func (p *Policy) Mean(state [env.DroneStateSize]float64) [env.ActionSize]float64 {
	var mean [env.ActionSize]float64
	for i := 0; i < env.ActionSize; i++ {
		mean[i] = p.weights.B[i]
		for j := 0; j < env.DroneStateSize; j++ {
			mean[i] += p.weights.W[i][j] * state[j]
		}
	}
	return mean
}

// Act returns the deterministic action for a state: the mean clipped to
// the [-1, 1] action box.
func (p *Policy) Act(state [env.DroneStateSize]float64) [env.ActionSize]float64 {
	return clip(p.Mean(state))
}

// Sample draws an exploratory action and returns both the clipped action
// and the pre-clip mean the update rule needs.
func (p *Policy) Sample(state [env.DroneStateSize]float64, rng *rand.Rand) (action, mean [env.ActionSize]float64) {
	mean = p.Mean(state)
	for i := range action {
		action[i] = mean[i] + explorationStdDev*rng.NormFloat64()
	}
	return clip(action), mean
}

// Step is one trajectory entry consumed by Update.
type Step struct {
	State  [env.DroneStateSize]float64
	Action [env.ActionSize]float64
	Mean   [env.ActionSize]float64
	Reward float64
}

// Update applies one episodic policy-gradient step: discounted
// returns-to-go against a mean-return baseline, Gaussian log-likelihood
// gradient for the linear mean.
func (p *Policy) Update(traj []Step, learningRate, gamma float64) {
	if len(traj) == 0 {
		return
	}

	returns := make([]float64, len(traj))
	g := 0.0
	for i := len(traj) - 1; i >= 0; i-- {
		g = traj[i].Reward + gamma*g
		returns[i] = g
	}

	var baseline float64
	for _, r := range returns {
		baseline += r
	}
	baseline /= float64(len(returns))

	invVar := 1.0 / (explorationStdDev * explorationStdDev)
	scale := learningRate / float64(len(traj))

	for t, s := range traj {
		adv := returns[t] - baseline
		for i := 0; i < env.ActionSize; i++ {
			grad := (s.Action[i] - s.Mean[i]) * invVar * adv
			for j := 0; j < env.DroneStateSize; j++ {
				p.weights.W[i][j] += scale * grad * s.State[j]
			}
			p.weights.B[i] += scale * grad
		}
	}
}

// Marshal serializes the policy weights.
func (p *Policy) Marshal() ([]byte, error) {
	return json.Marshal(p.weights)
}

// Restore replaces the policy weights from serialized state.
func (p *Policy) Restore(data []byte) error {
	var w Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal weights: %w", err)
	}
	if len(w.W) != env.ActionSize || len(w.B) != env.ActionSize {
		return fmt.Errorf("weight shape mismatch: got %dx%d", len(w.W), len(w.B))
	}
	for i := range w.W {
		if len(w.W[i]) != env.DroneStateSize {
			return fmt.Errorf("weight row %d has %d columns, want %d", i, len(w.W[i]), env.DroneStateSize)
		}
	}
	p.weights = w
	return nil
}

func clip(a [env.ActionSize]float64) [env.ActionSize]float64 {
	for i, v := range a {
		a[i] = math.Max(-1, math.Min(1, v))
	}
	return a
}
