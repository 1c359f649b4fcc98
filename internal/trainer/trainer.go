package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agropilot/agropilot/internal/env"
)

var (
	// ErrAlreadyRunning is returned by Start while a training task is live,
	// and by LoadModel when the model cannot be swapped mid-run.
	ErrAlreadyRunning = errors.New("training already in progress")

	// ErrNotRunning is returned by Stop when no training task is live.
	ErrNotRunning = errors.New("no training in progress")
)

// meanRewardWindow is the number of recent episodes in the rolling mean.
const meanRewardWindow = 100

// Environment is the reset/step contract the trainer drives.
type Environment interface {
	Reset() env.Observation
	Step(action [env.ActionSize]float64) env.StepResult
}

// Store persists serialized model state under a name.
type Store interface {
	Save(name string, state []byte) error
	Load(name string) ([]byte, error)
}

// Config holds training hyperparameters and cadences.
type Config struct {
	TotalTimesteps int
	SaveFreq       int
	LogInterval    int
	StepInterval   time.Duration // pacing against the push-based simulation
	LearningRate   float64
	Gamma          float64
	StopTimeout    time.Duration // bound on waiting for the loop to acknowledge Stop
	Seed           int64
}

// Metrics is a snapshot of the training run, safe to read at any time.
type Metrics struct {
	IsTraining       bool    `json:"is_training"`
	RunID            string  `json:"run_id,omitempty"`
	TotalTimesteps   int     `json:"total_timesteps"`
	CurrentTimesteps int     `json:"current_timesteps"`
	Episodes         int     `json:"episodes"`
	MeanReward       float64 `json:"mean_reward"`
	SaveFreq         int     `json:"save_freq"`
	LastError        string  `json:"last_error,omitempty"`
}

// Trainer owns the control policy and drives the environment through
// reset/step cycles inside one cancellable background goroutine.
type Trainer struct {
	parentCtx context.Context
	env       Environment
	store     Store
	cfg       Config

	// modelMu guards the policy; the loop takes the write lock per
	// update, Predict and Checkpoint take the read lock.
	modelMu sync.RWMutex
	policy  *Policy

	mu               sync.Mutex
	running          bool
	runID            string
	cancel           context.CancelFunc
	done             chan struct{}
	currentTimesteps int
	episodes         int
	recentRewards    []float64
	lastErr          string
}

// New creates a trainer with a freshly initialized policy. The provided
// ctx bounds every training run started later.
func New(ctx context.Context, environment Environment, store Store, cfg Config) *Trainer {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Trainer{
		parentCtx: ctx,
		env:       environment,
		store:     store,
		cfg:       cfg,
		policy:    NewPolicy(DefaultWeights()),
	}
}

// Start spawns the training loop and returns immediately.
func (t *Trainer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(t.parentCtx)
	t.running = true
	t.runID = uuid.NewString()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.currentTimesteps = 0
	t.episodes = 0
	t.recentRewards = nil
	t.lastErr = ""

	log.Printf("[trainer] starting run %s (%d timesteps)", t.runID, t.cfg.TotalTimesteps)
	go t.run(runCtx, t.done)

	return nil
}

// Stop cancels the training loop, waits a bounded time for it to wind
// down, and persists an "interrupted" checkpoint. Calling Stop again
// afterwards returns ErrNotRunning.
func (t *Trainer) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrNotRunning
	}
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(t.cfg.StopTimeout):
		log.Printf("[trainer] loop did not stop within %v, proceeding", t.cfg.StopTimeout)
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}

	if err := t.Checkpoint("interrupted"); err != nil {
		log.Printf("[trainer] interrupted checkpoint failed: %v", err)
	}

	log.Printf("[trainer] training stopped")
	return nil
}

// Predict returns the deterministic action for an observation. It never
// touches training state and works whether or not a run is live.
func (t *Trainer) Predict(obs env.Observation) [env.ActionSize]float64 {
	t.modelMu.RLock()
	defer t.modelMu.RUnlock()
	return t.policy.Act(obs.DroneState)
}

// Checkpoint persists the current model state. An empty name gets a
// generated one. Safe to call while training runs.
func (t *Trainer) Checkpoint(name string) error {
	if name == "" {
		name = "ckpt-" + uuid.NewString()[:8]
	}

	t.modelMu.RLock()
	data, err := t.policy.Marshal()
	t.modelMu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}

	if err := t.store.Save(name, data); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", name, err)
	}

	log.Printf("[trainer] checkpoint saved: %s", name)
	return nil
}

// LoadModel replaces the policy from a stored checkpoint. Rejected while
// training is live; store failures are surfaced to the caller.
func (t *Trainer) LoadModel(name string) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.mu.Unlock()

	data, err := t.store.Load(name)
	if err != nil {
		return fmt.Errorf("load checkpoint %q: %w", name, err)
	}

	t.modelMu.Lock()
	defer t.modelMu.Unlock()
	if err := t.policy.Restore(data); err != nil {
		return fmt.Errorf("restore checkpoint %q: %w", name, err)
	}

	log.Printf("[trainer] model loaded: %s", name)
	return nil
}

// Metrics returns a snapshot of the training run. Never blocks on the loop.
func (t *Trainer) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	var mean float64
	if n := len(t.recentRewards); n > 0 {
		for _, r := range t.recentRewards {
			mean += r
		}
		mean /= float64(n)
	}

	return Metrics{
		IsTraining:       t.running,
		RunID:            t.runID,
		TotalTimesteps:   t.cfg.TotalTimesteps,
		CurrentTimesteps: t.currentTimesteps,
		Episodes:         t.episodes,
		MeanReward:       mean,
		SaveFreq:         t.cfg.SaveFreq,
		LastError:        t.lastErr,
	}
}

// ─────────────────────────────────────────────
// Training loop
// ─────────────────────────────────────────────

func (t *Trainer) run(ctx context.Context, done chan struct{}) {
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("training panic: %v", r)
		}
		t.finish(runErr)
		close(done)
	}()

	rng := rand.New(rand.NewSource(t.cfg.Seed))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if t.timesteps() >= t.cfg.TotalTimesteps {
			log.Printf("[trainer] timestep budget reached")
			return
		}

		if err := t.runEpisode(ctx, rng); err != nil {
			runErr = err
			return
		}
	}
}

func (t *Trainer) runEpisode(ctx context.Context, rng *rand.Rand) error {
	obs := t.env.Reset()

	var traj []Step
	var episodeReward float64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t.modelMu.RLock()
		action, mean := t.policy.Sample(obs.DroneState, rng)
		t.modelMu.RUnlock()

		res := t.env.Step(action)

		traj = append(traj, Step{
			State:  obs.DroneState,
			Action: action,
			Mean:   mean,
			Reward: res.Reward,
		})
		episodeReward += res.Reward
		obs = res.Observation

		steps := t.recordStep()
		if t.cfg.LogInterval > 0 && steps%t.cfg.LogInterval == 0 {
			log.Printf("[trainer] step %d/%d (episode %d, reward %.3f)",
				steps, t.cfg.TotalTimesteps, t.Metrics().Episodes+1, episodeReward)
		}
		if t.cfg.SaveFreq > 0 && steps%t.cfg.SaveFreq == 0 {
			// Best effort: a failed periodic checkpoint never stops training.
			if err := t.Checkpoint(fmt.Sprintf("checkpoint_%d", steps)); err != nil {
				log.Printf("[trainer] periodic checkpoint failed: %v", err)
			}
		}

		if res.Terminated || res.Truncated || steps >= t.cfg.TotalTimesteps {
			break
		}

		if t.cfg.StepInterval > 0 {
			select {
			case <-time.After(t.cfg.StepInterval):
			case <-ctx.Done():
				return nil
			}
		}
	}

	t.modelMu.Lock()
	t.policy.Update(traj, t.cfg.LearningRate, t.cfg.Gamma)
	t.modelMu.Unlock()

	t.mu.Lock()
	t.episodes++
	t.recentRewards = append(t.recentRewards, episodeReward)
	if len(t.recentRewards) > meanRewardWindow {
		t.recentRewards = t.recentRewards[1:]
	}
	t.mu.Unlock()

	return nil
}

func (t *Trainer) recordStep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentTimesteps++
	return t.currentTimesteps
}

func (t *Trainer) timesteps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentTimesteps
}

func (t *Trainer) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	t.cancel = nil
	if err != nil {
		t.lastErr = err.Error()
		log.Printf("[trainer] training failed: %v", err)
	}
}
