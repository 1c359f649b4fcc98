package trainer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agropilot/agropilot/internal/env"
)

// fakeEnv terminates every episode after a fixed number of steps.
type fakeEnv struct {
	mu           sync.Mutex
	episodeSteps int
	stepCount    int
	resetCount   int
	step         int
}

func (f *fakeEnv) Reset() env.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCount++
	f.step = 0
	return env.DefaultObservation()
}

func (f *fakeEnv) Step(action [env.ActionSize]float64) env.StepResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepCount++
	f.step++
	return env.StepResult{
		Observation: env.DefaultObservation(),
		Reward:      1,
		Terminated:  f.step >= f.episodeSteps,
	}
}

// fakeStore keeps checkpoints in memory.
type fakeStore struct {
	mu    sync.Mutex
	saved map[string][]byte
	fail  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]byte)}
}

func (f *fakeStore) Save(name string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	f.saved[name] = cp
	return nil
}

func (f *fakeStore) Load(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.saved[name]
	if !ok {
		return nil, errors.New("checkpoint not found")
	}
	return data, nil
}

func (f *fakeStore) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.saved[name]
	return ok
}

func testConfig(totalTimesteps int) Config {
	return Config{
		TotalTimesteps: totalTimesteps,
		SaveFreq:       0,
		LogInterval:    0,
		LearningRate:   3e-4,
		Gamma:          0.99,
		StopTimeout:    2 * time.Second,
		Seed:           42,
	}
}

func waitForMetrics(t *testing.T, tr *Trainer, cond func(Metrics) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond(tr.Metrics()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("metrics condition not met before timeout: %+v", tr.Metrics())
}

func TestStartRejectsSecondRun(t *testing.T) {
	tr := New(context.Background(), &fakeEnv{episodeSteps: 5}, newFakeStore(), testConfig(1_000_000))
	defer tr.Stop()

	if err := tr.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := tr.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopWithoutRun(t *testing.T) {
	tr := New(context.Background(), &fakeEnv{episodeSteps: 5}, newFakeStore(), testConfig(100))

	if err := tr.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop error = %v, want ErrNotRunning", err)
	}
}

func TestStopPersistsInterruptedCheckpoint(t *testing.T) {
	store := newFakeStore()
	tr := New(context.Background(), &fakeEnv{episodeSteps: 5}, store, testConfig(1_000_000))

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForMetrics(t, tr, func(m Metrics) bool { return m.CurrentTimesteps > 0 })

	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !store.has("interrupted") {
		t.Fatal("stop did not persist the interrupted checkpoint")
	}

	// The run is gone; a second stop reports that.
	if err := tr.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second stop error = %v, want ErrNotRunning", err)
	}
	if m := tr.Metrics(); m.IsTraining {
		t.Fatal("metrics still report training after stop")
	}
}

func TestRunCompletesTimestepBudget(t *testing.T) {
	environment := &fakeEnv{episodeSteps: 4}
	tr := New(context.Background(), environment, newFakeStore(), testConfig(20))

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForMetrics(t, tr, func(m Metrics) bool {
		return !m.IsTraining && m.CurrentTimesteps >= 20
	})

	m := tr.Metrics()
	if m.CurrentTimesteps != 20 {
		t.Fatalf("timesteps = %d, want exactly 20", m.CurrentTimesteps)
	}
	if m.Episodes != 5 {
		t.Fatalf("episodes = %d, want 5", m.Episodes)
	}
	if m.MeanReward != 4 {
		t.Fatalf("mean reward = %v, want 4", m.MeanReward)
	}
	if m.LastError != "" {
		t.Fatalf("unexpected error: %s", m.LastError)
	}

	// A finished trainer can be started again and counts from zero.
	if err := tr.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForMetrics(t, tr, func(m Metrics) bool { return !m.IsTraining })
	if m := tr.Metrics(); m.CurrentTimesteps != 20 {
		t.Fatalf("restarted run counted %d timesteps, want 20", m.CurrentTimesteps)
	}
}

func TestPeriodicCheckpoints(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig(10)
	cfg.SaveFreq = 5
	tr := New(context.Background(), &fakeEnv{episodeSteps: 3}, store, cfg)

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForMetrics(t, tr, func(m Metrics) bool { return !m.IsTraining })

	for _, name := range []string{"checkpoint_5", "checkpoint_10"} {
		if !store.has(name) {
			t.Fatalf("missing periodic checkpoint %s", name)
		}
	}
}

func TestTrainingSurvivesStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	cfg := testConfig(10)
	cfg.SaveFreq = 5
	tr := New(context.Background(), &fakeEnv{episodeSteps: 3}, store, cfg)

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForMetrics(t, tr, func(m Metrics) bool {
		return !m.IsTraining && m.CurrentTimesteps >= 10
	})

	if m := tr.Metrics(); m.LastError != "" {
		t.Fatalf("periodic checkpoint failure leaked into run error: %s", m.LastError)
	}
}

// panicEnv blows up on the first step.
type panicEnv struct{}

func (panicEnv) Reset() env.Observation { return env.DefaultObservation() }

func (panicEnv) Step(action [env.ActionSize]float64) env.StepResult {
	panic("simulation state corrupted")
}

func TestLoopFailureRecordedInMetrics(t *testing.T) {
	tr := New(context.Background(), panicEnv{}, newFakeStore(), testConfig(100))

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForMetrics(t, tr, func(m Metrics) bool { return !m.IsTraining })

	m := tr.Metrics()
	if m.LastError == "" {
		t.Fatal("loop panic not recorded in metrics")
	}

	// The trainer survives and can be restarted.
	if err := tr.Start(); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	waitForMetrics(t, tr, func(m Metrics) bool { return !m.IsTraining })
}

func TestPredictDeterministicAndClipped(t *testing.T) {
	tr := New(context.Background(), &fakeEnv{episodeSteps: 5}, newFakeStore(), testConfig(100))

	obs := env.DefaultObservation()
	obs.DroneState = [env.DroneStateSize]float64{100, -100, 100, -100, 100, -100, 100, -100, 100}

	first := tr.Predict(obs)
	for i := 0; i < 10; i++ {
		if got := tr.Predict(obs); got != first {
			t.Fatalf("predict not deterministic: %v != %v", got, first)
		}
	}
	for i, v := range first {
		if v < -1 || v > 1 {
			t.Fatalf("action[%d] = %v outside [-1, 1]", i, v)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newFakeStore()
	tr := New(context.Background(), &fakeEnv{episodeSteps: 5}, store, testConfig(100))

	if err := tr.Checkpoint("baseline"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	obs := env.DefaultObservation()
	obs.DroneState[0] = 3
	before := tr.Predict(obs)

	if err := tr.LoadModel("baseline"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := tr.Predict(obs); got != before {
		t.Fatalf("restored model predicts %v, want %v", got, before)
	}
}

func TestLoadModelRejectedWhileRunning(t *testing.T) {
	store := newFakeStore()
	tr := New(context.Background(), &fakeEnv{episodeSteps: 5}, store, testConfig(1_000_000))
	if err := tr.Checkpoint("baseline"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	if err := tr.LoadModel("baseline"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("load error = %v, want ErrAlreadyRunning", err)
	}
}

func TestLoadModelSurfacesStoreError(t *testing.T) {
	tr := New(context.Background(), &fakeEnv{episodeSteps: 5}, newFakeStore(), testConfig(100))

	if err := tr.LoadModel("missing"); err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}
