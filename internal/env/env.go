package env

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"

	"github.com/agropilot/agropilot/internal/model"
)

// Reward shaping and termination thresholds.
const (
	minAltitude     = 1.0 // airborne reward above, crash penalty below
	crashAltitude   = 0.5 // episode terminates below
	boundsLimit     = 30.0
	maxSafeSpeed    = 5.0
	airborneReward  = 0.1
	crashPenalty    = 1.0
	exploreScale    = 0.1
	exploreCap      = 0.5
	speedPenalty    = 0.1
	energyCostScale = 0.01
	discoveryRadius = 3.0 // horizontal distance to credit a plant discovery
	discoveryReward = 1.0
)

// Sender is the outbound half of the simulation link the environment needs.
type Sender interface {
	SendAction(action []float64) error
	SendReset() error
}

// StepResult is the outcome of one environment step.
type StepResult struct {
	Observation Observation
	Reward      float64
	Terminated  bool
	Truncated   bool
	Info        Info
}

// Info carries per-step episode bookkeeping.
type Info struct {
	EpisodeStep      int     `json:"episode_step"`
	TotalReward      float64 `json:"total_reward"`
	PlantsIdentified int     `json:"plants_identified"`
}

// Env adapts the push-based simulation feed to a synchronous reset/step
// contract. Inbound messages update a cached observation; Step reads the
// latest cache rather than waiting for the action's own response, so a
// step may see an observation that predates the action it just sent.
//
// The cache is written from the link's dispatch goroutine and read from
// the trainer's loop goroutine, so all state is guarded by one mutex.
type Env struct {
	sender          Sender
	maxEpisodeSteps int

	mu           sync.Mutex
	obs          Observation
	episodeStep  int
	totalReward  float64
	identified   map[string]struct{}
	lastPosition [3]float64
}

// New creates the environment with the default observation cached.
func New(sender Sender, maxEpisodeSteps int) *Env {
	return &Env{
		sender:          sender,
		maxEpisodeSteps: maxEpisodeSteps,
		obs:             DefaultObservation(),
		identified:      make(map[string]struct{}),
		lastPosition:    [3]float64{0, 5, 0},
	}
}

// Reset clears the episode state, requests a simulation reset, and returns
// the default observation immediately. It never blocks waiting for the
// simulation's acknowledgement.
func (e *Env) Reset() Observation {
	e.mu.Lock()
	e.episodeStep = 0
	e.totalReward = 0
	e.identified = make(map[string]struct{})
	e.lastPosition = [3]float64{0, 5, 0}
	e.obs = DefaultObservation()
	obs := e.obs
	e.mu.Unlock()

	if err := e.sender.SendReset(); err != nil {
		log.Printf("[env] reset request not sent: %v", err)
	}

	return obs
}

// Step sends the action and computes the result from the latest cached
// observation. Terminal checks run before the episode-length check, so
// Terminated and Truncated are never both set.
func (e *Env) Step(action [ActionSize]float64) StepResult {
	if err := e.sender.SendAction(action[:]); err != nil {
		log.Printf("[env] action not sent: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.episodeStep++

	obs := e.obs
	reward := e.shapeReward(&obs, action)
	e.totalReward += reward

	terminated := isTerminated(&obs)
	truncated := !terminated && e.episodeStep >= e.maxEpisodeSteps

	return StepResult{
		Observation: obs,
		Reward:      reward,
		Terminated:  terminated,
		Truncated:   truncated,
		Info: Info{
			EpisodeStep:      e.episodeStep,
			TotalReward:      e.totalReward,
			PlantsIdentified: len(e.identified),
		},
	}
}

// Current returns the latest cached observation.
func (e *Env) Current() Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.obs
}

// shapeReward is deterministic given the same observation, action, and
// episode state. Called with e.mu held; mutates lastPosition and the
// identified set.
func (e *Env) shapeReward(obs *Observation, action [ActionSize]float64) float64 {
	pos := obs.Position()
	vel := obs.Velocity()

	var reward float64

	// Staying airborne vs. flying dangerously low.
	if pos[1] > minAltitude {
		reward += airborneReward
	} else {
		reward -= crashPenalty
	}

	// Exploration: bounded reward for displacement since the last step.
	moved := dist3(pos, e.lastPosition)
	reward += math.Min(moved*exploreScale, exploreCap)
	e.lastPosition = pos

	// Smooth flight: penalize excessive speed.
	if norm3(vel) > maxSafeSpeed {
		reward -= speedPenalty
	}

	// Discovery: credit each tracked plant once per episode when the
	// drone first passes near it.
	for i := 0; i < obs.PlantCount; i++ {
		id := obs.PlantIDs[i]
		if id == "" {
			continue
		}
		if _, seen := e.identified[id]; seen {
			continue
		}
		dx := pos[0] - obs.PlantPositions[i][0]
		dz := pos[2] - obs.PlantPositions[i][2]
		if math.Sqrt(dx*dx+dz*dz) <= discoveryRadius {
			e.identified[id] = struct{}{}
			reward += discoveryReward
		}
	}

	// Energy: small penalty proportional to control effort.
	var effort float64
	for _, a := range action {
		effort += math.Abs(a)
	}
	reward -= effort * energyCostScale

	return reward
}

func isTerminated(obs *Observation) bool {
	pos := obs.Position()
	if pos[1] < crashAltitude {
		return true
	}
	if math.Abs(pos[0]) > boundsLimit || math.Abs(pos[2]) > boundsLimit {
		return true
	}
	return false
}

// ─────────────────────────────────────────────
// Inbound dispatch
// ─────────────────────────────────────────────

// ApplyInbound is the link dispatch entry point. Malformed payloads are
// logged and dropped, leaving the previous cached observation intact;
// well-formed payloads with missing fields are default-filled.
func (e *Env) ApplyInbound(ctx context.Context, msg *model.Inbound) {
	switch msg.Type {
	case model.MsgObservation:
		var p model.ObservationPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Printf("[env] bad observation payload: %v", err)
			return
		}
		e.applyObservation(&p)

	case model.MsgDroneUpdate:
		var p model.DroneUpdatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Printf("[env] bad drone_update payload: %v", err)
			return
		}
		e.applyDroneUpdate(&p)

	case model.MsgPlantsUpdate:
		var p model.PlantsUpdatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Printf("[env] bad plants_update payload: %v", err)
			return
		}
		e.mu.Lock()
		e.obs.setPlants(p.Plants)
		e.mu.Unlock()

	case model.MsgReward:
		var p model.RewardPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Printf("[env] bad reward payload: %v", err)
			return
		}
		// Informational only; shaping is computed locally.
		log.Printf("[env] simulation reward: %.3f done=%v", p.Reward, p.Done)

	case model.MsgReset:
		log.Printf("[env] simulation acknowledged reset")

	default:
		log.Printf("[env] unexpected message type: %s", msg.Type)
	}
}

func (e *Env) applyObservation(p *model.ObservationPayload) {
	obs := DefaultObservation()

	if p.Image != "" {
		if buf, err := decodeFrame(p.Image); err != nil {
			log.Printf("[env] observation image dropped: %v", err)
		} else {
			obs.Image = buf
		}
	}

	pos := vec3(p.Position, [3]float64{0, 5, 0})
	vel := vec3(p.Velocity, [3]float64{})
	rot := vec3(p.Rotation, [3]float64{})
	obs.DroneState = [DroneStateSize]float64{
		pos[0], pos[1], pos[2],
		vel[0], vel[1], vel[2],
		rot[0], rot[1], rot[2],
	}

	obs.setPlants(p.Plants)

	e.mu.Lock()
	e.obs = obs
	e.mu.Unlock()
}

func (e *Env) applyDroneUpdate(p *model.DroneUpdatePayload) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.obs.Position()
	pos := vec3(p.Position, cur)
	vel := vec3(p.Velocity, e.obs.Velocity())
	rot := vec3(p.Rotation, [3]float64{e.obs.DroneState[6], e.obs.DroneState[7], e.obs.DroneState[8]})
	e.obs.DroneState = [DroneStateSize]float64{
		pos[0], pos[1], pos[2],
		vel[0], vel[1], vel[2],
		rot[0], rot[1], rot[2],
	}
}

func dist3(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}
