package env

import "github.com/agropilot/agropilot/internal/model"

// Fixed observation shapes. The simulation may report anything; the
// environment normalizes into these before the trainer ever sees it.
const (
	ImageWidth    = 224
	ImageHeight   = 224
	ImageChannels = 3
	ImageSize     = ImageWidth * ImageHeight * ImageChannels

	// DroneStateSize is position(3) + velocity(3) + rotation(3).
	DroneStateSize = 9

	// MaxPlants is the tracked-plant capacity; extra plants are dropped,
	// missing slots stay zero.
	MaxPlants = 20

	// ActionSize is [thrust, pitch, roll, yaw], each in [-1, 1].
	ActionSize = 4
)

// Observation is the fixed-shape world snapshot exposed to the trainer.
// The image buffer is replaced wholesale on update, never mutated in
// place, so snapshots handed out earlier stay valid.
type Observation struct {
	Image          []byte
	DroneState     [DroneStateSize]float64
	PlantPositions [MaxPlants][3]float64
	PlantIDs       [MaxPlants]string
	PlantCount     int
}

// DefaultObservation is the zeroed snapshot used before any real data
// arrives: drone hovering at the spawn point, no image, no plants.
func DefaultObservation() Observation {
	var obs Observation
	obs.Image = make([]byte, ImageSize)
	obs.DroneState[1] = 5 // spawn altitude
	return obs
}

// Position returns the drone position component of the state vector.
func (o *Observation) Position() [3]float64 {
	return [3]float64{o.DroneState[0], o.DroneState[1], o.DroneState[2]}
}

// Velocity returns the drone velocity component of the state vector.
func (o *Observation) Velocity() [3]float64 {
	return [3]float64{o.DroneState[3], o.DroneState[4], o.DroneState[5]}
}

// vec3 copies up to three components of v, default-filling the rest.
func vec3(v []float64, def [3]float64) [3]float64 {
	out := def
	for i := 0; i < len(v) && i < 3; i++ {
		out[i] = v[i]
	}
	return out
}

func (o *Observation) setPlants(plants []model.Plant) {
	o.PlantPositions = [MaxPlants][3]float64{}
	o.PlantIDs = [MaxPlants]string{}
	n := 0
	for _, p := range plants {
		if n >= MaxPlants {
			break
		}
		o.PlantPositions[n] = vec3(p.Position, [3]float64{})
		o.PlantIDs[n] = p.ID
		n++
	}
	o.PlantCount = n
}
