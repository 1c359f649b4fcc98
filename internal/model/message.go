package model

import "encoding/json"

// MsgType tags a simulation wire message.
type MsgType string

const (
	// Simulation → backend
	MsgObservation  MsgType = "observation"
	MsgReward       MsgType = "reward"
	MsgReset        MsgType = "reset" // outbound: reset request; inbound: reset acknowledgement
	MsgDroneUpdate  MsgType = "drone_update"
	MsgPlantsUpdate MsgType = "plants_update"
	MsgCameraFeed   MsgType = "camera_feed"
	MsgPing         MsgType = "ping"

	// Backend → simulation
	MsgAction              MsgType = "action"
	MsgPlantClassification MsgType = "plant_classification"
	MsgPong                MsgType = "pong"
	MsgError               MsgType = "error"
)

// Envelope is the top-level wire frame. Timestamp is seconds since the epoch.
type Envelope struct {
	Type      MsgType     `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp float64     `json:"timestamp"`
}

// Inbound is a received frame with its payload left undecoded.
// Each handler decodes the payload for its own tag.
type Inbound struct {
	Type      MsgType
	Data      json.RawMessage
	Timestamp float64
}

// Plant is one tracked plant as reported by the simulation.
type Plant struct {
	ID       string    `json:"id"`
	Position []float64 `json:"position"`
}

// ObservationPayload carries a full world snapshot.
// Any field may be absent; consumers default-fill missing data.
type ObservationPayload struct {
	Image    string    `json:"image,omitempty"` // base64-encoded camera frame
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity"`
	Rotation []float64 `json:"rotation"`
	Plants   []Plant   `json:"plants"`
}

// DroneUpdatePayload refreshes drone telemetry only.
type DroneUpdatePayload struct {
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity"`
	Rotation []float64 `json:"rotation"`
}

// PlantsUpdatePayload refreshes the tracked plant list only.
type PlantsUpdatePayload struct {
	Plants []Plant `json:"plants"`
}

// CameraFeedPayload carries one camera frame for classification.
type CameraFeedPayload struct {
	Image    string    `json:"image,omitempty"`
	Position []float64 `json:"position"`
	Plants   []Plant   `json:"plants"`
}

// RewardPayload is an informational reward signal from the simulation.
// Reward shaping is computed locally; this is logged only.
type RewardPayload struct {
	Reward float64 `json:"reward"`
	Done   bool    `json:"done"`
}

// ActionPayload carries one control action to the simulation.
type ActionPayload struct {
	Action []float64 `json:"action"`
}

// PlantClassification is one published classification result.
type PlantClassification struct {
	PlantID    string     `json:"plant_id"`
	Position   [3]float64 `json:"position"`
	Prediction string     `json:"prediction"`
	Confidence float64    `json:"confidence"`
}

// ErrorPayload reports a processing failure back over the link.
type ErrorPayload struct {
	Message string `json:"message"`
}
