package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/agropilot/agropilot/internal/model"
)

// Publisher is the outbound half of the link the bridge publishes on.
type Publisher interface {
	SendPlantClassification(res model.PlantClassification) error
	SendError(message string) error
}

// Stats counts frames seen by the bridge.
type Stats struct {
	FramesReceived   int `json:"frames_received"`
	FramesClassified int `json:"frames_classified"`
	FramesFailed     int `json:"frames_failed"`
}

// Bridge classifies inbound camera frames and publishes the results back
// over the link. Classification is per-frame: one image-level prediction
// fanned out to every tracked plant in the frame.
type Bridge struct {
	classifier Classifier
	pub        Publisher

	mu    sync.Mutex
	stats Stats
}

// NewBridge creates the bridge.
func NewBridge(classifier Classifier, pub Publisher) *Bridge {
	return &Bridge{classifier: classifier, pub: pub}
}

// HandleCameraFeed is the link dispatch entry point for camera frames.
// Every failure mode produces an explicit error message over the link;
// none of them terminate it.
func (b *Bridge) HandleCameraFeed(ctx context.Context, msg *model.Inbound) {
	b.count(func(s *Stats) { s.FramesReceived++ })

	var frame model.CameraFeedPayload
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.fail(fmt.Sprintf("bad camera frame: %v", err))
		return
	}

	if frame.Image == "" {
		b.fail("no image data provided")
		return
	}

	image, err := base64.StdEncoding.DecodeString(frame.Image)
	if err != nil {
		b.fail(fmt.Sprintf("image decode failed: %v", err))
		return
	}

	pred, err := b.classifier.Classify(ctx, image)
	if err != nil {
		b.fail(fmt.Sprintf("classification failed: %v", err))
		return
	}

	for _, res := range b.fanOut(&frame, pred) {
		if err := b.pub.SendPlantClassification(res); err != nil {
			log.Printf("[bridge] publish result failed: %v", err)
		}
	}

	b.count(func(s *Stats) { s.FramesClassified++ })
	log.Printf("[bridge] frame classified: %s (%.2f)", pred.Label, pred.Confidence)
}

// fanOut builds one result per tracked plant, or a single result tagged
// to the frame's nominal position when no plants accompany it.
func (b *Bridge) fanOut(frame *model.CameraFeedPayload, pred Prediction) []model.PlantClassification {
	framePos := position(frame.Position)

	if len(frame.Plants) == 0 {
		return []model.PlantClassification{{
			PlantID:    "image_center",
			Position:   framePos,
			Prediction: pred.Label,
			Confidence: pred.Confidence,
		}}
	}

	results := make([]model.PlantClassification, 0, len(frame.Plants))
	for _, plant := range frame.Plants {
		id := plant.ID
		if id == "" {
			id = "unknown"
		}
		results = append(results, model.PlantClassification{
			PlantID:    id,
			Position:   position(plant.Position),
			Prediction: pred.Label,
			Confidence: pred.Confidence,
		})
	}
	return results
}

// Stats returns a snapshot of the frame counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bridge) fail(message string) {
	b.count(func(s *Stats) { s.FramesFailed++ })
	log.Printf("[bridge] %s", message)
	if err := b.pub.SendError(message); err != nil {
		log.Printf("[bridge] error report not sent: %v", err)
	}
}

func (b *Bridge) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

func position(v []float64) [3]float64 {
	var out [3]float64
	for i := 0; i < len(v) && i < 3; i++ {
		out[i] = v[i]
	}
	return out
}
