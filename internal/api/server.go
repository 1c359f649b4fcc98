package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agropilot/agropilot/internal/checkpoint"
	"github.com/agropilot/agropilot/internal/env"
	"github.com/agropilot/agropilot/internal/simlink"
	"github.com/agropilot/agropilot/internal/trainer"
	"github.com/agropilot/agropilot/internal/vision"
)

// Server holds the HTTP control surface over the trainer and links.
type Server struct {
	trainer *trainer.Trainer
	store   *checkpoint.Store
	bridge  *vision.Bridge // nil when the classifier is disabled
	links   map[string]*simlink.Link
}

// NewServer creates the handler set. bridge may be nil.
func NewServer(t *trainer.Trainer, store *checkpoint.Store, bridge *vision.Bridge, links map[string]*simlink.Link) *Server {
	return &Server{
		trainer: t,
		store:   store,
		bridge:  bridge,
		links:   links,
	}
}

// RegisterRoutes registers all routes on the Gin engine.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", s.Health)
		api.GET("/training/status", s.TrainingStatus)
		api.POST("/training/start", s.StartTraining)
		api.POST("/training/stop", s.StopTraining)
		api.GET("/training/metrics", s.TrainingMetrics)
		api.GET("/models", s.ListModels)
		api.POST("/models/:name/load", s.LoadModel)
		api.POST("/predict", s.Predict)
	}
}

// Health reports process status and link states.
func (s *Server) Health(c *gin.Context) {
	links := make(map[string]string, len(s.links))
	for name, l := range s.links {
		links[name] = l.Status().State.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"links":  links,
	})
}

// TrainingStatus returns the training-run snapshot.
func (s *Server) TrainingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.trainer.Metrics())
}

// StartTraining launches the background training loop.
func (s *Server) StartTraining(c *gin.Context) {
	if err := s.trainer.Start(); err != nil {
		if errors.Is(err, trainer.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "training started"})
}

// StopTraining cancels the background training loop.
func (s *Server) StopTraining(c *gin.Context) {
	if err := s.trainer.Stop(); err != nil {
		if errors.Is(err, trainer.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "training stopped"})
}

// TrainingMetrics returns the run snapshot plus bridge counters.
func (s *Server) TrainingMetrics(c *gin.Context) {
	resp := gin.H{"training": s.trainer.Metrics()}
	if s.bridge != nil {
		resp["classification"] = s.bridge.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// ListModels returns all stored checkpoint names, newest first.
func (s *Server) ListModels(c *gin.Context) {
	names, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"models": names})
}

// LoadModel swaps the trainer's policy for a stored checkpoint.
func (s *Server) LoadModel(c *gin.Context) {
	name := c.Param("name")
	if err := s.trainer.LoadModel(name); err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, trainer.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "model loaded", "name": name})
}

// predictRequest is the one-shot inference request body.
type predictRequest struct {
	DroneState []float64 `json:"drone_state" binding:"required"`
}

// Predict returns a single deterministic action for a posted drone state.
func (s *Server) Predict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.DroneState) != env.DroneStateSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "drone_state must have 9 entries"})
		return
	}

	obs := env.DefaultObservation()
	copy(obs.DroneState[:], req.DroneState)

	action := s.trainer.Predict(obs)
	c.JSON(http.StatusOK, gin.H{"action": action[:]})
}
