package handler

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/scenario"
)

// RunDefaults are the run parameters applied to requests that omit them
type RunDefaults struct {
	Radar             radar.Config `json:"radar"`
	TimeSteps         int          `json:"time_steps"`
	Steering          string       `json:"steering"`
	LookAngle         float64      `json:"look_angle"`
	MeasurementStdDev float64      `json:"measurement_stddev"`
	Parallel          bool         `json:"parallel"`
}

// ConfigStore holds the mutable run defaults of the agent
type ConfigStore struct {
	mu       sync.RWMutex
	defaults RunDefaults
}

// NewConfigStore creates a store holding the built-in defaults
func NewConfigStore() *ConfigStore {
	return &ConfigStore{defaults: builtinDefaults()}
}

func builtinDefaults() RunDefaults {
	s := scenario.New()
	return RunDefaults{
		Radar:     s.Radar,
		TimeSteps: s.TimeSteps,
		Steering:  radar.SteeringIdeal.String(),
	}
}

// Snapshot returns a copy of the current defaults
func (c *ConfigStore) Snapshot() RunDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults
}

// Scenario returns an empty scenario carrying the current defaults
func (c *ConfigStore) Scenario() scenario.Scenario {
	d := c.Snapshot()
	s := scenario.New()
	s.Radar = d.Radar
	s.TimeSteps = d.TimeSteps
	s.Steering = d.Steering
	s.LookAngle = d.LookAngle
	s.MeasurementStdDev = d.MeasurementStdDev
	s.Parallel = d.Parallel
	return s
}

// ConfigUpdateRequest represents a partial configuration update request
type ConfigUpdateRequest struct {
	Wavelength        *float64 `json:"wavelength,omitempty"`
	ArrayElements     *int     `json:"array_elements,omitempty"`
	ElementSpacing    *float64 `json:"element_spacing,omitempty"`
	NoisePower        *float64 `json:"noise_power,omitempty"`
	CFARThreshold     *float64 `json:"cfar_threshold,omitempty"`
	TimeSteps         *int     `json:"time_steps,omitempty"`
	Steering          *string  `json:"steering,omitempty"`
	LookAngle         *float64 `json:"look_angle,omitempty"`
	MeasurementStdDev *float64 `json:"measurement_stddev,omitempty"`
	Parallel          *bool    `json:"parallel,omitempty"`
}

// Apply validates the update against the current defaults and commits it.
// Nothing changes when any field is invalid.
func (c *ConfigStore) Apply(req ConfigUpdateRequest) (RunDefaults, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.defaults
	if req.Wavelength != nil {
		d.Radar.Wavelength = *req.Wavelength
	}
	if req.ArrayElements != nil {
		d.Radar.ArrayElements = *req.ArrayElements
	}
	if req.ElementSpacing != nil {
		d.Radar.ElementSpacing = *req.ElementSpacing
	}
	if req.NoisePower != nil {
		d.Radar.NoisePower = *req.NoisePower
	}
	if req.CFARThreshold != nil {
		d.Radar.CFARThreshold = *req.CFARThreshold
	}
	if req.TimeSteps != nil {
		d.TimeSteps = *req.TimeSteps
	}
	if req.Steering != nil {
		d.Steering = *req.Steering
	}
	if req.LookAngle != nil {
		d.LookAngle = *req.LookAngle
	}
	if req.MeasurementStdDev != nil {
		d.MeasurementStdDev = *req.MeasurementStdDev
	}
	if req.Parallel != nil {
		d.Parallel = *req.Parallel
	}

	candidate := scenario.Scenario{
		Radar:             d.Radar,
		TimeSteps:         d.TimeSteps,
		Steering:          d.Steering,
		LookAngle:         d.LookAngle,
		MeasurementStdDev: d.MeasurementStdDev,
	}
	if err := candidate.Validate(); err != nil {
		return c.defaults, err
	}

	c.defaults = d
	return d, nil
}

// Reset restores the built-in defaults
func (c *ConfigStore) Reset() RunDefaults {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = builtinDefaults()
	return c.defaults
}

// ConfigHandler serves the run defaults
type ConfigHandler struct {
	store  *ConfigStore
	logger zerolog.Logger
}

// NewConfigHandler creates a new ConfigHandler
func NewConfigHandler(store *ConfigStore, logger zerolog.Logger) *ConfigHandler {
	return &ConfigHandler{
		store:  store,
		logger: logger.With().Str("handler", "config").Logger(),
	}
}

// Routes returns the configuration routes
func (h *ConfigHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetConfig)
	r.Patch("/", h.PatchConfig)
	r.Post("/reset", h.ResetConfig)

	return r
}

// GetConfig handles GET /api/v1/config
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.store.Snapshot())
}

// PatchConfig handles PATCH /api/v1/config
func (h *ConfigHandler) PatchConfig(w http.ResponseWriter, r *http.Request) {
	correlationID := GetCorrelationID(r.Context())

	var req ConfigUpdateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error(), correlationID)
		return
	}

	d, err := h.store.Apply(req)
	if err != nil {
		WriteFailure(w, http.StatusInternalServerError, err, correlationID)
		return
	}

	h.logger.Info().
		Str("correlation_id", correlationID).
		Interface("defaults", d).
		Msg("Updated run defaults")

	WriteJSON(w, http.StatusOK, d)
}

// ResetConfig handles POST /api/v1/config/reset
func (h *ConfigHandler) ResetConfig(w http.ResponseWriter, r *http.Request) {
	d := h.store.Reset()
	h.logger.Info().Str("correlation_id", GetCorrelationID(r.Context())).Msg("Run defaults reset")
	WriteJSON(w, http.StatusOK, d)
}
