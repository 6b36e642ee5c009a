package model

import (
	"sync"

	"github.com/YuminosukeSato/realestate/pkg/errors"
)

// Phase is a step in a price model's lifecycle.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseDatasetPrepared
	PhaseCompiled
	PhaseTraining
	PhaseTrained
	PhaseEvaluating
	PhaseScoring
)

var phaseNames = [...]string{
	"uninitialized",
	"dataset-prepared",
	"compiled",
	"training",
	"trained",
	"evaluating",
	"scoring",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// transitions lists the phases reachable from each phase.
var transitions = map[Phase][]Phase{
	PhaseUninitialized:   {PhaseDatasetPrepared, PhaseTrained},
	PhaseDatasetPrepared: {PhaseCompiled},
	PhaseCompiled:        {PhaseTraining},
	PhaseTraining:        {PhaseTrained},
	PhaseTrained:         {PhaseDatasetPrepared, PhaseEvaluating, PhaseScoring, PhaseTrained},
	PhaseEvaluating:      {PhaseTrained},
	PhaseScoring:         {PhaseTrained},
}

// StateManager tracks the lifecycle phase of a model in a thread-safe manner.
type StateManager struct {
	Fitted bool // Public for gob encoding
	Phase  Phase
	mu     sync.RWMutex

	// Optional metadata - Public for gob encoding
	NFeatures int
	NSamples  int
}

// NewStateManager creates a new StateManager instance.
func NewStateManager() *StateManager {
	return &StateManager{Phase: PhaseUninitialized}
}

// Current returns the current phase.
func (s *StateManager) Current() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}

// Transition moves to the given phase, failing if the move is not allowed.
func (s *StateManager) Transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range transitions[s.Phase] {
		if p == to {
			s.Phase = to
			if to == PhaseTrained {
				s.Fitted = true
			}
			return nil
		}
	}
	return errors.NewValueError("StateManager.Transition",
		"illegal phase transition from "+s.Phase.String()+" to "+to.String())
}

// Abort returns to a resting phase after a failed operation. A failed
// evaluation or score keeps the trained model; anything earlier discards it.
func (s *StateManager) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.Phase {
	case PhaseEvaluating, PhaseScoring:
		s.Phase = PhaseTrained
	case PhaseTrained:
	default:
		s.Phase = PhaseUninitialized
		s.Fitted = false
	}
}

// IsFitted returns whether the model has been fitted.
func (s *StateManager) IsFitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Fitted
}

// SetFitted marks a model trained in one step (closed-form solvers).
func (s *StateManager) SetFitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = true
	s.Phase = PhaseTrained
}

// Reset resets the fitted state.
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = false
	s.Phase = PhaseUninitialized
	s.NFeatures = 0
	s.NSamples = 0
}

// SetDimensions sets the number of features and samples seen during fitting.
func (s *StateManager) SetDimensions(nFeatures, nSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NFeatures = nFeatures
	s.NSamples = nSamples
}

// GetDimensions returns the number of features and samples seen during fitting.
func (s *StateManager) GetDimensions() (nFeatures, nSamples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NFeatures, s.NSamples
}

// RequireFitted returns a NotFittedError if the model has not been fitted.
func (s *StateManager) RequireFitted(modelName, method string) error {
	if !s.IsFitted() {
		return errors.NewNotFittedError(modelName, method)
	}
	return nil
}

// ModelState represents the complete state of a model.
type ModelState struct {
	Fitted    bool   `json:"fitted"`
	Phase     string `json:"phase"`
	NFeatures int    `json:"n_features,omitempty"`
	NSamples  int    `json:"n_samples,omitempty"`
}

// GetState returns the current state as a ModelState struct.
func (s *StateManager) GetState() ModelState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ModelState{
		Fitted:    s.Fitted,
		Phase:     s.Phase.String(),
		NFeatures: s.NFeatures,
		NSamples:  s.NSamples,
	}
}
