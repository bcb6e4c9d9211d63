package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/jakeops/internal/model"
)

// ErrNotFound is returned by the executor when a delivery does not exist.
// Service lookups report absence with a boolean instead.
var ErrNotFound = errors.New("delivery: not found")

// ErrAlreadyRunning is returned when a phase run is already in flight for a
// delivery in this process.
var ErrAlreadyRunning = errors.New("delivery: phase already running")

// InvalidTransitionError reports an operation that is not legal from the
// delivery's current phase and run status.
type InvalidTransitionError struct {
	Op        string
	Phase     model.Phase
	RunStatus model.RunStatus
	Required  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: not allowed from phase %q with run_status %q (requires %s)",
		e.Op, e.Phase, e.RunStatus, e.Required)
}

func invalid(op string, d model.Delivery, required string) error {
	return &InvalidTransitionError{Op: op, Phase: d.Phase, RunStatus: d.RunStatus, Required: required}
}

// ConfigurationError reports collaborators the executor needs but was not
// given.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "delivery: executor not configured: missing " + strings.Join(e.Missing, ", ")
}
