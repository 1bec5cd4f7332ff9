package domain

import "errors"

// Error taxonomy for the forecast pipeline. Validation errors are rejected at
// the boundary and never reach the ensemble; availability errors degrade the
// cycle output instead of aborting it.
var (
	// ErrMalformedAgentOutput marks agent payloads with missing required
	// fields or invalid values. Rejected, logged, dropped; never coerced.
	ErrMalformedAgentOutput = errors.New("malformed agent output")

	// ErrMissingEventContext is returned when an event model is invoked
	// without its triggering event. Integration error, surfaced to caller.
	ErrMissingEventContext = errors.New("missing event context")

	// ErrEmptyEnsemble means no usable forecasts were available this cycle.
	ErrEmptyEnsemble = errors.New("empty ensemble")

	// ErrStaleWeightVector flags regime weights older than the freshness
	// threshold. Advisory: the stale vector is still used.
	ErrStaleWeightVector = errors.New("stale weight vector")

	// ErrUnlearnedOutcome marks a forecast whose ground truth never arrived
	// within the outcome timeout. Excluded from training.
	ErrUnlearnedOutcome = errors.New("unlearned outcome")

	// ErrDuplicateEvent signals the registry merged a submission into an
	// existing event instead of storing a second record. Non-fatal.
	ErrDuplicateEvent = errors.New("duplicate event")
)
