package envelope

import (
	"fmt"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// transitions is the status lifecycle. The suspended states (blocked,
// needs_human) recover to processing; done and error are terminal.
var transitions = map[v1.EnvelopeStatus][]v1.EnvelopeStatus{
	v1.EnvelopeStatusSent:       {v1.EnvelopeStatusReceived},
	v1.EnvelopeStatusReceived:   {v1.EnvelopeStatusProcessing},
	v1.EnvelopeStatusProcessing: {v1.EnvelopeStatusBlocked, v1.EnvelopeStatusNeedsHuman, v1.EnvelopeStatusDone, v1.EnvelopeStatusError},
	v1.EnvelopeStatusBlocked:    {v1.EnvelopeStatusProcessing},
	v1.EnvelopeStatusNeedsHuman: {v1.EnvelopeStatusProcessing},
	v1.EnvelopeStatusDone:       nil,
	v1.EnvelopeStatusError:      nil,
}

// Terminal reports whether no further status transitions are permitted.
func Terminal(s v1.EnvelopeStatus) bool {
	return s == v1.EnvelopeStatusDone || s == v1.EnvelopeStatusError
}

// CanTransition reports whether moving from one status to another is a
// legal lifecycle step. A same-status write is allowed and treated as a
// no-op by the store.
func CanTransition(from, to v1.EnvelopeStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a ValidationError for an illegal lifecycle step.
func CheckTransition(from, to v1.EnvelopeStatus) error {
	if !ValidStatus(to) {
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", to))
	}
	if !CanTransition(from, to) {
		return apperrors.Validation("status", fmt.Sprintf("illegal transition from %s to %s", from, to))
	}
	return nil
}
