package domain

import "errors"

// ErrTaskNotFound is a sentinel error returned when a task is not found.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskNotAvailable is the contention outcome: another worker won the
// accept race, or the task otherwise left the available pool between read
// and write. It is a normal result of dispatch, not a failure, and callers
// must not retry automatically.
var ErrTaskNotAvailable = errors.New("task no longer available")

// RejectionReason identifies why a guarded transition refused a caller.
type RejectionReason string

const (
	ReasonSelfAccept       RejectionReason = "poster cannot accept own task"
	ReasonWorkerOffline    RejectionReason = "worker is not online"
	ReasonWorkerBusy       RejectionReason = "worker already holds an active task"
	ReasonCancelCapReached RejectionReason = "daily cancellation limit reached"
	ReasonNotOwner         RejectionReason = "caller does not own this transition"
	ReasonTaskHidden       RejectionReason = "task is hidden"
	ReasonHandshakePending RejectionReason = "worker has not marked the task complete"
	ReasonBadState         RejectionReason = "task is not in a state that allows this transition"
	ReasonRateLimited      RejectionReason = "too many attempts, slow down"
	ReasonCooldownActive   RejectionReason = "re-alert cooldown has not elapsed"
)

// TransitionRejectedError is a precondition violation: the caller's identity,
// role or the task's current state does not satisfy the transition guard.
// Distinct from ErrTaskNotAvailable so clients can show an actionable reason
// instead of treating it as contention.
type TransitionRejectedError struct {
	Reason RejectionReason
}

func (e *TransitionRejectedError) Error() string {
	return "transition rejected: " + string(e.Reason)
}

// Rejected builds a TransitionRejectedError for the given reason.
func Rejected(reason RejectionReason) error {
	return &TransitionRejectedError{Reason: reason}
}

// IsRejected reports whether err is a transition rejection, unwrapping as
// needed, and returns the reason when it is.
func IsRejected(err error) (RejectionReason, bool) {
	var tr *TransitionRejectedError
	if errors.As(err, &tr) {
		return tr.Reason, true
	}
	return "", false
}
