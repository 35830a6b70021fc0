package ride

import (
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Reason classifies why an operation was rejected.
type Reason string

const (
	ReasonValidation      Reason = "validation"
	ReasonNotFound        Reason = "not_found"
	ReasonAlreadyAccepted Reason = "already_accepted"
	ReasonWrongDriver     Reason = "wrong_driver"
	ReasonBadOTP          Reason = "bad_otp"
	ReasonInvalidState    Reason = "invalid_state"
	ReasonUpstream        Reason = "upstream_unavailable"
)

// Rejection is the typed outcome for any refused operation. Conflicts carry
// the authoritative current ride so the caller can reconcile its UI instead
// of guessing; AcceptedBy is set when another driver won the race.
type Rejection struct {
	Reason     Reason
	Message    string
	AcceptedBy string
	Current    *models.Ride
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("ride rejected (%s): %s", r.Reason, r.Message)
}

// Retryable reports whether the caller may usefully retry the same call.
func (r *Rejection) Retryable() bool { return r.Reason == ReasonUpstream }

// AsRejection unwraps err into a *Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
