// Package grant drives polling authorization grants (RFC 8628 device
// authorization, OpenID Connect CIBA) from initiation to a terminal outcome.
//
// A grant session runs one poll loop in its own goroutine. Callers observe it
// through Session.State, Session.Updates or Session.Wait, and stop it with
// Session.Cancel. Cancellation never produces a terminal state.
package grant

import "time"

// Status names the active variant of a State.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusError    Status = "error"
)

// State is the tagged union of grant states. Only the fields belonging to
// Status are meaningful.
type State[R any] struct {
	Status Status `json:"status"`

	// Pending
	Interval time.Duration `json:"interval,omitempty"`
	// Approved
	Tokens R `json:"tokens,omitempty"`
	// Denied
	Reason string `json:"reason,omitempty"`
	// Error
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

func Pending[R any](interval time.Duration) State[R] {
	return State[R]{Status: StatusPending, Interval: interval}
}

func Approved[R any](tokens R) State[R] {
	return State[R]{Status: StatusApproved, Tokens: tokens}
}

func Denied[R any](reason string) State[R] {
	return State[R]{Status: StatusDenied, Reason: reason}
}

func Expired[R any]() State[R] {
	return State[R]{Status: StatusExpired}
}

func Failed[R any](code, description string) State[R] {
	return State[R]{Status: StatusError, Code: code, Description: description}
}

// Terminal reports whether no further transitions can follow.
func (s State[R]) Terminal() bool {
	return s.Status != StatusPending && s.Status != ""
}

// PollAttempt describes one round trip for diagnostics.
type PollAttempt struct {
	Index    int
	Interval time.Duration
	// Code is the protocol error code, "" on success or transport failure.
	Code string
	// Err is the fetch error, nil on success.
	Err error
}
