// Package outcome describes the result of a single check or trigger against
// an external platform surface. Stage drivers return an Outcome instead of
// swallowing errors so the orchestrator can apply its retry and rollback
// policy explicitly.
package outcome

import "fmt"

// Kind classifies an Outcome.
type Kind int

const (
	// Ok means the condition holds or the action was started.
	Ok Kind = iota
	// NotYetReady means an expected external condition is not true yet.
	// Invalid input (a malformed descriptor) is reported with this kind too.
	NotYetReady
	// TriggerFailed means an action could not even be started; the
	// corresponding trigger flag has been rolled back.
	TriggerFailed
	// AuthorityMissing means the process lacks device-owner authority.
	AuthorityMissing
	// Unexpected is any other platform failure.
	Unexpected
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case NotYetReady:
		return "not_yet_ready"
	case TriggerFailed:
		return "trigger_failed"
	case AuthorityMissing:
		return "authority_missing"
	case Unexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one external call.
type Outcome struct {
	Kind   Kind
	Reason string
	Err    error
}

// OK returns a successful Outcome.
func OK(reason string) Outcome {
	return Outcome{Kind: Ok, Reason: reason}
}

// Pending returns a NotYetReady Outcome.
func Pending(reason string) Outcome {
	return Outcome{Kind: NotYetReady, Reason: reason}
}

// Invalid returns a NotYetReady Outcome carrying the validation error.
func Invalid(err error) Outcome {
	return Outcome{Kind: NotYetReady, Reason: "invalid", Err: err}
}

// Failed returns a TriggerFailed Outcome.
func Failed(reason string, err error) Outcome {
	return Outcome{Kind: TriggerFailed, Reason: reason, Err: err}
}

// Unauthorized returns an AuthorityMissing Outcome.
func Unauthorized(reason string) Outcome {
	return Outcome{Kind: AuthorityMissing, Reason: reason}
}

// Error returns an Unexpected Outcome.
func Error(reason string, err error) Outcome {
	return Outcome{Kind: Unexpected, Reason: reason, Err: err}
}

// IsOK reports whether the outcome is Ok.
func (o Outcome) IsOK() bool {
	return o.Kind == Ok
}

func (o Outcome) String() string {
	s := o.Kind.String()
	if o.Reason != "" {
		s += ": " + o.Reason
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}
