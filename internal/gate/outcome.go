package gate

import "fmt"

// Outcome classifies the result of a validation attempt.
type Outcome string

const (
	Granted       Outcome = "granted"
	Denied        Outcome = "denied"
	NotProtected  Outcome = "not_protected"
	Locked        Outcome = "locked"
	LockedJustNow Outcome = "locked_just_now"
)

// User-facing messages. Callers render Result.Message verbatim.
const (
	msgGranted      = "Authentication successful!"
	msgNotProtected = "This portfolio piece does not require authentication."
	msgLocked       = "Too many failed attempts. Please try again in %d minutes."
	msgDenied       = "Incorrect password. %d attempt%s remaining."
)

// Result is the structured outcome of Validate.
type Result struct {
	Outcome           Outcome `json:"outcome"`
	Message           string  `json:"message"`
	MinutesRemaining  int     `json:"minutesRemaining,omitempty"`
	AttemptsRemaining int     `json:"attemptsRemaining,omitempty"`
}

// Success reports whether access was granted.
func (r Result) Success() bool { return r.Outcome == Granted }

// IsLocked reports whether the caller is (or just became) locked out.
func (r Result) IsLocked() bool {
	return r.Outcome == Locked || r.Outcome == LockedJustNow
}

func grantedResult() Result {
	return Result{Outcome: Granted, Message: msgGranted}
}

func notProtectedResult() Result {
	return Result{Outcome: NotProtected, Message: msgNotProtected}
}

func lockedResult(o Outcome, minutes int) Result {
	return Result{
		Outcome:          o,
		Message:          fmt.Sprintf(msgLocked, minutes),
		MinutesRemaining: minutes,
	}
}

func deniedResult(remaining int) Result {
	plural := "s"
	if remaining == 1 {
		plural = ""
	}
	return Result{
		Outcome:           Denied,
		Message:           fmt.Sprintf(msgDenied, remaining, plural),
		AttemptsRemaining: remaining,
	}
}
