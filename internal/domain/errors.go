package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed input; the caller can correct and retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports an illegal state change. It is always
// surfaced and never retried automatically.
type InvalidTransitionError struct {
	EntityID string
	From     Status
	Command  string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from %s", e.Command, e.From)
}

// IncompleteScoringError reports that a feasibility precondition is not met,
// naming what is still pending.
type IncompleteScoringError struct {
	InitiativeID string
	Pending      []string
}

func (e IncompleteScoringError) Error() string {
	return fmt.Sprintf("%d of %d feasibility dimensions pending: %s",
		len(e.Pending), len(Dimensions()), strings.Join(e.Pending, ", "))
}

// ClosureBlockedError lists every unmet closure condition.
type ClosureBlockedError struct {
	ProjectID string
	Unmet     []string
}

func (e ClosureBlockedError) Error() string {
	return fmt.Sprintf("closure blocked: %s", strings.Join(e.Unmet, "; "))
}

// BudgetInvariantError reports a write that would break
// executed <= committed <= approved. The write is rejected, never clamped.
type BudgetInvariantError struct {
	OwnerID  string
	Category string
	Rule     string
}

func (e BudgetInvariantError) Error() string {
	return fmt.Sprintf("budget invariant violated for %s/%s: %s", e.OwnerID, e.Category, e.Rule)
}

// ConcurrentModificationError is transient: the entity changed between read
// and commit. The caller should re-read and retry.
type ConcurrentModificationError struct {
	EntityID string
	Version  int64
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("entity %s changed concurrently (read version %d)", e.EntityID, e.Version)
}

// QuorumNotMetError is a legitimate outcome, not a caller failure: the item
// stays pending until more votes arrive.
type QuorumNotMetError struct {
	SessionID string
	Cast      int
	Invited   int
	Threshold float64
}

func (e QuorumNotMetError) Error() string {
	return fmt.Sprintf("quorum not met in session %s: %d of %d votes cast (threshold %.2f)",
		e.SessionID, e.Cast, e.Invited, e.Threshold)
}

// ServiceUnavailableError wraps a transient infrastructure failure that
// survived internal retries.
type ServiceUnavailableError struct {
	Op  string
	Err error
}

func (e ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e ServiceUnavailableError) Unwrap() error { return e.Err }
