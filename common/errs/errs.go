package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds the core distinguishes.
// The driver is the single policy decision point; everything below it
// returns these upward via fmt.Errorf("%w") wrapping.
var (
	// ErrValidation covers invalid input shape or an invalid graph.
	// Surfaces as HTTP 400 and is never retried.
	ErrValidation = errors.New("validation error")

	// ErrAuthentication means the caller could not be identified.
	ErrAuthentication = errors.New("authentication required")

	// ErrNotFound is returned both for genuinely missing rows and for
	// cross-tenant access, so existence never leaks.
	ErrNotFound = errors.New("not found")

	// ErrRoutingAmbiguity means a node has multiple outgoing edges and no
	// __next_node was set. The author must insert a route_condition node.
	ErrRoutingAmbiguity = errors.New("routing ambiguity")

	// ErrInvalidTarget means a resolved routing target is not in the
	// current manifest's node set.
	ErrInvalidTarget = errors.New("invalid routing target")

	// ErrUnauthorizedRouting means a ring-policy violation: the caller's
	// ring level may not target the resolved node.
	ErrUnauthorizedRouting = errors.New("unauthorized routing target")

	// ErrStateHydration means a manifest or block could not be loaded
	// after bounded retries.
	ErrStateHydration = errors.New("state hydration failed")

	// ErrStorageCorruption means a checksum mismatch persisted through
	// retries. Fatal; emits a distinct metric.
	ErrStorageCorruption = errors.New("storage corruption")

	// ErrLoopLimitExceeded means a loop body ran past max_loop_iterations.
	ErrLoopLimitExceeded = errors.New("loop limit exceeded")

	// ErrRecursionLimit means subgraph recursion exceeded the allowed depth.
	ErrRecursionLimit = errors.New("recursion limit exceeded")

	// ErrExecutionAborted means the execution was stopped externally and
	// the next segment refused to start.
	ErrExecutionAborted = errors.New("execution aborted")

	// ErrRateLimited means the caller exhausted a submit quota.
	ErrRateLimited = errors.New("rate limited")
)

// ValidationError carries the offending node ids for graph validation
// failures so callers can name them in the 400 response.
type ValidationError struct {
	Msg   string
	Nodes []string
}

func (e *ValidationError) Error() string {
	if len(e.Nodes) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s (nodes: %v)", e.Msg, e.Nodes)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidation creates a ValidationError naming the offending nodes.
func NewValidation(msg string, nodes ...string) *ValidationError {
	return &ValidationError{Msg: msg, Nodes: nodes}
}

// GuardrailViolation is raised by the governance post-pass when an
// agent's output fails a guardrail check.
type GuardrailViolation struct {
	Guardrail    string  // slop | gas_fee | plan_drift | constitutional | pii
	Severity     string  // CRITICAL | HIGH | MEDIUM | LOW
	AnomalyScore float64 // in [0,1], feeds the trust-score update
	Detail       string
}

func (e *GuardrailViolation) Error() string {
	return fmt.Sprintf("guardrail violation [%s/%s]: %s", e.Guardrail, e.Severity, e.Detail)
}

// FailureClass labels a node failure for the driver's retry policy.
type FailureClass string

const (
	FailureDeterministic FailureClass = "DETERMINISTIC"
	FailureSemantic      FailureClass = "SEMANTIC"
)

// SegmentFailure wraps a node error with its classification so the
// driver can decide between self-heal and terminal failure.
type SegmentFailure struct {
	Class  FailureClass
	NodeID string
	Reason string
	Err    error
}

func (e *SegmentFailure) Error() string {
	return fmt.Sprintf("segment failed [%s] at node %s: %s", e.Class, e.NodeID, e.Reason)
}

func (e *SegmentFailure) Unwrap() error { return e.Err }
