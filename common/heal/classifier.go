package heal

import (
	"regexp"
	"strings"

	"github.com/lyzr/stateflow/common/errs"
)

// MaxHealAttempts is the circuit breaker: at this healing count every
// failure classifies as semantic and the execution terminates.
const MaxHealAttempts = 3

type rule struct {
	re     *regexp.Regexp
	reason string
}

// Deterministic failures are worth re-running with advice: malformed
// output, shape mismatches, and transient provider trouble.
var deterministicRules = []rule{
	{regexp.MustCompile(`(?i)json.*(decode|parse|unmarshal|invalid|unexpected)`), "malformed JSON output"},
	{regexp.MustCompile(`(?i)(invalid|unexpected).*json`), "malformed JSON output"},
	{regexp.MustCompile(`(?i)schema.*(validation|mismatch|failed)`), "schema validation failure"},
	{regexp.MustCompile(`(?i)validation (error|failed)`), "validation failure"},
	{regexp.MustCompile(`(?i)\b(key|index|type|attribute) ?error\b`), "runtime shape error"},
	{regexp.MustCompile(`(?i)(key|field) .* (not found|missing)`), "missing field"},
	{regexp.MustCompile(`(?i)index out of (range|bounds)`), "index out of range"},
	{regexp.MustCompile(`(?i)rate.?limit`), "provider rate limit"},
	{regexp.MustCompile(`(?i)\btime[d]? ?out\b`), "provider timeout"},
	{regexp.MustCompile(`(?i)throttl(ed|ing)`), "provider throttling"},
	{regexp.MustCompile(`(?i)(502|503|504|bad gateway|service unavailable)`), "transient provider error"},
}

// Semantic failures must not be retried blindly.
var semanticRules = []rule{
	{regexp.MustCompile(`(?i)(security|guardrail).*(violation|blocked)`), "guardrail violation"},
	{regexp.MustCompile(`(?i)(access|permission) denied`), "access denied"},
	{regexp.MustCompile(`(?i)infinite loop`), "infinite loop"},
	{regexp.MustCompile(`(?i)loop limit exceeded`), "loop limit exceeded"},
	{regexp.MustCompile(`(?i)(recursion|maximum recursion depth)`), "recursion limit"},
	{regexp.MustCompile(`(?i)deadlock`), "deadlock"},
	{regexp.MustCompile(`(?i)(out.of.memory|\boom\b)`), "out of memory"},
	{regexp.MustCompile(`(?i)(unauthorized|unauthenticated|authentication (error|failed|required))`), "authentication failure"},
}

// Classifier decides whether a failed node is worth a self-heal re-run
type Classifier struct{}

// NewClassifier creates a failure classifier
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify labels a failure. healingCount is how many heal cycles this
// execution already consumed; at MaxHealAttempts the breaker forces
// SEMANTIC regardless of the message.
func (c *Classifier) Classify(errorType, message string, healingCount int) (errs.FailureClass, string) {
	if healingCount >= MaxHealAttempts {
		return errs.FailureSemantic, "healing attempts exhausted"
	}

	subject := strings.TrimSpace(errorType + " " + message)

	// Semantic rules run first so "guardrail validation failed" is not
	// mistaken for a retryable validation error
	for _, r := range semanticRules {
		if r.re.MatchString(subject) {
			return errs.FailureSemantic, r.reason
		}
	}
	for _, r := range deterministicRules {
		if r.re.MatchString(subject) {
			return errs.FailureDeterministic, r.reason
		}
	}

	// Unknown failures are not retried
	return errs.FailureSemantic, "unrecognized failure"
}
