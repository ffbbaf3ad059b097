package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/lyzr/stateflow/common/condition"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/masking"
	"github.com/lyzr/stateflow/common/state"
)

// Guardrail names
const (
	GuardrailSLOP           = "slop"
	GuardrailGasFee         = "gas_fee"
	GuardrailPlanDrift      = "plan_drift"
	GuardrailConstitutional = "constitutional"
	GuardrailPII            = "pii"
)

// Severity levels for constitutional articles
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
)

// Article is one user-supplied constitutional rule. Expression is a CEL
// predicate over the agent output; a true result is a violation.
type Article struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Severity   string `json:"severity"`
	Detail     string `json:"detail,omitempty"`
}

// Policy bounds one agent invocation
type Policy struct {
	// SLOP limits
	MaxOutputBytes int
	MaxRepetition  int // identical consecutive lines tolerated

	// Gas fee
	CostCapUSD float64

	Articles []Article
}

// DefaultPolicy matches the platform defaults for unconfigured agents
func DefaultPolicy() Policy {
	return Policy{
		MaxOutputBytes: 256 * 1024,
		MaxRepetition:  10,
		CostCapUSD:     5.0,
	}
}

// AgentOutput is what the post-pass inspects
type AgentOutput struct {
	AgentID string
	NodeID  string

	// Delta the agent wants to merge into state
	Delta state.Bag

	// Free text emitted by the agent, scanned for PII and slop
	Text string

	// Stated plan hash vs the hash of actions actually taken
	PlanHash   string
	ActionHash string

	// Accumulated cost for this execution, including this call
	AccruedCostUSD float64
}

// Checker runs the guardrail battery over agent output
type Checker struct {
	conditions *condition.Evaluator
}

// NewChecker creates a guardrail checker
func NewChecker(conditions *condition.Evaluator) *Checker {
	return &Checker{conditions: conditions}
}

// Check returns every violated guardrail. An empty slice means the
// output is clean.
func (c *Checker) Check(policy Policy, out *AgentOutput) ([]*errs.GuardrailViolation, error) {
	var violations []*errs.GuardrailViolation

	if v := c.checkSLOP(policy, out); v != nil {
		violations = append(violations, v)
	}
	if v := c.checkGasFee(policy, out); v != nil {
		violations = append(violations, v)
	}
	if v := c.checkPlanDrift(out); v != nil {
		violations = append(violations, v)
	}

	constitutional, err := c.checkArticles(policy, out)
	if err != nil {
		return nil, err
	}
	violations = append(violations, constitutional...)

	if v := c.checkPII(out); v != nil {
		violations = append(violations, v)
	}

	return violations, nil
}

// checkSLOP flags oversized, empty, or highly repetitive output
func (c *Checker) checkSLOP(policy Policy, out *AgentOutput) *errs.GuardrailViolation {
	if policy.MaxOutputBytes > 0 && len(out.Text) > policy.MaxOutputBytes {
		return &errs.GuardrailViolation{
			Guardrail:    GuardrailSLOP,
			Severity:     SeverityMedium,
			AnomalyScore: 0.6,
			Detail:       fmt.Sprintf("output size %d exceeds %d bytes", len(out.Text), policy.MaxOutputBytes),
		}
	}

	if strings.TrimSpace(out.Text) == "" && len(out.Delta) == 0 {
		return &errs.GuardrailViolation{
			Guardrail:    GuardrailSLOP,
			Severity:     SeverityLow,
			AnomalyScore: 0.3,
			Detail:       "empty output structure",
		}
	}

	if policy.MaxRepetition > 0 {
		if run := longestRepeatedLineRun(out.Text); run > policy.MaxRepetition {
			return &errs.GuardrailViolation{
				Guardrail:    GuardrailSLOP,
				Severity:     SeverityMedium,
				AnomalyScore: 0.5,
				Detail:       fmt.Sprintf("%d identical consecutive lines", run),
			}
		}
	}

	return nil
}

func (c *Checker) checkGasFee(policy Policy, out *AgentOutput) *errs.GuardrailViolation {
	if policy.CostCapUSD <= 0 || out.AccruedCostUSD <= policy.CostCapUSD {
		return nil
	}
	return &errs.GuardrailViolation{
		Guardrail:    GuardrailGasFee,
		Severity:     SeverityCritical,
		AnomalyScore: 1.0,
		Detail:       fmt.Sprintf("accrued cost %.4f exceeds cap %.4f", out.AccruedCostUSD, policy.CostCapUSD),
	}
}

// checkPlanDrift compares the stated plan hash against the hash of
// executed actions; drift means the agent did not do what it said
func (c *Checker) checkPlanDrift(out *AgentOutput) *errs.GuardrailViolation {
	if out.PlanHash == "" || out.ActionHash == "" || out.PlanHash == out.ActionHash {
		return nil
	}
	return &errs.GuardrailViolation{
		Guardrail:    GuardrailPlanDrift,
		Severity:     SeverityHigh,
		AnomalyScore: 0.8,
		Detail:       fmt.Sprintf("plan hash %s diverges from executed actions %s", short(out.PlanHash), short(out.ActionHash)),
	}
}

// checkArticles evaluates every constitutional article against the
// agent's delta; a true predicate is a violation at the article's
// severity
func (c *Checker) checkArticles(policy Policy, out *AgentOutput) ([]*errs.GuardrailViolation, error) {
	var violations []*errs.GuardrailViolation
	for _, article := range policy.Articles {
		violated, err := c.conditions.Evaluate(article.Expression, out.Delta)
		if err != nil {
			return nil, fmt.Errorf("article %s: %w", article.ID, err)
		}
		if !violated {
			continue
		}
		detail := article.Detail
		if detail == "" {
			detail = fmt.Sprintf("article %s violated", article.ID)
		}
		violations = append(violations, &errs.GuardrailViolation{
			Guardrail:    GuardrailConstitutional,
			Severity:     article.Severity,
			AnomalyScore: anomalyForSeverity(article.Severity),
			Detail:       detail,
		})
	}
	return violations, nil
}

// checkPII scans free text retroactively; any detected PII is masked
// in place and reported as a clause-6 violation
func (c *Checker) checkPII(out *AgentOutput) *errs.GuardrailViolation {
	masked, matches := masking.MaskAndReport(out.Text)
	if len(matches) == 0 {
		return nil
	}
	out.Text = masked

	kinds := make([]string, 0, len(matches))
	for _, m := range matches {
		kinds = append(kinds, m.Kind)
	}
	return &errs.GuardrailViolation{
		Guardrail:    GuardrailPII,
		Severity:     SeverityHigh,
		AnomalyScore: 0.7,
		Detail:       fmt.Sprintf("unmasked PII in output: %s", strings.Join(kinds, ", ")),
	}
}

// PlanHashOf hashes a plan or action list for drift comparison
func PlanHashOf(steps []string) string {
	h := sha256.New()
	for _, s := range steps {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func anomalyForSeverity(severity string) float64 {
	switch severity {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	default:
		return 0.25
	}
}

func longestRepeatedLineRun(text string) int {
	lines := strings.Split(text, "\n")
	best, run := 0, 0
	prev := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && trimmed == prev {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
		prev = trimmed
	}
	return best
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
