package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/metrics"
	"github.com/lyzr/stateflow/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// TrustStore persists per-agent trust state
type TrustStore interface {
	Get(ctx context.Context, agentID string) (*models.TrustState, error)
	Save(ctx context.Context, state *models.TrustState) error
}

// StateRollback reverts an execution to the manifest preceding the
// rejected one and enqueues the orphaned blocks
type StateRollback interface {
	Rollback(ctx context.Context, executionID, manifestID string) (*models.Manifest, error)
}

// Decision is the outcome of the post-pass
type Decision struct {
	Accepted   bool
	Mode       models.GovernanceMode
	Violations []*errs.GuardrailViolation

	// Feedback is injected into the agent's next-turn prompt on reject
	Feedback string

	// RestoredManifest is set when an optimistic commit was rolled back
	RestoredManifest *models.Manifest
}

// Ring is the governance post-pass for autonomous agent output
type Ring struct {
	checker *Checker
	trust   TrustStore
	kernel  StateRollback
	logger  Logger
}

// NewRing creates the governance ring
func NewRing(checker *Checker, trust TrustStore, kernel StateRollback, logger Logger) *Ring {
	return &Ring{
		checker: checker,
		trust:   trust,
		kernel:  kernel,
		logger:  logger,
	}
}

// Mode returns the current governance mode for an agent. STRICT agents
// are checked before their sync commits; OPTIMISTIC agents commit first
// and risk rollback.
func (r *Ring) Mode(ctx context.Context, agentID string) (models.GovernanceMode, error) {
	trust, err := r.trust.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to load trust state: %w", err)
	}
	return trust.Mode(), nil
}

// PostPass runs the guardrail battery and the trust update.
// committedManifestID is non-empty when the agent's sync already
// committed (optimistic mode); a rejection then rolls the state back.
func (r *Ring) PostPass(ctx context.Context, policy Policy, out *AgentOutput, executionID, committedManifestID string) (*Decision, error) {
	violations, err := r.checker.Check(policy, out)
	if err != nil {
		return nil, fmt.Errorf("guardrail check failed: %w", err)
	}

	accepted := true
	anomaly := 0.0
	for _, v := range violations {
		metrics.GuardrailViolations.WithLabelValues(v.Guardrail, v.Severity).Inc()
		if v.AnomalyScore > anomaly {
			anomaly = v.AnomalyScore
		}
		if rejects(v.Severity) {
			accepted = false
		}
	}

	trust, err := r.trust.Get(ctx, out.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust state: %w", err)
	}
	UpdateTrust(trust, committedManifestID, accepted, anomaly)
	if err := r.trust.Save(ctx, trust); err != nil {
		return nil, fmt.Errorf("failed to save trust state: %w", err)
	}

	decision := &Decision{
		Accepted:   accepted,
		Mode:       trust.Mode(),
		Violations: violations,
	}

	if accepted {
		return decision, nil
	}

	decision.Feedback = feedbackFor(violations)

	if committedManifestID != "" {
		restored, err := r.kernel.Rollback(ctx, executionID, committedManifestID)
		if err != nil {
			return nil, fmt.Errorf("optimistic rollback failed: %w", err)
		}
		decision.RestoredManifest = restored
		r.logger.Warn("agent output rejected after commit, state rolled back",
			"agent_id", out.AgentID,
			"execution_id", executionID,
			"rejected_manifest", committedManifestID,
			"restored_manifest", restored.ManifestID)
	} else {
		r.logger.Warn("agent output rejected before commit",
			"agent_id", out.AgentID,
			"execution_id", executionID,
			"violations", len(violations))
	}

	return decision, nil
}

// rejects reports whether a violation severity blocks the output.
// CRITICAL and HIGH reject; MEDIUM escalates and LOW logs, neither
// blocks on its own.
func rejects(severity string) bool {
	return severity == SeverityCritical || severity == SeverityHigh
}

// feedbackFor builds the advice text injected into the agent's
// next-turn prompt
func feedbackFor(violations []*errs.GuardrailViolation) string {
	var b strings.Builder
	b.WriteString("Your previous output was rejected by governance checks:")
	for _, v := range violations {
		if !rejects(v.Severity) {
			continue
		}
		b.WriteString(fmt.Sprintf("\n- [%s/%s] %s", v.Guardrail, v.Severity, v.Detail))
	}
	b.WriteString("\nCorrect these problems and produce the output again.")
	return b.String()
}
