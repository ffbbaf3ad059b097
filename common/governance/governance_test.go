package governance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stateflow/common/condition"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

type memTrustStore struct {
	states map[string]*models.TrustState
}

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{states: make(map[string]*models.TrustState)}
}

func (s *memTrustStore) Get(ctx context.Context, agentID string) (*models.TrustState, error) {
	if st, ok := s.states[agentID]; ok {
		cp := *st
		return &cp, nil
	}
	return &models.TrustState{AgentID: agentID, CurrentScore: 0.5}, nil
}

func (s *memTrustStore) Save(ctx context.Context, st *models.TrustState) error {
	cp := *st
	s.states[st.AgentID] = &cp
	return nil
}

type fakeRollback struct {
	calls    []string
	restored *models.Manifest
	err      error
}

func (f *fakeRollback) Rollback(ctx context.Context, executionID, manifestID string) (*models.Manifest, error) {
	f.calls = append(f.calls, manifestID)
	if f.err != nil {
		return nil, f.err
	}
	return f.restored, nil
}

func cleanOutput() *AgentOutput {
	return &AgentOutput{
		AgentID: "agent-1",
		NodeID:  "n1",
		Delta:   state.Bag{"result": "fine"},
		Text:    "a concise useful answer",
	}
}

func TestCheckCleanOutput(t *testing.T) {
	c := NewChecker(condition.NewEvaluator())

	violations, err := c.Check(DefaultPolicy(), cleanOutput())
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckSLOPOversized(t *testing.T) {
	c := NewChecker(condition.NewEvaluator())
	policy := DefaultPolicy()
	policy.MaxOutputBytes = 16

	out := cleanOutput()
	out.Text = strings.Repeat("x", 64)

	violations, err := c.Check(policy, out)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, GuardrailSLOP, violations[0].Guardrail)
}

func TestCheckSLOPRepetition(t *testing.T) {
	c := NewChecker(condition.NewEvaluator())
	policy := DefaultPolicy()
	policy.MaxRepetition = 3

	out := cleanOutput()
	out.Text = strings.Repeat("same line\n", 8)

	violations, err := c.Check(policy, out)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Detail, "identical consecutive lines")
}

func TestCheckGasFee(t *testing.T) {
	c := NewChecker(condition.NewEvaluator())
	policy := DefaultPolicy()
	policy.CostCapUSD = 1.0

	out := cleanOutput()
	out.AccruedCostUSD = 1.5

	violations, err := c.Check(policy, out)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, GuardrailGasFee, violations[0].Guardrail)
	assert.Equal(t, SeverityCritical, violations[0].Severity)
}

func TestCheckPlanDrift(t *testing.T) {
	c := NewChecker(condition.NewEvaluator())

	out := cleanOutput()
	out.PlanHash = PlanHashOf([]string{"fetch", "summarize"})
	out.ActionHash = PlanHashOf([]string{"fetch", "exfiltrate"})

	violations, err := c.Check(DefaultPolicy(), out)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, GuardrailPlanDrift, violations[0].Guardrail)

	// Matching hashes are clean
	out = cleanOutput()
	out.PlanHash = PlanHashOf([]string{"fetch"})
	out.ActionHash = out.PlanHash
	violations, err = c.Check(DefaultPolicy(), out)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckConstitutionalArticles(t *testing.T) {
	c := NewChecker(condition.NewEvaluator())
	policy := DefaultPolicy()
	policy.Articles = []Article{
		{ID: "art-1", Expression: `state.spend > 100.0`, Severity: SeverityCritical},
		{ID: "art-2", Expression: `state.spend > 1000.0`, Severity: SeverityHigh},
	}

	out := cleanOutput()
	out.Delta = state.Bag{"spend": float64(500)}

	violations, err := c.Check(policy, out)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, GuardrailConstitutional, violations[0].Guardrail)
	assert.Equal(t, SeverityCritical, violations[0].Severity)
}

func TestCheckPIIMasksAndFlags(t *testing.T) {
	c := NewChecker(condition.NewEvaluator())

	out := cleanOutput()
	out.Text = "user email is leak@example.com"

	violations, err := c.Check(DefaultPolicy(), out)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, GuardrailPII, violations[0].Guardrail)
	assert.NotContains(t, out.Text, "leak@example.com")
}

func TestUpdateTrustAcceptAndReject(t *testing.T) {
	st := &models.TrustState{AgentID: "a", CurrentScore: 0.5}

	UpdateTrust(st, "m-1", true, 0)
	assert.Greater(t, st.CurrentScore, 0.5)
	assert.Equal(t, 1, st.SuccessCount)

	before := st.CurrentScore
	UpdateTrust(st, "m-2", false, 1.0)
	assert.Less(t, st.CurrentScore, before)
	assert.Equal(t, 1, st.ViolationCount)
}

func TestUpdateTrustClipsAndBoundsHistory(t *testing.T) {
	st := &models.TrustState{AgentID: "a", CurrentScore: 0.1}

	for i := 0; i < 15; i++ {
		UpdateTrust(st, "m", false, 1.0)
	}
	assert.Equal(t, 0.0, st.CurrentScore)
	assert.Len(t, st.History, 10)

	st.CurrentScore = 0.99
	for i := 0; i < 15; i++ {
		UpdateTrust(st, "m", true, 0)
	}
	assert.LessOrEqual(t, st.CurrentScore, 1.0)
}

func TestTrustModeThreshold(t *testing.T) {
	st := &models.TrustState{CurrentScore: 0.39}
	assert.Equal(t, models.ModeStrict, st.Mode())

	st.CurrentScore = 0.4
	assert.Equal(t, models.ModeOptimistic, st.Mode())
}

func TestPostPassAcceptsCleanOutput(t *testing.T) {
	trust := newMemTrustStore()
	rb := &fakeRollback{}
	ring := NewRing(NewChecker(condition.NewEvaluator()), trust, rb, nopLogger{})

	decision, err := ring.PostPass(context.Background(), DefaultPolicy(), cleanOutput(), "exec-1", "m-5")
	require.NoError(t, err)

	assert.True(t, decision.Accepted)
	assert.Empty(t, rb.calls)
	assert.Greater(t, trust.states["agent-1"].CurrentScore, 0.5)
}

func TestPostPassRejectionRollsBackCommittedSync(t *testing.T) {
	trust := newMemTrustStore()
	rb := &fakeRollback{restored: &models.Manifest{ManifestID: "m-4"}}
	ring := NewRing(NewChecker(condition.NewEvaluator()), trust, rb, nopLogger{})

	policy := DefaultPolicy()
	policy.CostCapUSD = 0.5
	out := cleanOutput()
	out.AccruedCostUSD = 2.0

	decision, err := ring.PostPass(context.Background(), policy, out, "exec-1", "m-5")
	require.NoError(t, err)

	assert.False(t, decision.Accepted)
	assert.Equal(t, []string{"m-5"}, rb.calls)
	require.NotNil(t, decision.RestoredManifest)
	assert.Equal(t, "m-4", decision.RestoredManifest.ManifestID)
	assert.Contains(t, decision.Feedback, "gas_fee")
	assert.Less(t, trust.states["agent-1"].CurrentScore, 0.5)
}

func TestPostPassRejectionBeforeCommitSkipsRollback(t *testing.T) {
	trust := newMemTrustStore()
	rb := &fakeRollback{err: errors.New("should not be called")}
	ring := NewRing(NewChecker(condition.NewEvaluator()), trust, rb, nopLogger{})

	policy := DefaultPolicy()
	policy.CostCapUSD = 0.5
	out := cleanOutput()
	out.AccruedCostUSD = 2.0

	decision, err := ring.PostPass(context.Background(), policy, out, "exec-1", "")
	require.NoError(t, err)

	assert.False(t, decision.Accepted)
	assert.Empty(t, rb.calls)
	assert.Nil(t, decision.RestoredManifest)
}

func TestPostPassLowSeverityWarnsButAccepts(t *testing.T) {
	trust := newMemTrustStore()
	ring := NewRing(NewChecker(condition.NewEvaluator()), trust, &fakeRollback{}, nopLogger{})

	policy := DefaultPolicy()
	policy.Articles = []Article{
		{ID: "style", Expression: `state.tone == "casual"`, Severity: SeverityLow},
	}
	out := cleanOutput()
	out.Delta = state.Bag{"tone": "casual"}

	decision, err := ring.PostPass(context.Background(), policy, out, "exec-1", "m-1")
	require.NoError(t, err)

	assert.True(t, decision.Accepted)
	require.Len(t, decision.Violations, 1)
}
