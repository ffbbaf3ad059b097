package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwmiddleware "github.com/lyzr/stateflow/cmd/gateway/middleware"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

type fakeExecutions struct {
	byKey map[string]*models.Execution
}

func (s *fakeExecutions) key(ownerID, arn string) string { return ownerID + "/" + arn }

func (s *fakeExecutions) Get(ctx context.Context, ownerID, executionARN string) (*models.Execution, error) {
	if exec, ok := s.byKey[s.key(ownerID, executionARN)]; ok {
		return exec, nil
	}
	return nil, fmt.Errorf("execution %s: %w", executionARN, errs.ErrNotFound)
}

func (s *fakeExecutions) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Execution, error) {
	var out []*models.Execution
	for _, exec := range s.byKey {
		if exec.OwnerID == ownerID {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (s *fakeExecutions) Abort(ctx context.Context, ownerID, executionARN, cause string) (bool, error) {
	exec, ok := s.byKey[s.key(ownerID, executionARN)]
	if !ok || exec.Status.IsTerminal() {
		return false, nil
	}
	exec.Status = models.StatusAborted
	return true, nil
}

func (s *fakeExecutions) Delete(ctx context.Context, ownerID, executionARN string) error {
	if _, ok := s.byKey[s.key(ownerID, executionARN)]; !ok {
		return fmt.Errorf("execution %s: %w", executionARN, errs.ErrNotFound)
	}
	delete(s.byKey, s.key(ownerID, executionARN))
	return nil
}

type fakeManifests struct {
	manifests []*models.Manifest
}

func (s *fakeManifests) ListByExecution(ctx context.Context, executionID string, limit int) ([]*models.Manifest, error) {
	return s.manifests, nil
}

func request(t *testing.T, method, target, owner string, handler echo.HandlerFunc, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	if owner != "" {
		req.Header.Set(gwmiddleware.SubjectHeader, owner)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for i := 0; i+1 < len(params); i += 2 {
		c.SetParamNames(params[i])
		c.SetParamValues(params[i+1])
	}

	wrapped := gwmiddleware.RequireOwner()(handler)
	require.NoError(t, wrapped(c))
	return rec
}

func newHandler(executions *fakeExecutions) *ExecutionHandler {
	return NewExecutionHandler(nil, executions, &fakeManifests{}, nopLogger{})
}

func TestDescribeReturnsExecution(t *testing.T) {
	executions := &fakeExecutions{byKey: map[string]*models.Execution{
		"alice/exec-1": {ExecutionARN: "exec-1", OwnerID: "alice", Status: models.StatusRunning},
	}}
	h := newHandler(executions)

	rec := request(t, http.MethodGet, "/api/v1/executions/exec-1", "alice", h.Describe, "arn", "exec-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exec-1")
}

func TestDescribeCrossTenantIs404(t *testing.T) {
	executions := &fakeExecutions{byKey: map[string]*models.Execution{
		"alice/exec-1": {ExecutionARN: "exec-1", OwnerID: "alice", Status: models.StatusRunning},
	}}
	h := newHandler(executions)

	rec := request(t, http.MethodGet, "/api/v1/executions/exec-1", "mallory", h.Describe, "arn", "exec-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingSubjectIs401(t *testing.T) {
	h := newHandler(&fakeExecutions{byKey: map[string]*models.Execution{}})

	rec := request(t, http.MethodGet, "/api/v1/executions/exec-1", "", h.Describe, "arn", "exec-1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStopAbortsRunningExecution(t *testing.T) {
	executions := &fakeExecutions{byKey: map[string]*models.Execution{
		"alice/exec-1": {ExecutionARN: "exec-1", OwnerID: "alice", Status: models.StatusRunning},
	}}
	h := newHandler(executions)

	rec := request(t, http.MethodPost, "/api/v1/executions/exec-1/stop", "alice", h.Stop, "arn", "exec-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusAborted, executions.byKey["alice/exec-1"].Status)
}

func TestStopTerminalExecutionConflicts(t *testing.T) {
	executions := &fakeExecutions{byKey: map[string]*models.Execution{
		"alice/exec-1": {ExecutionARN: "exec-1", OwnerID: "alice", Status: models.StatusSucceeded},
	}}
	h := newHandler(executions)

	rec := request(t, http.MethodPost, "/api/v1/executions/exec-1/stop", "alice", h.Stop, "arn", "exec-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteRemovesExecution(t *testing.T) {
	executions := &fakeExecutions{byKey: map[string]*models.Execution{
		"alice/exec-1": {ExecutionARN: "exec-1", OwnerID: "alice", Status: models.StatusSucceeded},
	}}
	h := newHandler(executions)

	rec := request(t, http.MethodDelete, "/api/v1/executions/exec-1", "alice", h.Delete, "arn", "exec-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, executions.byKey)
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 50, parseLimit("", 50))
	assert.Equal(t, 10, parseLimit("10", 50))
	assert.Equal(t, 50, parseLimit("junk", 50))
	assert.Equal(t, 50, parseLimit("0", 50))
	assert.Equal(t, 50, parseLimit("5000", 50))
}
