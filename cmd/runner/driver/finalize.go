package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/stateflow/cmd/runner/segment"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/metrics"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/progress"
	"github.com/lyzr/stateflow/common/queue"
	"github.com/lyzr/stateflow/common/state"
)

// outputEnvelopeCap is the transport payload limit for terminal-event
// outputs. A payload at exactly the cap is assumed truncated and the
// execution record is treated as authoritative.
const outputEnvelopeCap = 32 * 1024

// suspendForHITP parks the execution behind a fresh token and tells the
// owner where to send the decision
func (d *Driver) suspendForHITP(ctx context.Context, r *run, res *segment.Result) error {
	conversationID, taskToken := newConversationID()

	token := &models.TaskToken{
		ConversationID:  conversationID,
		TaskToken:       taskToken,
		OwnerID:         r.exec.OwnerID,
		ExecutionARN:    r.exec.ExecutionARN,
		WorkflowID:      r.exec.WorkflowID,
		PausedSegmentID: res.NextSegment,
		CreatedAt:       time.Now().UTC(),
	}
	if err := d.tokens.Create(ctx, token); err != nil {
		return d.finalize(ctx, r, models.StatusFailed, nil, "TOKEN_CREATE_FAILED", err.Error())
	}

	r.exec.Status = models.StatusPausedForHITP
	r.exec.CurrentManifestID = r.manifestID
	if err := d.executions.UpdateProgress(ctx, r.exec); err != nil {
		return fmt.Errorf("failed to persist pause: %w", err)
	}

	if d.publisher != nil {
		d.publisher.Publish(ctx, &progress.Event{
			ExecutionARN:   r.exec.ExecutionARN,
			OwnerID:        r.exec.OwnerID,
			WorkflowID:     r.exec.WorkflowID,
			Status:         string(models.StatusPausedForHITP),
			SegmentID:      res.NextSegment,
			Transition:     string(segment.TransitionPausedForHITP),
			CompletedUnits: r.tracker.Completed(),
			EstimatedUnits: r.tracker.Estimated(),
			Milestone:      true,
			ConversationID: conversationID,
			TaskToken:      taskToken,
		})
	}

	d.logger.Info("execution paused for human decision",
		"execution_arn", r.exec.ExecutionARN,
		"conversation_id", conversationID,
		"resume_segment", res.NextSegment)
	return nil
}

// startAsyncChild suspends the parent behind an async boundary: a
// subgraph child execution or a callback-style LLM call
func (d *Driver) startAsyncChild(ctx context.Context, r *run, res *segment.Result) error {
	if res.BoundaryNode == nil {
		return d.finalize(ctx, r, models.StatusFailed, nil, "ASYNC_BOUNDARY_INVALID",
			"async boundary without a boundary node")
	}

	var err error
	switch res.BoundaryNode.Type {
	case models.NodeTypeSubgraph:
		err = d.spawnSubgraph(ctx, r, res)
	default:
		err = d.startAsyncLLM(ctx, r, res)
	}
	if err != nil {
		return d.finalize(ctx, r, models.StatusFailed, nil, "ASYNC_START_FAILED", err.Error())
	}

	r.exec.Status = models.StatusWaiting
	r.exec.CurrentManifestID = r.manifestID
	if uerr := d.executions.UpdateProgress(ctx, r.exec); uerr != nil {
		d.logger.Warn("failed to persist async suspension", "error", uerr)
	}
	d.publish(ctx, r, string(models.StatusWaiting), res.NextSegment,
		string(segment.TransitionAsyncChildStarted), true, "")
	return nil
}

// spawnSubgraph starts the referenced workflow as a child execution.
// The child's conversation id doubles as its ARN; its terminal event
// consumes the token and resumes this parent.
func (d *Driver) spawnSubgraph(ctx context.Context, r *run, res *segment.Result) error {
	ref, _ := res.BoundaryNode.Config["workflow_id"].(string)
	if ref == "" {
		return fmt.Errorf("subgraph node %s has no workflow_id: %w", res.BoundaryNode.ID, errs.ErrValidation)
	}

	childARN := fmt.Sprintf("execution:%s:%s", r.exec.OwnerID, uuid.New().String())
	input, err := finalOutput(r.bag)
	if err != nil {
		return err
	}

	token := &models.TaskToken{
		ConversationID:    childARN,
		TaskToken:         childARN,
		OwnerID:           r.exec.OwnerID,
		ExecutionARN:      r.exec.ExecutionARN,
		ParentExecutionID: r.exec.ExecutionARN,
		WorkflowID:        r.exec.WorkflowID,
		PausedSegmentID:   res.NextSegment,
		CreatedAt:         time.Now().UTC(),
	}
	if err := d.tokens.Create(ctx, token); err != nil {
		return err
	}

	child := &models.Execution{
		ExecutionARN: childARN,
		OwnerID:      r.exec.OwnerID,
		WorkflowID:   ref,
		Status:       models.StatusStarted,
		StartDate:    time.Now().UTC(),
		Input:        input,
	}
	if err := d.executions.Create(ctx, child); err != nil {
		return err
	}

	if err := d.dispatch.Publish(ctx, &queue.Task{
		Type:              queue.TaskStart,
		OwnerID:           r.exec.OwnerID,
		ExecutionARN:      childARN,
		WorkflowID:        ref,
		Input:             input,
		ParentExecutionID: r.exec.ExecutionARN,
	}); err != nil {
		return err
	}

	d.logger.Info("subgraph child started",
		"execution_arn", r.exec.ExecutionARN,
		"child_arn", childARN,
		"workflow_id", ref)
	return nil
}

// startAsyncLLM hands the node to the provider and parks the execution
// until the callback fires
func (d *Driver) startAsyncLLM(ctx context.Context, r *run, res *segment.Result) error {
	if d.async == nil {
		return fmt.Errorf("async callbacks are not configured")
	}

	conversationID, taskToken := newConversationID()
	token := &models.TaskToken{
		ConversationID:  conversationID,
		TaskToken:       taskToken,
		OwnerID:         r.exec.OwnerID,
		ExecutionARN:    r.exec.ExecutionARN,
		WorkflowID:      r.exec.WorkflowID,
		PausedSegmentID: res.NextSegment,
		CreatedAt:       time.Now().UTC(),
	}
	if err := d.tokens.Create(ctx, token); err != nil {
		return err
	}

	return d.async.StartAsync(ctx, res.BoundaryNode, r.bag, conversationID, taskToken)
}

// succeed finalizes a finished execution. Branch failures tolerated by
// allow_failure downgrade full success to partial.
func (d *Driver) succeed(ctx context.Context, r *run) error {
	output, err := finalOutput(r.bag)
	if err != nil {
		return d.finalize(ctx, r, models.StatusFailed, nil, "OUTPUT_ENCODE_FAILED", err.Error())
	}

	status := models.StatusSucceeded
	if v, ok := r.bag.Get(state.KeyBranchErrors); ok {
		if seq, ok := v.([]interface{}); ok && len(seq) > 0 {
			status = models.StatusCompleted
		}
	}
	return d.finalize(ctx, r, status, output, "", "")
}

// finalize writes the terminal record, settles the idempotency ledger,
// and resumes a waiting parent. Task handling errors are terminal for
// the execution, not for the runner, so finalize returns nil on the
// failure paths.
func (d *Driver) finalize(ctx context.Context, r *run, status models.ExecutionStatus, output []byte, errorCode, errorMessage string) error {
	if err := d.executions.Finish(ctx, r.exec.OwnerID, r.exec.ExecutionARN, status, output, errorCode, errorMessage); err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", r.exec.ExecutionARN, err)
	}

	// Outputs that rode in on an event envelope may be truncated at the
	// transport cap; the execution record is authoritative
	if len(output) == outputEnvelopeCap {
		if full, err := d.executions.Get(ctx, r.exec.OwnerID, r.exec.ExecutionARN); err == nil && len(full.Output) > 0 {
			output = full.Output
		} else {
			d.logger.Warn("keeping possibly truncated output, describe refetch failed",
				"execution_arn", r.exec.ExecutionARN, "error", err)
		}
	}

	if r.exec.IdempotencyKey != "" && d.idempotency != nil {
		if err := d.idempotency.Finalize(ctx, r.exec.IdempotencyKey, status, output); err != nil {
			d.logger.Error("failed to finalize idempotency record",
				"execution_arn", r.exec.ExecutionARN, "error", err)
		}
	}

	metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	d.publish(ctx, r, string(status), 0, "", true, errorMessage)

	d.logger.Info("execution finished",
		"execution_arn", r.exec.ExecutionARN,
		"status", status,
		"error_code", errorCode)

	if r.task != nil && r.task.ParentExecutionID != "" {
		d.resumeParent(ctx, r, status, output, errorMessage)
	}
	return nil
}

// resumeParent wakes the parent execution of a finished subgraph child
func (d *Driver) resumeParent(ctx context.Context, r *run, status models.ExecutionStatus, output []byte, errorMessage string) {
	token, err := d.tokens.Consume(ctx, r.exec.ExecutionARN, r.exec.ExecutionARN)
	if err != nil {
		d.logger.Error("child finished but parent token is gone",
			"child_arn", r.exec.ExecutionARN,
			"parent_arn", r.task.ParentExecutionID,
			"error", err)
		return
	}

	decision := output
	if status != models.StatusSucceeded && status != models.StatusCompleted {
		decision = childFailureDecision(r.exec.ExecutionARN, status, errorMessage)
	}

	if err := d.dispatch.Publish(ctx, &queue.Task{
		Type:           queue.TaskResume,
		OwnerID:        token.OwnerID,
		ExecutionARN:   token.ExecutionARN,
		WorkflowID:     token.WorkflowID,
		ConversationID: token.ConversationID,
		Decision:       decision,
		SegmentID:      token.PausedSegmentID,
	}); err != nil {
		d.logger.Error("failed to resume parent execution",
			"parent_arn", token.ExecutionARN, "error", err)
	}
}

// childFailureDecision surfaces a failed child in the parent's state
// instead of silently dropping the branch
func childFailureDecision(childARN string, status models.ExecutionStatus, message string) []byte {
	bag := state.Bag{
		"child_execution_failed": map[string]interface{}{
			"execution_arn": childARN,
			"status":        string(status),
			"message":       message,
		},
	}
	data, _ := bag.Serialize()
	return data
}

// finalOutput serializes the user-visible state: reserved runtime keys
// never leak into outputs
func finalOutput(bag state.Bag) ([]byte, error) {
	if bag == nil {
		return nil, nil
	}
	out := state.NewBag()
	for k, v := range bag {
		if isReservedKey(k) {
			continue
		}
		out[k] = v
	}
	return out.Serialize()
}

func isReservedKey(key string) bool {
	switch key {
	case state.KeySegmentToRun, state.KeyLoopCounter, state.KeyStateHistory,
		state.KeyMaxLoopIterations, state.KeyMaxBranchIterations,
		state.KeyDistributedMode, state.KeyDistributedStrategy,
		state.KeyMaxConcurrency, state.KeyCurrentManifestID:
		return true
	}
	return strings.HasPrefix(key, "__") || strings.HasPrefix(key, "_self_healing")
}
