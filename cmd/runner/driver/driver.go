package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/stateflow/cmd/runner/segment"
	"github.com/lyzr/stateflow/common/config"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/governance"
	"github.com/lyzr/stateflow/common/heal"
	"github.com/lyzr/stateflow/common/metrics"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/partition"
	"github.com/lyzr/stateflow/common/progress"
	"github.com/lyzr/stateflow/common/queue"
	"github.com/lyzr/stateflow/common/state"
)

// historyCap bounds the driver-step history on the execution record
const historyCap = 50

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ExecutionStore persists execution records
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
	Get(ctx context.Context, ownerID, executionARN string) (*models.Execution, error)
	UpdateProgress(ctx context.Context, exec *models.Execution) error
	Finish(ctx context.Context, ownerID, executionARN string, status models.ExecutionStatus, output []byte, errorCode, errorMessage string) error
}

// WorkflowStore resolves workflow definitions
type WorkflowStore interface {
	Get(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error)
}

// ManifestSource finds the latest committed manifest on resume
type ManifestSource interface {
	Latest(ctx context.Context, executionID string) (*models.Manifest, error)
}

// TokenStore manages suspension tokens
type TokenStore interface {
	Create(ctx context.Context, token *models.TaskToken) error
	Consume(ctx context.Context, conversationID, taskToken string) (*models.TaskToken, error)
}

// IdempotencyFinalizer copies terminal outcomes onto the submit ledger
type IdempotencyFinalizer interface {
	Finalize(ctx context.Context, key string, status models.ExecutionStatus, output []byte) error
}

// StateKernel is the sync core the driver commits through
type StateKernel interface {
	Sync(ctx context.Context, req *state.Request) (*state.Result, error)
	Hydrate(ctx context.Context, executionID, manifestID string) (state.Bag, error)
}

// GovernanceRing post-checks autonomous agent output
type GovernanceRing interface {
	Mode(ctx context.Context, agentID string) (models.GovernanceMode, error)
	PostPass(ctx context.Context, policy governance.Policy, out *governance.AgentOutput, executionID, committedManifestID string) (*governance.Decision, error)
}

// AsyncStarter hands an async-callback LLM node to the provider; the
// result returns through the callback endpoint
type AsyncStarter interface {
	StartAsync(ctx context.Context, node *models.Node, bag state.Bag, conversationID, taskToken string) error
}

// Driver owns one execution at a time: it partitions the workflow,
// runs segments through the kernel, and decides suspension, fan-out,
// healing and termination.
type Driver struct {
	kernel      StateKernel
	executions  ExecutionStore
	workflows   WorkflowStore
	manifests   ManifestSource
	tokens      TokenStore
	idempotency IdempotencyFinalizer
	partitioner *partition.Partitioner
	runner      *segment.Runner
	ring        GovernanceRing
	classifier  *heal.Classifier
	dispatch    queue.Queue
	publisher   *progress.Publisher
	async       AsyncStarter
	cfg         config.DriverConfig
	notify      config.NotifyConfig
	logger      Logger
}

// Deps collects the driver's collaborators
type Deps struct {
	Kernel      StateKernel
	Executions  ExecutionStore
	Workflows   WorkflowStore
	Manifests   ManifestSource
	Tokens      TokenStore
	Idempotency IdempotencyFinalizer
	Partitioner *partition.Partitioner
	Runner      *segment.Runner
	Ring        GovernanceRing
	Dispatch    queue.Queue
	Publisher   *progress.Publisher
	Async       AsyncStarter
}

// New creates a driver
func New(deps Deps, cfg config.DriverConfig, notify config.NotifyConfig, logger Logger) *Driver {
	return &Driver{
		kernel:      deps.Kernel,
		executions:  deps.Executions,
		workflows:   deps.Workflows,
		manifests:   deps.Manifests,
		tokens:      deps.Tokens,
		idempotency: deps.Idempotency,
		partitioner: deps.Partitioner,
		runner:      deps.Runner,
		ring:        deps.Ring,
		classifier:  heal.NewClassifier(),
		dispatch:    deps.Dispatch,
		publisher:   deps.Publisher,
		async:       deps.Async,
		cfg:         cfg,
		notify:      notify,
		logger:      logger,
	}
}

// run carries the mutable context of one Drive call
type run struct {
	task    *queue.Task
	exec    *models.Execution
	wf      *models.Workflow
	pm      *models.PartitionMap
	bag     state.Bag
	tracker *progress.Tracker

	manifestID  string
	accruedCost float64

	// entryOverride resumes a segment at a mid-segment node, used after
	// a branch aggregate to continue from the aggregator
	entryOverride string
}

// Drive executes one dispatched task to its next suspension point or
// terminal state
func (d *Driver) Drive(ctx context.Context, task *queue.Task) error {
	exec, err := d.executions.Get(ctx, task.OwnerID, task.ExecutionARN)
	if err != nil {
		return fmt.Errorf("execution %s: %w", task.ExecutionARN, err)
	}
	if exec.Status.IsTerminal() {
		d.logger.Warn("dropping task for terminal execution",
			"execution_arn", exec.ExecutionARN, "status", exec.Status)
		return nil
	}
	// A redelivered start for a parked execution must not redrive past
	// the suspension point; the pending callback resumes it.
	if task.Type == queue.TaskStart &&
		(exec.Status == models.StatusPausedForHITP || exec.Status == models.StatusWaiting) {
		d.logger.Warn("dropping start for suspended execution",
			"execution_arn", exec.ExecutionARN, "status", exec.Status)
		return nil
	}

	wf, err := d.workflows.Get(ctx, task.OwnerID, exec.WorkflowID)
	if err != nil {
		return d.finalize(ctx, &run{task: task, exec: exec}, models.StatusFailed, nil,
			"WORKFLOW_NOT_FOUND", err.Error())
	}

	pm, err := d.partitioner.Partition(ctx, wf)
	if err != nil {
		return d.finalize(ctx, &run{task: task, exec: exec}, models.StatusFailed, nil,
			"PARTITION_FAILED", err.Error())
	}

	r := &run{
		task:    task,
		exec:    exec,
		wf:      wf,
		pm:      pm,
		tracker: progress.NewTracker(pm.EstimatedExecutions, d.notify.WriteInterval),
	}

	segIdx, err := d.prepare(ctx, r)
	if err != nil {
		return d.finalize(ctx, r, models.StatusFailed, nil, "STATE_SYNC_FAILED", err.Error())
	}

	return d.loop(ctx, r, segIdx)
}

// prepare builds the working state: init for fresh starts, hydrate plus
// decision merge for resumes. It returns the first segment to run.
func (d *Driver) prepare(ctx context.Context, r *run) (int, error) {
	switch r.task.Type {
	case queue.TaskStart:
		// A redelivered start finds committed state and continues from
		// it instead of re-initializing segment 0
		latest, err := d.manifests.Latest(ctx, r.exec.ExecutionARN)
		if err == nil {
			bag, err := d.kernel.Hydrate(ctx, r.exec.ExecutionARN, latest.ManifestID)
			if err != nil {
				return 0, err
			}
			r.bag = bag
			r.manifestID = latest.ManifestID
			d.logger.Info("start resumed from committed manifest",
				"execution_arn", r.exec.ExecutionARN,
				"manifest_id", latest.ManifestID,
				"segment_to_run", bag.SegmentToRun())
			return bag.SegmentToRun(), nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return 0, fmt.Errorf("resume check: %w", err)
		}

		delta, err := decodePayload(r.task.Input)
		if err != nil {
			return 0, fmt.Errorf("invalid input payload: %w", err)
		}
		res, err := d.kernel.Sync(ctx, &state.Request{
			Delta:   delta,
			Action:  state.ActionInit,
			Context: d.syncContext(r, 0),
		})
		if err != nil {
			return 0, err
		}
		r.bag = res.State
		r.manifestID = res.Manifest.ManifestID
		return 0, nil

	case queue.TaskResume:
		latest, err := d.manifests.Latest(ctx, r.exec.ExecutionARN)
		if err != nil {
			return 0, fmt.Errorf("resume without committed state: %w", err)
		}
		base, err := d.kernel.Hydrate(ctx, r.exec.ExecutionARN, latest.ManifestID)
		if err != nil {
			return 0, err
		}

		delta, err := decodePayload(r.task.Decision)
		if err != nil {
			return 0, fmt.Errorf("invalid decision payload: %w", err)
		}
		delta.Set(state.KeySegmentToRun, r.task.SegmentID)

		res, err := d.kernel.Sync(ctx, &state.Request{
			Base:    base,
			Delta:   delta,
			Action:  state.ActionSync,
			Context: d.syncContextWithPrev(r, r.task.SegmentID, latest.ManifestID),
		})
		if err != nil {
			return 0, err
		}
		r.bag = res.State
		r.manifestID = res.Manifest.ManifestID
		return r.task.SegmentID, nil

	default:
		return 0, fmt.Errorf("unknown task type %q", r.task.Type)
	}
}

// loop is the segment loop: run, heal or sync, transition, repeat
func (d *Driver) loop(ctx context.Context, r *run, segIdx int) error {
	for segIdx >= 0 && segIdx < len(r.pm.Segments) {
		stopped, err := d.observeAbort(ctx, r)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}

		seg := d.segmentAt(r, segIdx)
		started := time.Now()

		segCtx, cancel := context.WithTimeout(ctx, d.cfg.SegmentTimeout)
		res, err := d.runner.Run(segCtx, seg, r.bag)
		cancel()

		metrics.SegmentDuration.Observe(time.Since(started).Seconds())

		if err != nil {
			next, ferr := d.handleFailure(ctx, r, seg, err)
			if ferr != nil {
				return ferr
			}
			if !next {
				return nil
			}
			continue // heal advice committed, retry the segment
		}
		r.entryOverride = ""
		if res.Output != nil {
			r.accruedCost += res.Output.CostUSD
		}

		// STRICT agents are checked before their delta commits
		if rejected, err := d.strictPrePass(ctx, r, res); err != nil {
			return d.finalize(ctx, r, models.StatusFailed, nil, "GOVERNANCE_FAILED", err.Error())
		} else if rejected {
			continue
		}

		if err := d.syncSegment(ctx, r, seg, res); err != nil {
			return d.finalize(ctx, r, models.StatusFailed, nil, "STATE_SYNC_FAILED", err.Error())
		}

		// OPTIMISTIC agents commit first and risk rollback
		if rejected, err := d.optimisticPostPass(ctx, r, res); err != nil {
			return d.finalize(ctx, r, models.StatusFailed, nil, "GOVERNANCE_FAILED", err.Error())
		} else if rejected {
			continue
		}

		if res.Transition == segment.TransitionLoopContinue && d.loopCapExceeded(r, seg) {
			return d.finalize(ctx, r, models.StatusFailed, nil,
				"LOOP_LIMIT_EXCEEDED", errs.ErrLoopLimitExceeded.Error())
		}

		metrics.SegmentsExecuted.WithLabelValues(string(res.Transition)).Inc()
		r.tracker.Advance(1)
		d.recordStep(ctx, r, seg.SegmentID, string(res.Transition))

		switch res.Transition {
		case segment.TransitionComplete, segment.TransitionLoopContinue:
			if res.NextSegment < 0 {
				return d.succeed(ctx, r)
			}
			segIdx = res.NextSegment

		case segment.TransitionPausedForHITP:
			return d.suspendForHITP(ctx, r, res)

		case segment.TransitionBranchFanout:
			if err := d.fanOut(ctx, r, seg, res); err != nil {
				return d.finalize(ctx, r, models.StatusFailed, nil, "FANOUT_FAILED", err.Error())
			}
			segIdx = res.NextSegment

		case segment.TransitionAsyncChildStarted:
			return d.startAsyncChild(ctx, r, res)

		default:
			return d.finalize(ctx, r, models.StatusFailed, nil,
				"UNKNOWN_TRANSITION", string(res.Transition))
		}
	}

	return d.succeed(ctx, r)
}

// segmentAt returns the segment, re-entered at the override node if one
// is pending
func (d *Driver) segmentAt(r *run, segIdx int) *models.Segment {
	seg := &r.pm.Segments[segIdx]
	if r.entryOverride == "" {
		return seg
	}
	copied := *seg
	copied.EntryNode = r.entryOverride
	return &copied
}

// observeAbort refetches the execution between segments so an external
// stop takes effect at the next boundary
func (d *Driver) observeAbort(ctx context.Context, r *run) (bool, error) {
	cur, err := d.executions.Get(ctx, r.exec.OwnerID, r.exec.ExecutionARN)
	if err != nil {
		return false, fmt.Errorf("abort check: %w", err)
	}
	if !cur.Status.IsTerminal() {
		return false, nil
	}

	d.logger.Info("execution stopped externally, refusing next segment",
		"execution_arn", r.exec.ExecutionARN, "status", cur.Status)
	d.publish(ctx, r, string(cur.Status), 0, "", true, "")
	return true, nil
}

// syncSegment commits the segment's delta through the kernel
func (d *Driver) syncSegment(ctx context.Context, r *run, seg *models.Segment, res *segment.Result) error {
	delta := res.Delta
	delta.Set(state.KeySegmentToRun, res.NextSegment)
	if res.LoopExited {
		delta.Set(state.KeyLoopCounter, 0)
	}

	sctx := d.syncContextWithPrev(r, seg.SegmentID, r.manifestID)
	sctx.IsLoopBody = res.Transition == segment.TransitionLoopContinue

	out, err := d.kernel.Sync(ctx, &state.Request{
		Base:    r.bag,
		Delta:   delta,
		Action:  state.ActionSync,
		Context: sctx,
	})
	if err != nil {
		return err
	}

	r.bag = out.State
	r.manifestID = out.Manifest.ManifestID
	return nil
}

// loopCapExceeded checks the committed loop counter against the
// effective cap: the node's own limit when set, bounded by the global
// cap carried in state
func (d *Driver) loopCapExceeded(r *run, seg *models.Segment) bool {
	limit := 0
	switch v := r.bag.GetDefault(state.KeyMaxLoopIterations, 0).(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}
	if seg.Loop != nil && seg.Loop.MaxIterations > 0 && (limit <= 0 || seg.Loop.MaxIterations < limit) {
		limit = seg.Loop.MaxIterations
	}
	if limit <= 0 {
		return false
	}
	return r.bag.LoopCounter() >= limit
}

// handleFailure classifies a segment error. Deterministic failures under
// the breaker commit heal advice and retry; everything else terminates.
// The bool reports whether the caller should retry the segment.
func (d *Driver) handleFailure(ctx context.Context, r *run, seg *models.Segment, segErr error) (bool, error) {
	if errors.Is(segErr, context.DeadlineExceeded) {
		return false, d.finalize(ctx, r, models.StatusTimedOut, nil,
			"SEGMENT_TIMEOUT", fmt.Sprintf("segment %d exceeded %s", seg.SegmentID, d.cfg.SegmentTimeout))
	}
	if err := ctx.Err(); err != nil {
		// Runner shutdown, not an execution failure; the task is lost to
		// this runner and must be redriven
		return false, err
	}

	class, reason := d.classifier.Classify("", segErr.Error(), r.exec.HealingCount)
	if class != errs.FailureDeterministic {
		metrics.HealCycles.WithLabelValues("terminal").Inc()
		return false, d.finalize(ctx, r, models.StatusFailed, nil, "SEGMENT_FAILED",
			fmt.Sprintf("%s: %v", reason, segErr))
	}

	advice := heal.AdviceFor(reason, segErr.Error())
	if err := d.commitAdvice(ctx, r, seg.SegmentID, reason, advice); err != nil {
		return false, d.finalize(ctx, r, models.StatusFailed, nil, "STATE_SYNC_FAILED", err.Error())
	}

	metrics.HealCycles.WithLabelValues("retried").Inc()
	d.logger.Info("self-heal retry",
		"execution_arn", r.exec.ExecutionARN,
		"segment_id", seg.SegmentID,
		"reason", reason,
		"healing_count", r.exec.HealingCount)
	return true, nil
}

// commitAdvice writes heal metadata into state and bumps the healing
// count on the execution record
func (d *Driver) commitAdvice(ctx context.Context, r *run, segmentID int, reason, advice string) error {
	r.exec.HealingCount++

	delta := state.NewBag()
	heal.RecordAttempt(delta, reason, advice, r.exec.HealingCount)

	out, err := d.kernel.Sync(ctx, &state.Request{
		Base:    r.bag,
		Delta:   delta,
		Action:  state.ActionSync,
		Context: d.syncContextWithPrev(r, segmentID, r.manifestID),
	})
	if err != nil {
		return err
	}
	r.bag = out.State
	r.manifestID = out.Manifest.ManifestID

	r.exec.CurrentManifestID = r.manifestID
	if err := d.executions.UpdateProgress(ctx, r.exec); err != nil {
		d.logger.Warn("failed to persist healing count", "error", err)
	}
	return nil
}

// recordStep appends a bounded history entry and persists progress on
// milestones or when the write throttle allows
func (d *Driver) recordStep(ctx context.Context, r *run, segmentID int, transition string) {
	r.exec.Status = models.StatusRunning
	r.exec.CurrentManifestID = r.manifestID
	r.exec.StateHistory = append(r.exec.StateHistory, models.ExecutionStep{
		SegmentID:  segmentID,
		Transition: transition,
		Timestamp:  time.Now().UTC(),
	})
	if len(r.exec.StateHistory) > historyCap {
		r.exec.StateHistory = r.exec.StateHistory[len(r.exec.StateHistory)-historyCap:]
	}

	milestone := transition != string(segment.TransitionLoopContinue)
	if r.tracker.ShouldWrite(time.Now().UTC(), milestone) {
		if err := d.executions.UpdateProgress(ctx, r.exec); err != nil {
			d.logger.Warn("failed to persist progress",
				"execution_arn", r.exec.ExecutionARN, "error", err)
		}
	}

	d.publish(ctx, r, string(models.StatusRunning), segmentID, transition, milestone, "")
}

// publish emits an advisory progress event
func (d *Driver) publish(ctx context.Context, r *run, status string, segmentID int, transition string, milestone bool, errMsg string) {
	if d.publisher == nil {
		return
	}
	event := &progress.Event{
		ExecutionARN:     r.exec.ExecutionARN,
		OwnerID:          r.exec.OwnerID,
		WorkflowID:       r.exec.WorkflowID,
		Status:           status,
		SegmentID:        segmentID,
		Transition:       transition,
		Milestone:        milestone,
		TerminalErrorMsg: errMsg,
	}
	if r.tracker != nil {
		event.CompletedUnits = r.tracker.Completed()
		event.EstimatedUnits = r.tracker.Estimated()
		event.ETASeconds = r.tracker.ETA(time.Now().UTC())
	}
	d.publisher.Publish(ctx, event)
}

func (d *Driver) syncContext(r *run, segmentID int) state.SyncContext {
	return state.SyncContext{
		ExecutionID: r.exec.ExecutionARN,
		OwnerID:     r.exec.OwnerID,
		WorkflowID:  r.exec.WorkflowID,
		SegmentID:   segmentID,
	}
}

func (d *Driver) syncContextWithPrev(r *run, segmentID int, prev string) state.SyncContext {
	sctx := d.syncContext(r, segmentID)
	sctx.PreviousManifestID = prev
	return sctx
}

// decodePayload turns an optional JSON object payload into a delta bag
func decodePayload(raw json.RawMessage) (state.Bag, error) {
	if len(raw) == 0 {
		return state.NewBag(), nil
	}
	bag, err := state.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	return bag, nil
}

// newConversationID mints the resume capability pair
func newConversationID() (string, string) {
	return uuid.New().String(), uuid.New().String()
}
