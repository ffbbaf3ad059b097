package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/lyzr/stateflow/common/blob"
	"github.com/lyzr/stateflow/common/config"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/metrics"
	"github.com/lyzr/stateflow/common/models"
)

// Action selects the merge semantics of a sync call
type Action string

const (
	ActionInit      Action = "init"
	ActionSync      Action = "sync"
	ActionAggregate Action = "aggregate"
)

// GC enqueue reasons
const (
	ReasonAbandonedWrite     = "abandoned_write"
	ReasonOptimisticRollback = "optimistic_rollback"
	ReasonManifestSuperseded = "manifest_superseded"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ManifestStore persists manifests. Commit happens via a conditional
// flip of the committed flag; rows are otherwise immutable.
type ManifestStore interface {
	Create(ctx context.Context, m *models.Manifest) error
	MarkCommitted(ctx context.Context, executionID, manifestID string) error
	Get(ctx context.Context, executionID, manifestID string) (*models.Manifest, error)
}

// GCQueue receives orphaned block keys for deferred deletion
type GCQueue interface {
	EnqueueOrphans(ctx context.Context, transactionID, reason string, bucket string, keys []string) error
}

// SyncContext identifies the execution a sync belongs to
type SyncContext struct {
	ExecutionID        string
	OwnerID            string
	WorkflowID         string
	SegmentID          int
	PreviousManifestID string
	IsLoopBody         bool
}

// BranchError records one failed branch of a distributed map
type BranchError struct {
	BranchIndex int    `json:"branch_index"`
	NodeID      string `json:"node_id,omitempty"`
	Message     string `json:"message"`
}

// Request is the input to the universal sync entry point
type Request struct {
	Base    Bag
	Delta   Bag
	Action  Action
	Context SyncContext

	// Aggregate-only fields
	BranchDeltas []Bag
	BranchErrors []BranchError
	Reducers     map[string]string
}

// Result is the outcome of a sync
type Result struct {
	State    Bag
	Manifest *models.Manifest
	Status   models.ExecutionStatus
}

// Kernel is the universal sync core. Every state transition flows
// through Sync; no caller writes blocks or manifests directly.
type Kernel struct {
	store     blob.Store
	manifests ManifestStore
	gcq       GCQueue
	cfg       config.KernelConfig
	bucket    string
	logger    Logger
}

// NewKernel creates a state kernel
func NewKernel(store blob.Store, manifests ManifestStore, gcq GCQueue, cfg config.KernelConfig, bucket string, logger Logger) *Kernel {
	return &Kernel{
		store:     store,
		manifests: manifests,
		gcq:       gcq,
		cfg:       cfg,
		bucket:    bucket,
		logger:    logger,
	}
}

// Sync merges a delta into the base state and commits the result as a
// new manifest. The base bag is never mutated; callers receive a new bag.
func (k *Kernel) Sync(ctx context.Context, req *Request) (*Result, error) {
	var (
		merged Bag
		status models.ExecutionStatus
		err    error
	)

	switch req.Action {
	case ActionInit:
		merged, err = k.initState(req)
		status = models.StatusStarted
	case ActionSync:
		merged, err = k.syncState(req)
		status = models.StatusRunning
	case ActionAggregate:
		merged, err = k.aggregateState(req)
		status = models.StatusRunning
	default:
		return nil, fmt.Errorf("unknown sync action: %s", req.Action)
	}
	if err != nil {
		return nil, err
	}

	manifest, err := k.commit(ctx, merged, req.Context)
	if err != nil {
		return nil, err
	}

	// The caller keeps working on the fully inline state; pointerization
	// only affects what was persisted.
	merged.Set(KeyCurrentManifestID, manifest.ManifestID)
	return &Result{State: merged, Manifest: manifest, Status: status}, nil
}

// initState populates reserved metadata defaults around the delta
func (k *Kernel) initState(req *Request) (Bag, error) {
	if len(req.Base) != 0 {
		return nil, fmt.Errorf("init requires an empty base state: %w", errs.ErrValidation)
	}

	bag := NewBag()
	for key, v := range req.Delta {
		bag[key] = v
	}

	if _, ok := bag[KeyMaxLoopIterations]; !ok {
		bag[KeyMaxLoopIterations] = k.cfg.MaxLoopIterations
	}
	bag[KeySegmentToRun] = 0
	bag[KeyLoopCounter] = 0
	bag[KeyStateHistory] = []interface{}{}
	bag[KeyDistributedMode] = false

	return bag, nil
}

// syncState shallow-merges the delta over the base: each top-level key
// in the delta replaces the base value wholesale. Unchanged subtrees are
// shared, not copied.
func (k *Kernel) syncState(req *Request) (Bag, error) {
	merged := req.Base.Clone()
	for key, v := range req.Delta {
		merged[key] = v
	}

	if req.Context.IsLoopBody {
		merged[KeyLoopCounter] = req.Base.LoopCounter() + 1
	}

	k.appendHistory(merged, req.Context)
	return merged, nil
}

// aggregateState reduces N branch deltas onto the base in branch-index
// order. Sequences concatenate, mappings deep-merge with last-writer
// wins, scalars keep the lowest branch index unless a key reducer says
// otherwise. Branch failures surface as _branch_errors, not an error.
func (k *Kernel) aggregateState(req *Request) (Bag, error) {
	merged := req.Base.Clone()

	for idx, delta := range req.BranchDeltas {
		for key, v := range delta {
			if reservedInline[key] {
				continue
			}
			existing, present := merged[key]
			if !present {
				merged[key] = v
				continue
			}
			reduced, err := reduceValue(existing, v, req.Reducers[key])
			if err != nil {
				return nil, fmt.Errorf("aggregate failed on key %q from branch %d: %w", key, idx, err)
			}
			merged[key] = reduced
		}
	}

	// The caller's own delta lands after the branch reduce, outside
	// reducer semantics: the aggregation report, not branch output
	for key, v := range req.Delta {
		merged[key] = v
	}

	if len(req.BranchErrors) > 0 {
		errsSeq := make([]interface{}, 0, len(req.BranchErrors))
		for _, be := range req.BranchErrors {
			errsSeq = append(errsSeq, map[string]interface{}{
				"branch_index": be.BranchIndex,
				"node_id":      be.NodeID,
				"message":      be.Message,
			})
		}
		merged[KeyBranchErrors] = errsSeq
	}

	merged[KeyDistributedMode] = false
	k.appendHistory(merged, req.Context)
	return merged, nil
}

// reduceValue merges one branch value onto the accumulated value
func reduceValue(acc, next interface{}, reducer string) (interface{}, error) {
	switch reducer {
	case "last_writer":
		return next, nil
	case "first":
		return acc, nil
	case "sum":
		a, aok := numValue(acc)
		b, bok := numValue(next)
		if !aok || !bok {
			return nil, fmt.Errorf("sum reducer requires numeric values")
		}
		return a + b, nil
	case "concat":
		return concatSequences(acc, next)
	}

	// Default semantics by shape
	if _, ok := acc.([]interface{}); ok {
		return concatSequences(acc, next)
	}
	if _, ok := asMap(acc); ok {
		if _, ok := asMap(next); ok {
			return deepMerge(acc, next)
		}
	}
	// Scalar conflict: lowest branch index wins. Correct only when
	// branches write disjoint keys; documented author precondition.
	return acc, nil
}

func concatSequences(acc, next interface{}) (interface{}, error) {
	aSeq, aok := acc.([]interface{})
	if !aok {
		aSeq = []interface{}{acc}
	}
	nSeq, nok := next.([]interface{})
	if !nok {
		nSeq = []interface{}{next}
	}
	out := make([]interface{}, 0, len(aSeq)+len(nSeq))
	out = append(out, aSeq...)
	out = append(out, nSeq...)
	return out, nil
}

// deepMerge merges two mappings with RFC 7386 merge-patch semantics:
// nested maps merge recursively, everything else is last-writer-wins
func deepMerge(base, patch interface{}) (interface{}, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merge base: %w", err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merge patch: %w", err)
	}

	mergedJSON, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("merge patch failed: %w", err)
	}

	var out interface{}
	if err := json.Unmarshal(mergedJSON, &out); err != nil {
		return nil, fmt.Errorf("failed to decode merged value: %w", err)
	}
	return out, nil
}

// appendHistory appends a bounded history entry
func (k *Kernel) appendHistory(bag Bag, sctx SyncContext) {
	history, _ := bag[KeyStateHistory].([]interface{})
	history = append(history, map[string]interface{}{
		"id":         uuid.New().String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"segment_id": sctx.SegmentID,
	})
	if len(history) > k.cfg.HistoryLimit {
		history = history[len(history)-k.cfg.HistoryLimit:]
	}
	bag[KeyStateHistory] = history
}

// commit runs the two-phase commit: write blocks, write the manifest
// uncommitted, then flip the committed flag. Any failure after block
// writes enqueues the new keys for garbage collection.
func (k *Kernel) commit(ctx context.Context, merged Bag, sctx SyncContext) (*models.Manifest, error) {
	transactionID := uuid.New().String()

	writer := func(data []byte) (models.Pointer, string, error) {
		key := models.BlockKey(sctx.OwnerID, sctx.WorkflowID, sctx.ExecutionID, blob.Checksum(data))
		checksum, err := k.store.Put(ctx, key, data)
		if err != nil {
			return models.Pointer{}, "", err
		}
		metrics.BlocksOffloaded.Inc()
		return models.Pointer{
			Type:      models.PointerType,
			Bucket:    k.bucket,
			Key:       key,
			Checksum:  checksum,
			SizeBytes: int64(len(data)),
		}, key, nil
	}

	offloaded, err := offload(merged, k.cfg.InlineThreshold, writer)
	if err != nil {
		return nil, fmt.Errorf("offload failed: %w", err)
	}

	inline, err := offloaded.State.Serialize()
	if err != nil {
		k.abandon(ctx, transactionID, offloaded.BlockKeys)
		return nil, err
	}

	manifest := &models.Manifest{
		ManifestID:         newManifestID(),
		PreviousManifestID: sctx.PreviousManifestID,
		ExecutionID:        sctx.ExecutionID,
		OwnerID:            sctx.OwnerID,
		WorkflowID:         sctx.WorkflowID,
		SegmentID:          sctx.SegmentID,
		Blocks:             offloaded.BlockKeys,
		PointerMap:         offloaded.PointerMap,
		InlineState:        inline,
		Committed:          false,
		Checksum:           blob.Checksum(inline),
		CreatedAt:          time.Now().UTC(),
	}

	if err := k.manifests.Create(ctx, manifest); err != nil {
		k.abandon(ctx, transactionID, offloaded.BlockKeys)
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := k.manifests.MarkCommitted(ctx, sctx.ExecutionID, manifest.ManifestID); err != nil {
		k.abandon(ctx, transactionID, offloaded.BlockKeys)
		return nil, fmt.Errorf("failed to commit manifest: %w", err)
	}

	manifest.Committed = true
	metrics.ManifestsCommitted.Inc()
	k.logger.Debug("manifest committed",
		"execution_id", sctx.ExecutionID,
		"manifest_id", manifest.ManifestID,
		"segment_id", sctx.SegmentID,
		"blocks", len(manifest.Blocks))

	return manifest, nil
}

// abandon enqueues newly written blocks after a failed commit
func (k *Kernel) abandon(ctx context.Context, transactionID string, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := k.gcq.EnqueueOrphans(ctx, transactionID, ReasonAbandonedWrite, k.bucket, keys); err != nil {
		k.logger.Error("failed to enqueue abandoned blocks", "transaction_id", transactionID, "error", err)
	}
}

// Hydrate loads a committed manifest and resolves every pointer back
// into an inline state bag
func (k *Kernel) Hydrate(ctx context.Context, executionID, manifestID string) (Bag, error) {
	manifest, err := k.manifests.Get(ctx, executionID, manifestID)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", manifestID, errs.ErrStateHydration)
	}
	if !manifest.Committed {
		return nil, fmt.Errorf("manifest %s is uncommitted: %w", manifestID, errs.ErrStateHydration)
	}

	bag, err := Deserialize(manifest.InlineState)
	if err != nil {
		return nil, fmt.Errorf("manifest %s inline state: %w", manifestID, errs.ErrStateHydration)
	}

	fetch := func(ptr models.Pointer) ([]byte, error) {
		data, err := k.store.Get(ctx, ptr.Key, ptr.Checksum)
		if err != nil {
			if isCorruption(err) {
				metrics.StorageCorruption.Inc()
			}
			return nil, err
		}
		return data, nil
	}

	resolved, err := resolvePointers(bag, manifest.PointerMap, fetch)
	if err != nil {
		return nil, err
	}

	resolved.Set(KeyCurrentManifestID, manifest.ManifestID)
	return resolved, nil
}

// Rollback reverts an execution to the manifest preceding manifestID and
// enqueues the blocks exclusive to the abandoned manifest for deletion.
// Used by the governance post-pass after an optimistic commit is rejected.
func (k *Kernel) Rollback(ctx context.Context, executionID, manifestID string) (*models.Manifest, error) {
	rejected, err := k.manifests.Get(ctx, executionID, manifestID)
	if err != nil {
		return nil, fmt.Errorf("rollback target %s: %w", manifestID, errs.ErrStateHydration)
	}
	if rejected.PreviousManifestID == "" {
		return nil, fmt.Errorf("manifest %s has no predecessor to roll back to", manifestID)
	}

	previous, err := k.manifests.Get(ctx, executionID, rejected.PreviousManifestID)
	if err != nil {
		return nil, fmt.Errorf("rollback predecessor %s: %w", rejected.PreviousManifestID, errs.ErrStateHydration)
	}

	retained := make(map[string]bool, len(previous.Blocks))
	for _, key := range previous.Blocks {
		retained[key] = true
	}
	var orphans []string
	for _, key := range rejected.Blocks {
		if !retained[key] {
			orphans = append(orphans, key)
		}
	}

	if len(orphans) > 0 {
		if err := k.gcq.EnqueueOrphans(ctx, uuid.New().String(), ReasonOptimisticRollback, k.bucket, orphans); err != nil {
			return nil, fmt.Errorf("failed to enqueue rollback orphans: %w", err)
		}
	}

	metrics.Rollbacks.Inc()
	k.logger.Info("rolled back manifest",
		"execution_id", executionID,
		"rejected_manifest", manifestID,
		"restored_manifest", previous.ManifestID,
		"orphan_blocks", len(orphans))

	return previous, nil
}

// newManifestID returns a time-ordered id, monotone per execution
// because the driver serializes commits within one execution
func newManifestID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

func isCorruption(err error) bool {
	return errors.Is(err, errs.ErrStorageCorruption)
}
