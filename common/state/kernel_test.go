package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stateflow/common/blob"
	"github.com/lyzr/stateflow/common/config"
	"github.com/lyzr/stateflow/common/models"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

type memManifestStore struct {
	mu        sync.Mutex
	manifests map[string]*models.Manifest
	failFlip  bool
}

func newMemManifestStore() *memManifestStore {
	return &memManifestStore{manifests: make(map[string]*models.Manifest)}
}

func (s *memManifestStore) Create(ctx context.Context, m *models.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.manifests[m.ExecutionID+"/"+m.ManifestID] = &cp
	return nil
}

func (s *memManifestStore) MarkCommitted(ctx context.Context, executionID, manifestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFlip {
		return errors.New("conditional write failed")
	}
	m, ok := s.manifests[executionID+"/"+manifestID]
	if !ok {
		return errors.New("manifest not found")
	}
	m.Committed = true
	return nil
}

func (s *memManifestStore) Get(ctx context.Context, executionID, manifestID string) (*models.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[executionID+"/"+manifestID]
	if !ok {
		return nil, errors.New("manifest not found")
	}
	cp := *m
	return &cp, nil
}

type enqueued struct {
	reason string
	keys   []string
}

type memGCQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (q *memGCQueue) EnqueueOrphans(ctx context.Context, transactionID, reason string, bucket string, keys []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, enqueued{reason: reason, keys: keys})
	return nil
}

func testKernel(t *testing.T, threshold int) (*Kernel, *blob.MemoryStore, *memManifestStore, *memGCQueue) {
	t.Helper()
	store := blob.NewMemoryStore()
	manifests := newMemManifestStore()
	gcq := &memGCQueue{}
	cfg := config.KernelConfig{
		InlineThreshold:   threshold,
		HistoryLimit:      3,
		MaxLoopIterations: 100,
	}
	k := NewKernel(store, manifests, gcq, cfg, "state-bucket", nopLogger{})
	return k, store, manifests, gcq
}

func syncCtx(segment int) SyncContext {
	return SyncContext{
		ExecutionID: "exec-1",
		OwnerID:     "owner-1",
		WorkflowID:  "wf-1",
		SegmentID:   segment,
	}
}

func TestSyncInitDefaults(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	res, err := k.Sync(context.Background(), &Request{
		Base:    NewBag(),
		Delta:   Bag{"input": "hello"},
		Action:  ActionInit,
		Context: syncCtx(0),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusStarted, res.Status)
	assert.Equal(t, 0, res.State.SegmentToRun())
	assert.Equal(t, 0, res.State.LoopCounter())
	assert.Equal(t, 100, res.State.GetDefault(KeyMaxLoopIterations, 0))
	assert.Equal(t, false, res.State.GetDefault(KeyDistributedMode, nil))
	assert.Equal(t, "hello", res.State.GetDefault("input", nil))
	assert.Equal(t, res.Manifest.ManifestID, res.State.GetDefault(KeyCurrentManifestID, nil))
	assert.True(t, res.Manifest.Committed)
}

func TestSyncInitRejectsNonEmptyBase(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	_, err := k.Sync(context.Background(), &Request{
		Base:    Bag{"existing": true},
		Delta:   NewBag(),
		Action:  ActionInit,
		Context: syncCtx(0),
	})
	require.Error(t, err)
}

func TestSyncShallowMerge(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	base := Bag{
		"keep":          "base-value",
		"replace":       map[string]interface{}{"old": true},
		KeyStateHistory: []interface{}{},
		KeySegmentToRun: 0,
		KeyLoopCounter:  0,
	}
	res, err := k.Sync(context.Background(), &Request{
		Base:    base,
		Delta:   Bag{"replace": map[string]interface{}{"new": true}, "added": float64(1)},
		Action:  ActionSync,
		Context: syncCtx(1),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, res.Status)
	assert.Equal(t, "base-value", res.State.GetDefault("keep", nil))
	// Top-level replacement is wholesale, not a deep merge
	assert.Equal(t, nil, res.State.GetDefault("replace.old", nil))
	assert.Equal(t, true, res.State.GetDefault("replace.new", nil))
	assert.Equal(t, float64(1), res.State.GetDefault("added", nil))

	// Base untouched
	assert.Equal(t, true, base.GetDefault("replace.old", nil))
	_, ok := base[KeyCurrentManifestID]
	assert.False(t, ok)
}

func TestSyncLoopBodyIncrementsCounter(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	base := Bag{KeyLoopCounter: 2, KeyStateHistory: []interface{}{}}
	sctx := syncCtx(1)
	sctx.IsLoopBody = true

	res, err := k.Sync(context.Background(), &Request{
		Base:    base,
		Delta:   NewBag(),
		Action:  ActionSync,
		Context: sctx,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.State.LoopCounter())
}

func TestSyncHistoryBounded(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	state := Bag{KeyStateHistory: []interface{}{}}
	for i := 0; i < 6; i++ {
		res, err := k.Sync(context.Background(), &Request{
			Base:    state,
			Delta:   NewBag(),
			Action:  ActionSync,
			Context: syncCtx(i),
		})
		require.NoError(t, err)
		state = res.State
	}

	history, ok := state[KeyStateHistory].([]interface{})
	require.True(t, ok)
	// HistoryLimit is 3 in the test kernel
	assert.Len(t, history, 3)
	last, ok := history[2].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 5, intValue(last["segment_id"]))
}

func TestSyncRoundTrip(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	res, err := k.Sync(context.Background(), &Request{
		Base:    NewBag(),
		Delta:   Bag{"payload": map[string]interface{}{"a": "b"}},
		Action:  ActionInit,
		Context: syncCtx(0),
	})
	require.NoError(t, err)

	hydrated, err := k.Hydrate(context.Background(), "exec-1", res.Manifest.ManifestID)
	require.NoError(t, err)

	want, err := res.State.Serialize()
	require.NoError(t, err)
	got, err := hydrated.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestSyncRoundTripWithOffload(t *testing.T) {
	// Threshold small enough that the payload must offload
	k, store, _, _ := testKernel(t, 512)

	large := strings.Repeat("x", 4096)
	res, err := k.Sync(context.Background(), &Request{
		Base:    NewBag(),
		Delta:   Bag{"document": map[string]interface{}{"body": large}, "small": "inline"},
		Action:  ActionInit,
		Context: syncCtx(0),
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.Manifest.Blocks)
	require.NotEmpty(t, store.Keys())
	assert.LessOrEqual(t, len(res.Manifest.InlineState), 512)

	// Persisted inline state carries pointers, never the raw subtree
	persisted, err := Deserialize(res.Manifest.InlineState)
	require.NoError(t, err)
	for path := range res.Manifest.PointerMap {
		v, ok := getPath(persisted, path)
		require.True(t, ok, "pointer path %s missing from inline state", path)
		assert.True(t, IsPointer(v))
	}

	// The caller-facing state is fully inline
	assert.Equal(t, large, res.State.GetDefault("document.body", nil))

	// Hydration restores the original value
	hydrated, err := k.Hydrate(context.Background(), "exec-1", res.Manifest.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, large, hydrated.GetDefault("document.body", nil))
	assert.Equal(t, "inline", hydrated.GetDefault("small", nil))
}

func TestOffloadedPointerNotRepointerized(t *testing.T) {
	k, store, _, _ := testKernel(t, 512)

	large := strings.Repeat("y", 4096)
	first, err := k.Sync(context.Background(), &Request{
		Base:    NewBag(),
		Delta:   Bag{"document": map[string]interface{}{"body": large}},
		Action:  ActionInit,
		Context: syncCtx(0),
	})
	require.NoError(t, err)
	blocksAfterFirst := len(store.Keys())

	// Re-sync from the persisted (pointerized) state without touching the
	// offloaded subtree. The pointer must pass through untouched.
	persisted, err := Deserialize(first.Manifest.InlineState)
	require.NoError(t, err)

	second, err := k.Sync(context.Background(), &Request{
		Base:    persisted,
		Delta:   Bag{"small": "delta"},
		Action:  ActionSync,
		Context: syncCtx(1),
	})
	require.NoError(t, err)

	// No new blocks: the existing pointer is reused, not re-offloaded
	assert.Equal(t, blocksAfterFirst, len(store.Keys()))

	ptrPath := ""
	for path := range first.Manifest.PointerMap {
		ptrPath = path
	}
	require.NotEmpty(t, ptrPath)
	v, ok := getPath(second.State, ptrPath)
	require.True(t, ok)
	assert.True(t, IsPointer(v))
}

func TestAggregateSequencesConcatInBranchOrder(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	res, err := k.Sync(context.Background(), &Request{
		Base:   Bag{"results": []interface{}{"base"}, KeyStateHistory: []interface{}{}},
		Action: ActionAggregate,
		BranchDeltas: []Bag{
			{"results": []interface{}{"b0"}},
			{"results": []interface{}{"b1", "b1x"}},
			{"results": []interface{}{"b2"}},
		},
		Context: syncCtx(2),
	})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"base", "b0", "b1", "b1x", "b2"}, res.State["results"])
	assert.Equal(t, false, res.State.GetDefault(KeyDistributedMode, nil))
}

func TestAggregateMapsDeepMerge(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	res, err := k.Sync(context.Background(), &Request{
		Base: Bag{KeyStateHistory: []interface{}{}},
		BranchDeltas: []Bag{
			{"meta": map[string]interface{}{"a": "first", "shared": map[string]interface{}{"x": float64(1)}}},
			{"meta": map[string]interface{}{"b": "second", "shared": map[string]interface{}{"y": float64(2)}}},
		},
		Action:  ActionAggregate,
		Context: syncCtx(2),
	})
	require.NoError(t, err)

	assert.Equal(t, "first", res.State.GetDefault("meta.a", nil))
	assert.Equal(t, "second", res.State.GetDefault("meta.b", nil))
	assert.Equal(t, float64(1), res.State.GetDefault("meta.shared.x", nil))
	assert.Equal(t, float64(2), res.State.GetDefault("meta.shared.y", nil))
}

func TestAggregateScalarLowestBranchWins(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	res, err := k.Sync(context.Background(), &Request{
		Base: Bag{KeyStateHistory: []interface{}{}},
		BranchDeltas: []Bag{
			{"winner": "branch-0"},
			{"winner": "branch-1"},
		},
		Action:  ActionAggregate,
		Context: syncCtx(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "branch-0", res.State.GetDefault("winner", nil))
}

func TestAggregateNamedReducers(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	res, err := k.Sync(context.Background(), &Request{
		Base: Bag{KeyStateHistory: []interface{}{}},
		BranchDeltas: []Bag{
			{"total": float64(3), "latest": "a"},
			{"total": float64(4), "latest": "b"},
		},
		Reducers: map[string]string{"total": "sum", "latest": "last_writer"},
		Action:   ActionAggregate,
		Context:  syncCtx(2),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(7), res.State.GetDefault("total", nil))
	assert.Equal(t, "b", res.State.GetDefault("latest", nil))
}

func TestAggregateBranchErrorsSurfaced(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	res, err := k.Sync(context.Background(), &Request{
		Base: Bag{KeyStateHistory: []interface{}{}},
		BranchDeltas: []Bag{
			{"ok": true},
		},
		BranchErrors: []BranchError{
			{BranchIndex: 1, NodeID: "llm-1", Message: "timeout"},
		},
		Action:  ActionAggregate,
		Context: syncCtx(2),
	})
	require.NoError(t, err)

	branchErrs, ok := res.State[KeyBranchErrors].([]interface{})
	require.True(t, ok)
	require.Len(t, branchErrs, 1)
	first, ok := branchErrs[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "timeout", first["message"])
}

func TestAggregateCallerDeltaLandsAfterReduce(t *testing.T) {
	k, _, _, _ := testKernel(t, 200*1024)

	// The caller's delta carries the aggregation report; it replaces any
	// branch value wholesale instead of going through a reducer
	res, err := k.Sync(context.Background(), &Request{
		Base: Bag{KeyStateHistory: []interface{}{}},
		BranchDeltas: []Bag{
			{"summary": "from-branch-0"},
			{"summary": "from-branch-1"},
		},
		Delta: Bag{"summary": map[string]interface{}{
			"status":       "COMPLETED",
			"total_chunks": float64(2),
		}},
		Action:  ActionAggregate,
		Context: syncCtx(2),
	})
	require.NoError(t, err)

	report, ok := res.State["summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "COMPLETED", report["status"])
	assert.Equal(t, float64(2), report["total_chunks"])
}

func TestCommitFailureEnqueuesAbandonedBlocks(t *testing.T) {
	k, store, manifests, gcq := testKernel(t, 512)
	manifests.failFlip = true

	large := strings.Repeat("z", 4096)
	_, err := k.Sync(context.Background(), &Request{
		Base:    NewBag(),
		Delta:   Bag{"document": map[string]interface{}{"body": large}},
		Action:  ActionInit,
		Context: syncCtx(0),
	})
	require.Error(t, err)

	// The written blocks end up on the GC queue, not silently leaked
	require.NotEmpty(t, store.Keys())
	require.Len(t, gcq.items, 1)
	assert.Equal(t, ReasonAbandonedWrite, gcq.items[0].reason)
	assert.ElementsMatch(t, store.Keys(), gcq.items[0].keys)
}

func TestHydrateRejectsUncommittedManifest(t *testing.T) {
	k, _, manifests, _ := testKernel(t, 200*1024)

	require.NoError(t, manifests.Create(context.Background(), &models.Manifest{
		ManifestID:  "m-uncommitted",
		ExecutionID: "exec-1",
		InlineState: []byte(`{}`),
		Committed:   false,
	}))

	_, err := k.Hydrate(context.Background(), "exec-1", "m-uncommitted")
	require.Error(t, err)
}

func TestRollbackEnqueuesOrphanBlocks(t *testing.T) {
	k, _, manifests, gcq := testKernel(t, 200*1024)
	ctx := context.Background()

	require.NoError(t, manifests.Create(ctx, &models.Manifest{
		ManifestID:  "m-1",
		ExecutionID: "exec-1",
		Blocks:      []string{"blocks/shared", "blocks/old"},
		InlineState: []byte(`{}`),
	}))
	require.NoError(t, manifests.Create(ctx, &models.Manifest{
		ManifestID:         "m-2",
		ExecutionID:        "exec-1",
		PreviousManifestID: "m-1",
		Blocks:             []string{"blocks/shared", "blocks/new-a", "blocks/new-b"},
		InlineState:        []byte(`{}`),
	}))

	previous, err := k.Rollback(ctx, "exec-1", "m-2")
	require.NoError(t, err)
	assert.Equal(t, "m-1", previous.ManifestID)

	// Only blocks exclusive to the rejected manifest are enqueued
	require.Len(t, gcq.items, 1)
	assert.Equal(t, ReasonOptimisticRollback, gcq.items[0].reason)
	assert.ElementsMatch(t, []string{"blocks/new-a", "blocks/new-b"}, gcq.items[0].keys)
}

func TestRollbackWithoutPredecessorFails(t *testing.T) {
	k, _, manifests, _ := testKernel(t, 200*1024)
	ctx := context.Background()

	require.NoError(t, manifests.Create(ctx, &models.Manifest{
		ManifestID:  "m-root",
		ExecutionID: "exec-1",
		InlineState: []byte(`{}`),
	}))

	_, err := k.Rollback(ctx, "exec-1", "m-root")
	require.Error(t, err)
}
