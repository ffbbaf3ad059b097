package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lyzr/stateflow/common/graph"
	"github.com/lyzr/stateflow/common/models"
)

// Workflows wraps a workflow lookup with a short-lived cache.
// Validation and partitioning re-read the same definitions on every
// submit; a bounded stale window keeps those reads off the database.
func Workflows(c Cache, ttl time.Duration, lookup graph.WorkflowLookup) graph.WorkflowLookup {
	return func(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error) {
		key := "workflow:" + ownerID + ":" + workflowID

		if data, found, err := c.Get(ctx, key); err == nil && found {
			var wf models.Workflow
			if err := json.Unmarshal(data, &wf); err == nil {
				return &wf, nil
			}
			// A corrupt entry falls through to the source
			_ = c.Delete(ctx, key)
		}

		wf, err := lookup(ctx, ownerID, workflowID)
		if err != nil {
			return nil, err
		}

		if data, err := json.Marshal(wf); err == nil {
			_ = c.Set(ctx, key, data, ttl)
		}
		return wf, nil
	}
}
