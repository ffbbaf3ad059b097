package models

import (
	"fmt"
	"time"
)

// PointerType is the discriminator value for offloaded subtrees
const PointerType = "s3_reference"

// Pointer replaces a state subtree whose serialized size exceeded the
// inline threshold. A pointer holds only primitives plus the reference;
// it is never pointerized again.
type Pointer struct {
	Type      string `json:"type"` // always PointerType
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Checksum  string `json:"checksum"` // sha256 hex of block content
	SizeBytes int64  `json:"size_bytes"`
}

// Manifest pins one committed state snapshot.
// Maps to: manifest table (composite key execution_id, manifest_id)
type Manifest struct {
	ManifestID         string             `db:"manifest_id" json:"manifest_id"`
	PreviousManifestID string             `db:"previous_manifest_id" json:"previous_manifest_id,omitempty"`
	ExecutionID        string             `db:"execution_id" json:"execution_id"`
	OwnerID            string             `db:"owner_id" json:"owner_id"`
	WorkflowID         string             `db:"workflow_id" json:"workflow_id"`
	SegmentID          int                `db:"segment_id" json:"segment_id"`
	Blocks             []string           `db:"blocks" json:"blocks"` // block keys
	PointerMap         map[string]Pointer `db:"pointer_map" json:"pointer_map"`
	InlineState        []byte             `db:"inline_state" json:"inline_state,omitempty"`
	Committed          bool               `db:"committed" json:"committed"`
	Checksum           string             `db:"checksum" json:"checksum"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
}

// BlockKey builds the content-addressed key for a block.
// Blocks are immutable; new values produce new keys.
func BlockKey(ownerID, workflowID, executionID, sha256Hex string) string {
	return fmt.Sprintf("workflows/%s/%s/%s/blocks/%s", ownerID, workflowID, executionID, sha256Hex)
}

// ManifestKey builds the object key for a persisted manifest document
func ManifestKey(ownerID, workflowID, executionID, manifestID string) string {
	return fmt.Sprintf("workflows/%s/%s/%s/manifests/%s.json", ownerID, workflowID, executionID, manifestID)
}
