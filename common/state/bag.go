package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/stateflow/common/models"
)

// Reserved metadata keys carried in every state bag
const (
	KeySegmentToRun        = "segment_to_run"
	KeyLoopCounter         = "loop_counter"
	KeyStateHistory        = "state_history"
	KeyMaxLoopIterations   = "max_loop_iterations"
	KeyMaxBranchIterations = "max_branch_iterations"
	KeyDistributedMode     = "distributed_mode"
	KeyDistributedStrategy = "distributed_strategy"
	KeyMaxConcurrency      = "max_concurrency"
	KeyNextNode            = "__next_node"
	KeySelfHealingMetadata = "_self_healing_metadata"
	KeyCurrentManifestID   = "current_manifest_id"
	KeyBranchErrors        = "_branch_errors"
	KeyStateJSON           = "__state_json"
)

// Bag is a semantically typed mapping from string keys to values. Any
// nested mapping obtained through a read is itself a Bag, so dotted-path
// access and Get-with-default behave uniformly at every depth.
type Bag map[string]interface{}

// NewBag returns an empty bag
func NewBag() Bag {
	return Bag{}
}

// Get returns the value for key with nested mappings wrapped as Bags
func (b Bag) Get(key string) (interface{}, bool) {
	v, ok := b[key]
	if !ok {
		return nil, false
	}
	return wrap(v), true
}

// GetDefault walks a dotted path and returns the value, or def when any
// step of the path is missing
func (b Bag) GetDefault(path string, def interface{}) interface{} {
	cur := interface{}(b)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return def
		}
		next, ok := m[part]
		if !ok {
			return def
		}
		cur = next
	}
	return wrap(cur)
}

// Set stores a value under key
func (b Bag) Set(key string, value interface{}) {
	b[key] = value
}

// Clone returns a shallow copy of the top level. Nested subtrees are
// shared; sync merges replace whole top-level values, never mutate them.
func (b Bag) Clone() Bag {
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// PopNextNode consumes the __next_node control signal if present
func (b Bag) PopNextNode() (string, bool) {
	v, ok := b[KeyNextNode]
	if !ok {
		return "", false
	}
	delete(b, KeyNextNode)
	s, ok := v.(string)
	return s, ok
}

// LoopCounter returns the loop counter as an int
func (b Bag) LoopCounter() int {
	return intValue(b[KeyLoopCounter])
}

// SegmentToRun returns the next segment index
func (b Bag) SegmentToRun() int {
	return intValue(b[KeySegmentToRun])
}

// MarshalJSON-compatible serialization helper
func (b Bag) Serialize() ([]byte, error) {
	data, err := json.Marshal(map[string]interface{}(b))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}
	return data, nil
}

// Deserialize parses JSON into a bag
func Deserialize(data []byte) (Bag, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize state: %w", err)
	}
	return Bag(m), nil
}

// IsPointer reports whether a value is an offload pointer. Pointers are
// recognizable by the type discriminator and are never pointerized again.
func IsPointer(v interface{}) bool {
	switch p := v.(type) {
	case models.Pointer, *models.Pointer:
		return true
	case map[string]interface{}:
		t, _ := p["type"].(string)
		return t == models.PointerType
	case Bag:
		t, _ := p["type"].(string)
		return t == models.PointerType
	}
	return false
}

// AsPointer converts a pointer-shaped value into a models.Pointer
func AsPointer(v interface{}) (models.Pointer, bool) {
	switch p := v.(type) {
	case models.Pointer:
		return p, true
	case *models.Pointer:
		return *p, true
	case map[string]interface{}, Bag:
		data, err := json.Marshal(v)
		if err != nil {
			return models.Pointer{}, false
		}
		var ptr models.Pointer
		if err := json.Unmarshal(data, &ptr); err != nil || ptr.Type != models.PointerType {
			return models.Pointer{}, false
		}
		return ptr, true
	}
	return models.Pointer{}, false
}

// wrap upgrades nested mappings to Bags on read
func wrap(v interface{}) interface{} {
	if m, ok := asMap(v); ok {
		return Bag(m)
	}
	return v
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case Bag:
		return map[string]interface{}(m), true
	case map[string]interface{}:
		return m, true
	}
	return nil, false
}

func numValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
