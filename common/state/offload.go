package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lyzr/stateflow/common/models"
)

// WholeStatePath marks a pointer covering the entire state bag
const WholeStatePath = "$"

// reservedInline keys always stay inline; they are small and the
// driver reads them on every transition.
var reservedInline = map[string]bool{
	KeySegmentToRun:        true,
	KeyLoopCounter:         true,
	KeyStateHistory:        true,
	KeyMaxLoopIterations:   true,
	KeyMaxBranchIterations: true,
	KeyDistributedMode:     true,
	KeyDistributedStrategy: true,
	KeyMaxConcurrency:      true,
	KeyNextNode:            true,
	KeySelfHealingMetadata: true,
	KeyCurrentManifestID:   true,
	KeyBranchErrors:        true,
}

// blockWriter persists one serialized subtree and returns its pointer
// plus the block key it was written under
type blockWriter func(data []byte) (models.Pointer, string, error)

// offloadResult is the outcome of a pointerization pass
type offloadResult struct {
	State      Bag
	PointerMap map[string]models.Pointer
	BlockKeys  []string
}

// offload pointerizes the largest subtrees of a bag until its inline
// serialization fits the threshold. Pointers already present are never
// descended into or replaced (once a pointer, always a pointer).
func offload(bag Bag, threshold int, write blockWriter) (*offloadResult, error) {
	result := &offloadResult{
		State:      bag.Clone(),
		PointerMap: make(map[string]models.Pointer),
	}

	size, err := serializedSize(result.State)
	if err != nil {
		return nil, err
	}
	if size <= threshold {
		return result, nil
	}

	for size > threshold {
		path, ok := largestCandidate(result.State)
		if !ok {
			break
		}

		subtree, _ := getPath(result.State, path)
		data, err := json.Marshal(subtree)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize subtree %s: %w", path, err)
		}

		ptr, key, err := write(data)
		if err != nil {
			return nil, fmt.Errorf("failed to offload subtree %s: %w", path, err)
		}

		setPath(result.State, path, pointerValue(ptr))
		result.PointerMap[path] = ptr
		result.BlockKeys = append(result.BlockKeys, key)

		size, err = serializedSize(result.State)
		if err != nil {
			return nil, err
		}
	}

	if size > threshold {
		// Last resort: the whole user-visible state becomes one block,
		// leaving only reserved metadata inline.
		user := NewBag()
		meta := NewBag()
		for k, v := range result.State {
			if reservedInline[k] {
				meta[k] = v
			} else {
				user[k] = v
			}
		}

		data, err := user.Serialize()
		if err != nil {
			return nil, err
		}
		ptr, key, err := write(data)
		if err != nil {
			return nil, fmt.Errorf("failed to offload full state: %w", err)
		}

		meta[WholeStatePath] = pointerValue(ptr)
		result.State = meta
		result.PointerMap[WholeStatePath] = ptr
		result.BlockKeys = append(result.BlockKeys, key)
	}

	return result, nil
}

// largestCandidate returns the dotted path of the largest offloadable
// subtree: a nested mapping or sequence that is not reserved metadata
// and not already a pointer.
func largestCandidate(bag Bag) (string, bool) {
	type candidate struct {
		path string
		size int
	}
	var candidates []candidate

	var walk func(prefix string, v interface{})
	walk = func(prefix string, v interface{}) {
		if IsPointer(v) {
			return
		}
		switch t := v.(type) {
		case map[string]interface{}:
			if prefix != "" {
				if data, err := json.Marshal(t); err == nil {
					candidates = append(candidates, candidate{prefix, len(data)})
				}
			}
			for k, child := range t {
				walk(joinPath(prefix, k), child)
			}
		case Bag:
			walk(prefix, map[string]interface{}(t))
		case []interface{}:
			if prefix != "" {
				if data, err := json.Marshal(t); err == nil {
					candidates = append(candidates, candidate{prefix, len(data)})
				}
			}
		}
	}

	for k, v := range bag {
		if reservedInline[k] {
			continue
		}
		walk(k, v)
		// Large scalars (long strings) are also offloadable at top level
		if s, ok := v.(string); ok {
			candidates = append(candidates, candidate{k, len(s)})
		}
	}

	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].size != candidates[j].size {
			return candidates[i].size > candidates[j].size
		}
		return candidates[i].path < candidates[j].path
	})
	return candidates[0].path, true
}

// resolvePointers replaces every pointer in the bag with its hydrated
// subtree, using fetch to read blocks
func resolvePointers(bag Bag, pointerMap map[string]models.Pointer, fetch func(models.Pointer) ([]byte, error)) (Bag, error) {
	out := bag.Clone()

	// Whole-state pointer restores the user keys around the inline
	// metadata first; per-path pointers written before the fallback
	// kicked in still need resolving afterwards.
	if ptr, ok := pointerMap[WholeStatePath]; ok {
		data, err := fetch(ptr)
		if err != nil {
			return nil, err
		}
		user, err := Deserialize(data)
		if err != nil {
			return nil, err
		}
		delete(out, WholeStatePath)
		for k, v := range user {
			out[k] = v
		}
	}

	// Deterministic order keeps hydration reproducible
	paths := make([]string, 0, len(pointerMap))
	for p := range pointerMap {
		if p != WholeStatePath {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		ptr := pointerMap[path]
		data, err := fetch(ptr)
		if err != nil {
			return nil, err
		}
		var subtree interface{}
		if err := json.Unmarshal(data, &subtree); err != nil {
			return nil, fmt.Errorf("failed to decode block for %s: %w", path, err)
		}
		setPath(out, path, subtree)
	}
	return out, nil
}

func pointerValue(ptr models.Pointer) map[string]interface{} {
	return map[string]interface{}{
		"type":       ptr.Type,
		"bucket":     ptr.Bucket,
		"key":        ptr.Key,
		"checksum":   ptr.Checksum,
		"size_bytes": ptr.SizeBytes,
	}
}

func serializedSize(bag Bag) (int, error) {
	data, err := bag.Serialize()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// getPath walks a dotted path, returning the raw value
func getPath(bag Bag, path string) (interface{}, bool) {
	cur := interface{}(map[string]interface{}(bag))
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath replaces the value at a dotted path. Intermediate mappings
// are copied so shared subtrees from Clone are never mutated.
func setPath(bag Bag, path string, value interface{}) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		bag[parts[0]] = value
		return
	}

	cur := map[string]interface{}(bag)
	for _, part := range parts[:len(parts)-1] {
		child, ok := asMap(cur[part])
		if !ok {
			child = make(map[string]interface{})
		} else {
			cp := make(map[string]interface{}, len(child))
			for k, v := range child {
				cp[k] = v
			}
			child = cp
		}
		cur[part] = child
		cur = child
	}
	cur[parts[len(parts)-1]] = value
}
