package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lyzr/stateflow/common/state"
	"github.com/tidwall/gjson"
)

// StateJSONToken injects the entire state bag, JSON-encoded
const StateJSONToken = "__state_json"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Renderer substitutes {{dotted.path}} placeholders in node configs
// with values from the state bag
type Renderer struct{}

// NewRenderer creates a template renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// RenderConfig resolves all placeholders in a config map
func (r *Renderer) RenderConfig(config map[string]interface{}, bag state.Bag) (map[string]interface{}, error) {
	out, err := r.renderValue(config, bag)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("rendered config is not a map")
	}
	return m, nil
}

// RenderString resolves placeholders in a single string. A string that
// is exactly one placeholder keeps the referenced value's type.
func (r *Renderer) RenderString(s string, bag state.Bag) (interface{}, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder preserves the value type
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		return r.lookup(path, bag)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := strings.TrimSpace(s[m[2]:m[3]])
		value, err := r.lookup(path, bag)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (r *Renderer) renderValue(value interface{}, bag state.Bag) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.RenderString(v, bag)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			rendered, err := r.renderValue(item, bag)
			if err != nil {
				return nil, fmt.Errorf("failed to render config key %s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := r.renderValue(item, bag)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// lookup resolves one dotted path against the bag via gjson
func (r *Renderer) lookup(path string, bag state.Bag) (interface{}, error) {
	if path == StateJSONToken {
		data, err := bag.Serialize()
		if err != nil {
			return nil, fmt.Errorf("failed to encode state for %s: %w", StateJSONToken, err)
		}
		return string(data), nil
	}

	data, err := bag.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, fmt.Errorf("template path not found in state: %s", path)
	}
	return result.Value(), nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
