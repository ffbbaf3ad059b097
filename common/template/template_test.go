package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stateflow/common/state"
)

func TestRenderStringInterpolation(t *testing.T) {
	r := NewRenderer()
	bag := state.Bag{
		"user": map[string]interface{}{"name": "ada"},
		"n":    float64(3),
	}

	out, err := r.RenderString("hello {{user.name}}, you have {{n}} items", bag)
	require.NoError(t, err)
	assert.Equal(t, "hello ada, you have 3 items", out)
}

func TestRenderWholePlaceholderKeepsType(t *testing.T) {
	r := NewRenderer()
	bag := state.Bag{
		"items": []interface{}{"a", "b"},
		"count": float64(2),
	}

	out, err := r.RenderString("{{items}}", bag)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, out)

	out, err = r.RenderString("{{count}}", bag)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out)
}

func TestRenderStateJSONToken(t *testing.T) {
	r := NewRenderer()
	bag := state.Bag{"k": "v"}

	out, err := r.RenderString("state: {{__state_json}}", bag)
	require.NoError(t, err)
	assert.Equal(t, `state: {"k":"v"}`, out)
}

func TestRenderConfigRecursive(t *testing.T) {
	r := NewRenderer()
	bag := state.Bag{"topic": "storage"}

	config := map[string]interface{}{
		"prompt": "write about {{topic}}",
		"nested": map[string]interface{}{
			"items": []interface{}{"{{topic}}", "fixed"},
		},
		"n": float64(7),
	}

	out, err := r.RenderConfig(config, bag)
	require.NoError(t, err)
	assert.Equal(t, "write about storage", out["prompt"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, []interface{}{"storage", "fixed"}, nested["items"].([]interface{}))
	assert.Equal(t, float64(7), out["n"])
}

func TestRenderMissingPathFails(t *testing.T) {
	r := NewRenderer()

	_, err := r.RenderString("{{missing.path}}", state.NewBag())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRenderPlainStringUntouched(t *testing.T) {
	r := NewRenderer()

	out, err := r.RenderString("no placeholders here", state.NewBag())
	require.NoError(t, err)
	assert.Equal(t, "no placeholders here", out)
}
