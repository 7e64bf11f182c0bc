package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReference(t *testing.T) {
	expr, ok := IsReference("{{steps.s1.json.items.0.name}}")
	require.True(t, ok)
	assert.Equal(t, "steps.s1.json.items.0.name", expr)

	_, ok = IsReference("https://example.com")
	assert.False(t, ok)

	_, ok = IsReference(42)
	assert.False(t, ok)
}

func TestParseReferenceSteps(t *testing.T) {
	ref, err := ParseReference("steps.s1.json.items.0.name")
	require.NoError(t, err)
	assert.False(t, ref.IsTask)
	assert.Equal(t, "s1", ref.StepID)
	assert.Equal(t, []string{"json", "items", "0", "name"}, ref.Path)
}

func TestParseReferenceTask(t *testing.T) {
	ref, err := ParseReference("task.goal")
	require.NoError(t, err)
	assert.True(t, ref.IsTask)
	assert.Equal(t, []string{"goal"}, ref.Path)
}

func TestParseReferenceMalformed(t *testing.T) {
	_, err := ParseReference("bogus")
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	root := map[string]interface{}{
		"json": map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"name": "first"},
				map[string]interface{}{"name": "second"},
			},
		},
	}
	v, ok := ResolvePath(root, []string{"json", "items", "1", "name"})
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = ResolvePath(root, []string{"json", "missing"})
	assert.False(t, ok)
}
