package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func topicSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type": "string",
			},
			"topic": map[string]interface{}{
				"type": "string",
				"enum": []string{"billing", "support"},
			},
		},
	}
}

func TestCompiler_Prepare(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()

	first, err := compiler.Prepare(ctx, topicSchema())
	require.NoError(t, err)

	second, err := compiler.Prepare(ctx, topicSchema())
	require.NoError(t, err)
	assert.Same(t, first, second, "identical documents should share a compiled schema")
}

func TestCompiler_PrepareInvalidSchema(t *testing.T) {
	compiler := NewCompilerWithCache(64)

	_, err := compiler.Prepare(context.Background(), map[string]interface{}{"type": 12})
	assert.Error(t, err)
}

func TestCompiler_Validate(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()

	violations, err := compiler.Validate(ctx, topicSchema(), map[string]interface{}{
		"name":  "Ada",
		"topic": "support",
	})
	require.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = compiler.Validate(ctx, topicSchema(), map[string]interface{}{
		"name":  []string{"a", "b"},
		"topic": "marketing",
	})
	require.NoError(t, err)

	byField := map[string]string{}
	for _, v := range violations {
		byField[v.Field] = v.Keyword
	}
	assert.Equal(t, map[string]string{"name": "type", "topic": "enum"}, byField)
}

func TestTopLevelProperty(t *testing.T) {
	assert.Equal(t, "tags", topLevelProperty("/tags/1"))
	assert.Equal(t, "topic", topLevelProperty("/topic"))
	assert.Equal(t, "a/b", topLevelProperty("/a~1b"))
	assert.Equal(t, "", topLevelProperty(""))
}
