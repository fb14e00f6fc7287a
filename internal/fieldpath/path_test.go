package fieldpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	tests := []struct {
		raw  string
		want Path
	}{
		{"title", Path{Key("title")}},
		{"meta.owner", Path{Key("meta"), Key("owner")}},
		{"subtasks[2]", Path{Key("subtasks"), Elem("2")}},
		{"subtasks[2].done", Path{Key("subtasks"), Elem("2"), Key("done")}},
		{"a.b[id-7].c", Path{Key("a"), Key("b"), Elem("id-7"), Key("c")}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
			assert.Equal(t, tt.raw, p.String())
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "subtasks[2"} {
		_, err := Parse(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestGet(t *testing.T) {
	doc := map[string]any{
		"title": "Buy milk",
		"meta":  map[string]any{"owner": "ana"},
		"subtasks": []any{
			map[string]any{"id": "1", "done": true},
			map[string]any{"id": "2", "done": false},
		},
	}

	v, ok := Get(doc, Path{Key("meta"), Key("owner")})
	require.True(t, ok)
	assert.Equal(t, "ana", v)

	v, ok = Get(doc, Path{Key("subtasks"), Elem("2"), Key("done")})
	require.True(t, ok)
	assert.Equal(t, false, v)

	_, ok = Get(doc, Path{Key("subtasks"), Elem("9")})
	assert.False(t, ok)

	_, ok = Get(doc, Path{Key("missing")})
	assert.False(t, ok)
}

func TestSetCreatesIntermediates(t *testing.T) {
	doc := map[string]any{}

	require.NoError(t, Set(doc, Path{Key("meta"), Key("owner")}, "ana"))
	v, ok := Get(doc, Path{Key("meta"), Key("owner")})
	require.True(t, ok)
	assert.Equal(t, "ana", v)
}

func TestSetAppendsMissingElement(t *testing.T) {
	doc := map[string]any{
		"subtasks": []any{map[string]any{"id": "1", "done": true}},
	}

	elem := map[string]any{"id": "2", "done": false}
	require.NoError(t, Set(doc, Path{Key("subtasks"), Elem("2")}, elem))

	arr := doc["subtasks"].([]any)
	require.Len(t, arr, 2)
	assert.Equal(t, elem, arr[1])

	// Setting a field under a missing element creates the element too.
	require.NoError(t, Set(doc, Path{Key("subtasks"), Elem("3"), Key("done")}, true))
	arr = doc["subtasks"].([]any)
	require.Len(t, arr, 3)
	assert.Equal(t, map[string]any{"id": "3", "done": true}, arr[2])
}

func TestSetReplacesExistingElement(t *testing.T) {
	doc := map[string]any{
		"subtasks": []any{map[string]any{"id": "1", "done": false}},
	}

	require.NoError(t, Set(doc, Path{Key("subtasks"), Elem("1"), Key("done")}, true))
	v, ok := Get(doc, Path{Key("subtasks"), Elem("1"), Key("done")})
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestDelete(t *testing.T) {
	doc := map[string]any{
		"title": "x",
		"meta":  map[string]any{"owner": "ana", "color": "red"},
		"subtasks": []any{
			map[string]any{"id": "1"},
			map[string]any{"id": "2"},
		},
	}

	Delete(doc, Path{Key("meta"), Key("color")})
	_, ok := Get(doc, Path{Key("meta"), Key("color")})
	assert.False(t, ok)

	Delete(doc, Path{Key("subtasks"), Elem("1")})
	arr := doc["subtasks"].([]any)
	require.Len(t, arr, 1)
	assert.Equal(t, map[string]any{"id": "2"}, arr[0])

	// Deleting through a missing container is a no-op.
	Delete(doc, Path{Key("missing"), Key("field")})
	assert.Equal(t, "x", doc["title"])
}

func TestJSONRoundTrip(t *testing.T) {
	p, err := Parse("subtasks[2].done")
	require.NoError(t, err)

	raw, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"subtasks[2].done"`, string(raw))

	var back Path
	require.NoError(t, back.UnmarshalJSON(raw))
	assert.Equal(t, p, back)
}
