package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRFC6902(t *testing.T) {
	p := Patch{
		AddOp{Path: "/tasks/a", Value: json.RawMessage(`{"id":"a"}`)},
		ReplaceOp{Path: "/tasks/b", Value: json.RawMessage(`{"id":"b"}`)},
		RemoveOp{Path: "/tasks/c"},
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"op":"add","path":"/tasks/a","value":{"id":"a"}},
		{"op":"replace","path":"/tasks/b","value":{"id":"b"}},
		{"op":"remove","path":"/tasks/c"}
	]`, string(b))

	var back Patch
	require.NoError(t, json.Unmarshal(b, &back))
	require.Len(t, back, 3)
	assert.IsType(t, AddOp{}, back[0])
	assert.IsType(t, ReplaceOp{}, back[1])
	assert.Equal(t, RemoveOp{Path: "/tasks/c"}, back[2])
}

func TestUnmarshalRejectsUnknownOp(t *testing.T) {
	var p Patch
	err := json.Unmarshal([]byte(`[{"op":"move","from":"/a","path":"/b"}]`), &p)
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestTaskID(t *testing.T) {
	id, ok := TaskID("/tasks/abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	id, ok = TaskID(TaskPath("x/y~z"))
	assert.True(t, ok)
	assert.Equal(t, "x/y~z", id)

	for _, p := range []string{"/tasks", "/tasks/", "/tasks/a/title", "/projects/a"} {
		_, ok := TaskID(p)
		assert.False(t, ok, p)
	}
}

func TestHelpers(t *testing.T) {
	p, err := AddTask("a", map[string]string{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, "/tasks/a", p[0].OpPath())

	p, err = ReplaceCollection(map[string]any{"a": map[string]string{"id": "a"}})
	require.NoError(t, err)
	assert.Equal(t, CollectionPath, p[0].OpPath())
	assert.Equal(t, RemoveOp{Path: "/tasks/a"}, RemoveTask("a")[0])
}
