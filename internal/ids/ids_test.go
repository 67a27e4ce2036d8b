package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewTaskID()
		require.True(t, IsTaskID(id), "bad task id %q", id)
		require.False(t, seen[id], "duplicate task id %q", id)
		seen[id] = true
	}
}

func TestIsTaskIDRejects(t *testing.T) {
	assert.False(t, IsTaskID("tsk_short"))
	assert.False(t, IsTaskID("abc_01ARZ3NDEKTSV4RRFFQ69G5FAV"))
	assert.False(t, IsTaskID("tsk_01arz3ndektsv4rrffq69g5fav")) // lowercase
	assert.True(t, IsTaskID("tsk_01ARZ3NDEKTSV4RRFFQ69G5FAV"))
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	assert.Len(t, id, 16)
	assert.NotEqual(t, id, NewJobID())
}

func TestNewRunID(t *testing.T) {
	assert.Equal(t, "forced", NewRunID("forced"))
	assert.NotEmpty(t, NewRunID(""))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "build-a-rest-api", Slug("Build a REST API!", 0))
	assert.Equal(t, "build", Slug("Build a REST API", 5))
	assert.Equal(t, "a-b", Slug("  a__b  ", 0))
}
