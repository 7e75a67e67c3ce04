package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuestionTakeConsumes(t *testing.T) {
	r := NewQuestionRegistry(time.Minute)
	r.Set("who is at the door?")

	q, ok := r.Take()
	require.True(t, ok)
	assert.Equal(t, "who is at the door?", q)

	// A question binds at most once.
	_, ok = r.Take()
	assert.False(t, ok)
	_, _, ok = r.Current()
	assert.False(t, ok)
}

func TestQuestionCurrentDoesNotConsume(t *testing.T) {
	r := NewQuestionRegistry(time.Minute)
	r.Set("any vehicles?")

	q, setAt, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, "any vehicles?", q)
	assert.False(t, setAt.IsZero())

	q, _, ok = r.Current()
	require.True(t, ok)
	assert.Equal(t, "any vehicles?", q)
}

func TestQuestionExpiry(t *testing.T) {
	r := NewQuestionRegistry(20 * time.Millisecond)
	r.Set("still there?")

	time.Sleep(50 * time.Millisecond)

	_, _, ok := r.Current()
	assert.False(t, ok, "expired question must not be visible")
	_, ok = r.Take()
	assert.False(t, ok, "expired question must not bind")
}

func TestQuestionSetReplaces(t *testing.T) {
	r := NewQuestionRegistry(time.Minute)
	r.Set("first")
	r.Set("second")

	q, ok := r.Take()
	require.True(t, ok)
	assert.Equal(t, "second", q)
}

func TestQuestionClear(t *testing.T) {
	r := NewQuestionRegistry(time.Minute)
	assert.Equal(t, "", r.Clear())

	r.Set("to be cleared")
	assert.Equal(t, "to be cleared", r.Clear())

	_, ok := r.Take()
	assert.False(t, ok)
}
