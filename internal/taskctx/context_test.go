package taskctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContext_Basics(t *testing.T) {
	c := New(map[string]interface{}{"n": float64(5)})
	assert.True(t, c.Contains("n"))
	v, ok := c.Get("n")
	assert.True(t, ok)
	assert.Equal(t, float64(5), v)

	c.Insert("m", "hello")
	assert.True(t, c.Contains("m"))

	c.Remove("n")
	assert.False(t, c.Contains("n"))
}

func TestLastWriterWins_UniqueKeysPassThrough(t *testing.T) {
	now := time.Now()
	b := Branch{TaskID: "b", CompletedAt: now, Output: New(map[string]interface{}{"x": float64(1)})}
	c := Branch{TaskID: "c", CompletedAt: now.Add(time.Second), Output: New(map[string]interface{}{"x": float64(2), "y": float64(9)})}

	merged := LastWriterWins([]Branch{b, c})
	x, _ := merged.Get("x")
	y, _ := merged.Get("y")
	assert.Equal(t, float64(2), x) // c completed later
	assert.Equal(t, float64(9), y)
}

func TestLastWriterWins_ReversedOrder(t *testing.T) {
	now := time.Now()
	b := Branch{TaskID: "b", CompletedAt: now.Add(time.Second), Output: New(map[string]interface{}{"x": float64(1)})}
	c := Branch{TaskID: "c", CompletedAt: now, Output: New(map[string]interface{}{"x": float64(2), "y": float64(9)})}

	merged := LastWriterWins([]Branch{b, c})
	x, _ := merged.Get("x")
	assert.Equal(t, float64(1), x) // b completed later this time
}

func TestLastWriterWins_TiebreakByTaskID(t *testing.T) {
	now := time.Now()
	b := Branch{TaskID: "b", CompletedAt: now, Output: New(map[string]interface{}{"x": float64(1)})}
	c := Branch{TaskID: "c", CompletedAt: now, Output: New(map[string]interface{}{"x": float64(2)})}

	merged := LastWriterWins([]Branch{b, c})
	x, _ := merged.Get("x")
	assert.Equal(t, float64(2), x, "c sorts after b lexicographically, so it wins the tie")
}

func TestLastWriterWins_PureFunction(t *testing.T) {
	now := time.Now()
	branches := []Branch{
		{TaskID: "b", CompletedAt: now, Output: New(map[string]interface{}{"x": float64(1)})},
		{TaskID: "c", CompletedAt: now.Add(time.Millisecond), Output: New(map[string]interface{}{"x": float64(2)})},
	}
	first := LastWriterWins(branches)
	second := LastWriterWins(branches)
	assert.Equal(t, first.JSON(), second.JSON())
}
