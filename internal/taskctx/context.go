// Package taskctx implements the typed key/value payload passed between
// tasks: a JSON-object-shaped Context with a deterministic
// merge policy for fan-in branches.
package taskctx

import (
	"sort"
	"time"

	"github.com/cloacina-io/cloacina/internal/ids"
)

// Context is a mapping from string key to JSON-representable value,
// serialized as one JSON object per store row.
type Context struct {
	data ids.JSON
}

// New returns an empty context, or one seeded from an initial map.
func New(initial map[string]interface{}) Context {
	c := Context{data: make(ids.JSON, len(initial))}
	for k, v := range initial {
		c.data[k] = v
	}
	return c
}

// FromJSON wraps an already-decoded JSON object as a Context without
// copying.
func FromJSON(j ids.JSON) Context {
	if j == nil {
		j = ids.JSON{}
	}
	return Context{data: j}
}

func (c Context) Insert(key string, value interface{}) {
	c.data[key] = value
}

func (c Context) Get(key string) (interface{}, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c Context) Contains(key string) bool {
	_, ok := c.data[key]
	return ok
}

func (c Context) Remove(key string) {
	delete(c.data, key)
}

// JSON returns the underlying map for serialization. Callers that need
// an independent copy should use Clone first.
func (c Context) JSON() ids.JSON {
	return c.data
}

// Clone returns a context with its own top-level map.
func (c Context) Clone() Context {
	return Context{data: c.data.Clone()}
}

// Branch is one dependency's completed output, keyed by the
// dependency's task ID and the time it completed — the two inputs the
// default merge policy is defined over.
type Branch struct {
	TaskID      string
	CompletedAt time.Time
	Output      Context
}

// MergePolicy combines the outputs of a task's completed dependencies
// into the single context the task itself will see. It must be a pure
// function of its inputs — no wall-clock reads, no randomness — so the
// same branch set always merges to the same result during recovery
// reconstruction.
type MergePolicy func(branches []Branch) Context

// LastWriterWins is the default and only built-in merge policy: keys
// unique to one branch pass through unchanged; keys present in more than
// one branch take the value from whichever branch completed last, with
// ties broken by sorting the tied branches' task IDs and taking the
// lexicographically greatest.
func LastWriterWins(branches []Branch) Context {
	ordered := make([]Branch, len(branches))
	copy(ordered, branches)

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CompletedAt.Equal(ordered[j].CompletedAt) {
			return ordered[i].CompletedAt.Before(ordered[j].CompletedAt)
		}
		return ordered[i].TaskID < ordered[j].TaskID
	})

	merged := make(ids.JSON)
	for _, branch := range ordered {
		for k, v := range branch.Output.JSON() {
			merged[k] = v
		}
	}
	return Context{data: merged}
}
