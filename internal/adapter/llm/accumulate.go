package llm

import "sort"

// ToolCallAccumulator merges streamed tool call fragments into complete calls.
// Fragments are keyed by their Index; a fragment without one continues the
// most recent call.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
	last  int
}

// Add merges the tool call deltas of one chunk.
func (a *ToolCallAccumulator) Add(deltas []ToolCall) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}
	for _, d := range deltas {
		idx := a.last
		if d.Index != nil {
			idx = *d.Index
		}
		a.last = idx

		call, ok := a.calls[idx]
		if !ok {
			call = &ToolCall{Type: "function"}
			a.calls[idx] = call
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Type != "" {
			call.Type = d.Type
		}
		if d.Function.Name != "" {
			call.Function.Name = d.Function.Name
		}
		call.Function.Arguments += d.Function.Arguments
	}
}

// Len returns the number of calls seen.
func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// Calls returns the accumulated calls ordered by index, without Index set.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	keys := make([]int, 0, len(a.calls))
	for k := range a.calls {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	out := make([]ToolCall, 0, len(keys))
	for _, k := range keys {
		c := *a.calls[k]
		c.Index = nil
		out = append(out, c)
	}
	return out
}
