package agent

import (
	"hash/fnv"
	"sort"

	"github.com/miosa-osa/osa/pkg/models"
)

// Signature hashes the multiset of tool names in one iteration's calls.
// The hash is stable across call order and call ids so two iterations
// requesting the same tools compare equal.
func Signature(calls []models.ToolCall) (uint64, []string) {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	return h.Sum64(), names
}

// allFailed reports whether every result in the slice failed. An empty
// slice reports false; no calls is not a failing iteration.
func allFailed(results []models.ToolResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.OK {
			return false
		}
	}
	return true
}
