package collector

import (
	"sort"
)

// DiffResult partitions a new run's channel-id set against a prior run's.
type DiffResult struct {
	// New are ids discovered for the first time.
	New []string
	// Retained are ids present in both runs.
	Retained []string
	// Disappeared are prior ids absent from the new set. Only meaningful
	// for full re-searches: an incremental run never re-confirms retained
	// ids, so absence there proves nothing.
	Disappeared []string
}

// Diff reconciles newIDs against priorIDs as sets. Output slices are sorted
// for stable downstream processing.
func Diff(newIDs, priorIDs []string) DiffResult {
	prior := make(map[string]bool, len(priorIDs))
	for _, id := range priorIDs {
		prior[id] = true
	}
	current := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		current[id] = true
	}

	var result DiffResult
	for id := range current {
		if prior[id] {
			result.Retained = append(result.Retained, id)
		} else {
			result.New = append(result.New, id)
		}
	}
	for id := range prior {
		if !current[id] {
			result.Disappeared = append(result.Disappeared, id)
		}
	}

	sort.Strings(result.New)
	sort.Strings(result.Retained)
	sort.Strings(result.Disappeared)
	return result
}

// mergeIDs deduplicates the union of id slices, preserving first-seen order.
func mergeIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, list := range lists {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
		}
	}
	return merged
}
