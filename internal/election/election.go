// Package election picks the cluster leader deterministically from the
// connected candidate set. Leadership is advisory: the ticket ordering
// never depends on it, so a transiently diverging view is tolerated
// until the next recompute.
package election

import "sort"

const (
	// PriorityOff marks a node that is never a leader candidate.
	PriorityOff = 0
	// PriorityMin is the strongest candidacy weight.
	PriorityMin = 1
	// PriorityMax is the weakest candidacy weight.
	PriorityMax = 15
)

// Candidate is one connected member with its configured weight.
type Candidate struct {
	NodeID   string
	Priority int
}

// Eligible reports whether priority allows candidacy.
func Eligible(priority int) bool {
	return priority >= PriorityMin && priority <= PriorityMax
}

// Elect returns the leader among candidates: lowest priority wins, ties
// break on lowest node id. The boolean is false when no candidate is
// eligible. Every node feeding the same connected set gets the same
// answer.
func Elect(candidates []Candidate) (string, bool) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !Eligible(c.Priority) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return "", false
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].NodeID < eligible[j].NodeID
	})
	return eligible[0].NodeID, true
}
