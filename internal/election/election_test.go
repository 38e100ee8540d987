package election_test

import (
	"math/rand"
	"testing"

	"pkt.systems/ticketd/internal/election"
)

func TestElectLowestPriorityWins(t *testing.T) {
	t.Parallel()

	leader, ok := election.Elect([]election.Candidate{
		{NodeID: "gamma", Priority: 5},
		{NodeID: "alpha", Priority: 9},
		{NodeID: "beta", Priority: 2},
	})
	if !ok || leader != "beta" {
		t.Fatalf("leader = %q ok=%v, want beta", leader, ok)
	}
}

func TestElectTieBreaksOnNodeID(t *testing.T) {
	t.Parallel()

	leader, ok := election.Elect([]election.Candidate{
		{NodeID: "zeta", Priority: 3},
		{NodeID: "alpha", Priority: 3},
		{NodeID: "mu", Priority: 3},
	})
	if !ok || leader != "alpha" {
		t.Fatalf("leader = %q ok=%v, want alpha", leader, ok)
	}
}

func TestElectSkipsIneligibleNodes(t *testing.T) {
	t.Parallel()

	leader, ok := election.Elect([]election.Candidate{
		{NodeID: "alpha", Priority: election.PriorityOff},
		{NodeID: "beta", Priority: 7},
		{NodeID: "gamma", Priority: 99},
	})
	if !ok || leader != "beta" {
		t.Fatalf("leader = %q ok=%v, want beta", leader, ok)
	}
}

func TestElectNoEligibleCandidates(t *testing.T) {
	t.Parallel()

	if leader, ok := election.Elect([]election.Candidate{
		{NodeID: "alpha", Priority: election.PriorityOff},
	}); ok {
		t.Fatalf("expected no leader, got %q", leader)
	}
	if _, ok := election.Elect(nil); ok {
		t.Fatal("empty candidate set must elect nobody")
	}
}

// Determinism: identical candidate sets presented in any order elect
// the same node.
func TestElectOrderIndependent(t *testing.T) {
	t.Parallel()

	candidates := []election.Candidate{
		{NodeID: "delta", Priority: 4},
		{NodeID: "alpha", Priority: 4},
		{NodeID: "beta", Priority: 8},
		{NodeID: "gamma", Priority: election.PriorityOff},
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		shuffled := append([]election.Candidate(nil), candidates...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		leader, ok := election.Elect(shuffled)
		if !ok || leader != "alpha" {
			t.Fatalf("iteration %d: leader = %q ok=%v, want alpha", i, leader, ok)
		}
	}
}
