package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"conductor/internal/domain"
)

type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	LeastLoaded     Strategy = "least_loaded"
	CapabilityMatch Strategy = "capability_match"
)

var strategies = []Strategy{RoundRobin, LeastLoaded, CapabilityMatch}

func ParseStrategy(name string) (Strategy, error) {
	for _, s := range strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q (want one of %v): %w", name, strategies, domain.ErrInvalidArgument)
}

// Selector picks one agent out of candidates for task. Candidates arrive in
// registration order and all have spare capacity.
type Selector interface {
	Select(task domain.Task, candidates []domain.Agent) (domain.Agent, bool)
}

type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *roundRobin) Select(_ domain.Task, candidates []domain.Agent) (domain.Agent, bool) {
	if len(candidates) == 0 {
		return domain.Agent{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.next % len(candidates)
	r.next = idx + 1
	return candidates[idx], true
}

type leastLoaded struct{}

func (leastLoaded) Select(_ domain.Task, candidates []domain.Agent) (domain.Agent, bool) {
	if len(candidates) == 0 {
		return domain.Agent{}, false
	}
	ranked := append([]domain.Agent(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.LoadScore != b.LoadScore {
			return a.LoadScore < b.LoadScore
		}
		if a.CurrentTaskCount != b.CurrentTaskCount {
			return a.CurrentTaskCount < b.CurrentTaskCount
		}
		return a.ID < b.ID
	})
	return ranked[0], true
}

type capabilityMatch struct{}

func (capabilityMatch) Select(task domain.Task, candidates []domain.Agent) (domain.Agent, bool) {
	if task.RequiredCapability == "" {
		return leastLoaded{}.Select(task, candidates)
	}
	matching := make([]domain.Agent, 0, len(candidates))
	for _, a := range candidates {
		if a.Capabilities.Has(task.RequiredCapability) {
			matching = append(matching, a)
		}
	}
	return leastLoaded{}.Select(task, matching)
}
