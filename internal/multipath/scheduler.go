package multipath

import (
	"fmt"
	"sort"
	"sync"
)

// Scheduler selects which path carries each outgoing frame using Smooth
// Weighted Round Robin (spec §4.7): every path's running counter is
// incremented by its weight each round, the path with the largest counter
// is chosen and has the total weight subtracted from its counter. This is
// the same algorithm nginx uses for upstream load balancing; no pack repo
// carries a ready-made implementation, so it's written directly from the
// spec's description.
type Scheduler struct {
	mu    sync.Mutex
	paths map[PathID]*Path
}

func NewScheduler() *Scheduler {
	return &Scheduler{paths: make(map[PathID]*Path)}
}

// AddPath registers a path with the scheduler. Returns an error if the
// connection is already at MaxActivePaths.
func (s *Scheduler) AddPath(p *Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.paths) >= MaxActivePaths {
		return fmt.Errorf("multipath: connection already has %d paths", MaxActivePaths)
	}
	s.paths[p.ID()] = p
	return nil
}

// RemovePath drops a path from consideration (used once a path is torn
// down after its Inactive grace period).
func (s *Scheduler) RemovePath(id PathID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, id)
}

// Paths returns a snapshot of every registered path.
func (s *Scheduler) Paths() []*Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Path, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ErrNoEligiblePath is returned by Select when every path currently has
// zero weight (none are Active, Degraded, Recovering, or flagged Replace).
var ErrNoEligiblePath = fmt.Errorf("multipath: no eligible path")

// Select runs one round of Smooth Weighted Round Robin and returns the
// chosen path's ID.
func (s *Scheduler) Select() (PathID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		p *Path
		w int
	}
	var candidates []candidate
	total := 0
	for _, p := range s.paths {
		w := p.Weight()
		if w <= 0 {
			continue
		}
		candidates = append(candidates, candidate{p, w})
		total += w
	}
	if len(candidates) == 0 {
		return 0, ErrNoEligiblePath
	}

	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		c.p.mu.Lock()
		c.p.current += c.w
		current := c.p.current
		c.p.mu.Unlock()
		if best == nil || current > best.p.current {
			best = c
		}
	}

	best.p.mu.Lock()
	best.p.current -= total
	best.p.mu.Unlock()

	return best.p.ID(), nil
}

// AdvanceAll runs AdvanceState on every registered path, returning the IDs
// of paths that changed state this round. Called periodically by the
// session orchestrator's clock tick.
func (s *Scheduler) AdvanceAll(th StateThresholds) []PathID {
	paths := s.Paths()
	var changed []PathID
	for _, p := range paths {
		before := p.State()
		after := p.AdvanceState(th)
		if after != before {
			changed = append(changed, p.ID())
		}
	}
	return changed
}

// BestRemaining returns the highest-weight path other than excluded,
// used for the 30ms failover retry after a path dies mid-flight.
func (s *Scheduler) BestRemaining(excluded PathID) (PathID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Path
	bestWeight := 0
	for id, p := range s.paths {
		if id == excluded {
			continue
		}
		w := p.Weight()
		if w > bestWeight {
			bestWeight = w
			best = p
		}
	}
	if best == nil {
		return 0, ErrNoEligiblePath
	}
	return best.ID(), nil
}
