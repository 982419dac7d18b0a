// Package slot implements the TDMA reporting-slot scheduler: each
// recruited node is assigned a slot within a repeating cycle, with a
// guard interval between slots and support for nodes that join the
// cycle late (spec.md §4.5). Slot duration is not fixed: it shrinks as
// more nodes are recruited, per the duration table below, so a busier
// cycle doesn't grow unbounded.
package slot

import (
	"fmt"
	"sync"
)

// ErrUnknownNode is returned when a slot lookup is made for a node the
// schedule never recruited.
var ErrUnknownNode = fmt.Errorf("slot: unknown node")

// GuardIntervalMS separates consecutive slots to absorb clock skew.
const GuardIntervalMS = 200

// slotDurationFor implements the spec's slot duration table, keyed by
// the number of currently recruited nodes.
func slotDurationFor(nodeCount int) int64 {
	switch {
	case nodeCount <= 3:
		return 3000
	case nodeCount <= 6:
		return 2500
	default:
		return 2000
	}
}

// Assignment is one node's position within the TDMA cycle.
type Assignment struct {
	NodeID     string
	Index      int
	OffsetMS   int64
	DurationMS int64
}

// Schedule is the coordinator-owned slot table. All access goes through
// a dedicated RWMutex (Open Question decision: reporting_schedule.nodes
// is always guarded here, not left to caller discipline) since the
// coordinator's session goroutine and its RX-driven late-join path both
// reach the same schedule.
type Schedule struct {
	mu     sync.RWMutex
	order  []string
	nodes  map[string]Assignment
	slotMS int64
}

// New creates an empty schedule.
func New() *Schedule {
	return &Schedule{nodes: map[string]Assignment{}}
}

// recalculateLocked re-derives the slot duration from the current node
// count and rebuilds every node's offset. Index assignment (recruitment
// order) never changes, only the slot duration, so nodes already
// mid-cycle don't have their relative ordering disturbed by a late join.
// Cycle length is `slot · N` (spec.md §4.5); the guard interval is
// carved from the tail of each node's own slot, not added between slots.
func (s *Schedule) recalculateLocked() {
	s.slotMS = slotDurationFor(len(s.order))
	for i, id := range s.order {
		a := s.nodes[id]
		a.DurationMS = s.slotMS
		a.OffsetMS = int64(i) * s.slotMS
		s.nodes[id] = a
	}
}

// Recruit appends a node to the end of the cycle, assigning it the next
// free slot index, and runs recalculate_slot_duration so every node's
// pitch reflects the new participant count. Re-recruiting an
// already-scheduled node is a no-op.
func (s *Schedule) Recruit(nodeID string) Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.nodes[nodeID]; ok {
		return a
	}
	idx := len(s.order)
	a := Assignment{NodeID: nodeID, Index: idx}
	s.nodes[nodeID] = a
	s.order = append(s.order, nodeID)
	s.recalculateLocked()
	return s.nodes[nodeID]
}

// LateJoin recruits a node after the cycle has already started. The
// slot duration is recalculated for every node, but cycle_start is
// never reset by the caller — spec.md §4.5 is explicit that a late
// join must not retroactively shift the cycle's phase origin.
func (s *Schedule) LateJoin(nodeID string) Assignment {
	return s.Recruit(nodeID)
}

// Lookup returns a node's assignment.
func (s *Schedule) Lookup(nodeID string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.nodes[nodeID]
	if !ok {
		return Assignment{}, ErrUnknownNode
	}
	return a, nil
}

// CycleLengthMS returns the total duration of one full cycle across all
// recruited nodes: `C = slot · N`.
func (s *Schedule) CycleLengthMS() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.order)) * s.slotMS
}

// Nodes returns the recruitment order, for dispatch and diagnostics.
func (s *Schedule) Nodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ActiveNode returns the node whose slot contains elapsedMS within the
// cycle, and whether any node currently owns the slot (false for an
// empty schedule or inside a slot's guard interval). A node's
// transmit window is `[s·slot, (s+1)·slot − guard)` (spec.md §4.5): the
// guard interval is the tail of its own slot, not separate pitch time.
func (s *Schedule) ActiveNode(elapsedMS int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cycleLen := int64(len(s.order)) * s.slotMS
	if cycleLen == 0 {
		return "", false
	}
	within := elapsedMS % cycleLen
	idx := within / s.slotMS
	offsetInSlot := within % s.slotMS
	if offsetInSlot >= s.slotMS-GuardIntervalMS {
		return "", false
	}
	if idx < 0 || int(idx) >= len(s.order) {
		return "", false
	}
	return s.order[idx], true
}

// Count returns the number of recruited nodes.
func (s *Schedule) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
