package simulation

import (
	"sort"

	"github.com/hwsim/mmu"
)

// Stats is a sample of statistics produced by the
// simulated machine.
type Stats struct {
	// Timestamp is the time in CPU ticks for the most
	// recent event processed by the machine.
	Timestamp uint64

	// Tables is the number of page tables (address spaces)
	// created since the machine started.
	Tables uint64

	// Frames is the number of physical frames handed out by
	// the frame allocator. Frames are never returned, so this
	// only grows.
	Frames uint64

	// FrameBytes is the amount of memory in bytes backing
	// allocated frames.
	FrameBytes uint64

	// Maps is the total number of translation inserts processed.
	Maps uint64

	// Unmaps is the total number of translation removals
	// processed, including removals of translations that were
	// never present.
	Unmaps uint64

	// Queries is the total number of translation lookups
	// processed.
	Queries uint64

	// Misses is the number of lookups that found no translation.
	Misses uint64

	// other represents statistics which are unique to the
	// implementation, usually representing a breakdown of
	// other statistics, or something else entirely.
	other map[string]uint64
}

// NewStats creates a new valid Stats object.
//
// Must be used instead of constructing a Stats object directly,
// since there are unexported fields which may need to be initialized.
func NewStats() *Stats {
	return &Stats{
		other: make(map[string]uint64),
	}
}

// OtherStats returns a list of registered implementation-specific statistics.
func (s *Stats) OtherStats() []string {
	names := make([]string, 0, len(s.other))
	for name := range s.other {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOther returns the value for a implementation-specific statistic
// by name. Returns 0 if the statistic is not registered.
func (s *Stats) GetOther(name string) uint64 {
	return s.other[name]
}

// RegisterOther registers a new implementation-specific statistic.
//
// This operation is idempotent and safe to perform again, even after
// a statistic has been modified.
func (s *Stats) RegisterOther(name string) {
	if _, ok := s.other[name]; !ok {
		s.other[name] = 0
	}
}

// AddOther adds an amount to the value to a implementation-specific statistic.
// Panics if the statistic has not been registered.
func (s *Stats) AddOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val + amount
	} else {
		panic("attempted to add to non-existing stat")
	}
}

// Machine describes a simulated machine driven by a translation trace.
type Machine interface {
	// RegisterStats offers the machine an opportunity to
	// register any additional statistics before processing.
	RegisterStats(*Stats)

	// Process feeds another translation trace event into the
	// machine. It returns an error if the machine cannot honor
	// the event, e.g. on physical memory exhaustion.
	Process(mmu.Event, *Stats) error
}
