package toolbox

import (
	"fmt"

	"github.com/hwsim/mmu"
	"github.com/hwsim/mmu/simulation"
)

// Machine implements the simulation.Machine interface for a complete
// simulated MMU: a FrameAllocator standing in for physical memory and
// a Translator walking page tables stored inside its frames.
//
// Trace events identify page tables by small integer ids; the Machine
// owns the mapping from table ids to root frames, allocating a fresh
// root whenever a trace introduces a new table.
type Machine struct {
	mem   FrameAllocator
	tr    Translator
	roots map[uint32]PhysPage
}

// NewMachine constructs a new machine from the given components.
//
// The translator must resolve its tables through the same allocator,
// since roots handed to it are allocated from mem.
func NewMachine(mem FrameAllocator, tr Translator) *Machine {
	return &Machine{
		mem:   mem,
		tr:    tr,
		roots: make(map[uint32]PhysPage),
	}
}

// RegisterStats registers additional implementation-specific statistics
// with the simulation.Stats.
func (m *Machine) RegisterStats(stats *simulation.Stats) {
	m.mem.RegisterStats(stats)
	m.tr.RegisterStats(stats)
}

// Root returns the root frame backing a trace table id.
func (m *Machine) Root(table uint32) (PhysPage, bool) {
	root, ok := m.roots[table]
	return root, ok
}

// Process implements the simulation.Machine interface.
func (m *Machine) Process(ev mmu.Event, stats *simulation.Stats) error {
	stats.Timestamp = ev.Timestamp
	ctx := Context{stats}
	switch ev.Kind {
	case mmu.EventNewTable:
		if _, ok := m.roots[ev.Table]; ok {
			return fmt.Errorf("trace created table %d twice", ev.Table)
		}
		root, err := m.mem.AllocFrame(ctx)
		if err != nil {
			return err
		}
		m.roots[ev.Table] = root
		stats.Tables++
	case mmu.EventMap:
		root, ok := m.roots[ev.Table]
		if !ok {
			return fmt.Errorf("map into unknown table %d", ev.Table)
		}
		ppn := PhysPage(ev.PhysPage)
		if ppn == NoMapping {
			return fmt.Errorf("map event carries the no-mapping sentinel")
		}
		if err := m.tr.Update(ctx, root, VirtPage(ev.VirtPage), ppn); err != nil {
			return err
		}
		stats.Maps++
	case mmu.EventUnmap:
		root, ok := m.roots[ev.Table]
		if !ok {
			return fmt.Errorf("unmap in unknown table %d", ev.Table)
		}
		if err := m.tr.Update(ctx, root, VirtPage(ev.VirtPage), NoMapping); err != nil {
			return err
		}
		stats.Unmaps++
	case mmu.EventQuery:
		root, ok := m.roots[ev.Table]
		if !ok {
			return fmt.Errorf("query in unknown table %d", ev.Table)
		}
		if m.tr.Query(root, VirtPage(ev.VirtPage)) == NoMapping {
			stats.Misses++
		}
		stats.Queries++
	default:
		return fmt.Errorf("unexpected event kind %d", ev.Kind)
	}
	return nil
}
