// Package pagetable implements a simulated hardware page table: a
// fixed-depth radix tree over virtual page numbers whose nodes live
// inside frames obtained from a frame allocator.
package pagetable

import (
	"github.com/hwsim/mmu/simulation"
	"github.com/hwsim/mmu/simulation/toolbox"
)

const (
	// levels is the depth of the radix tree. Each level consumes
	// levelBits bits of the virtual page number, most-significant
	// first, covering toolbox.VirtPageBits in total.
	levels    = 5
	levelBits = toolbox.VirtPageBits / levels

	// tableEntries is the number of entries in one table frame:
	// tableEntries * 8 bytes fills a frame exactly.
	tableEntries = 1 << levelBits
	levelMask    = tableEntries - 1
)

// entry is one 64-bit page table entry. Bit 0 is the valid bit, bits
// 13 and up hold the page number of the next-level table (interior
// levels) or of the target frame (leaf level). The zero entry is the
// canonical absent entry.
type entry uint64

const entryValid entry = 1 << 0

func (e entry) valid() bool {
	return e&entryValid != 0
}

func (e entry) page() toolbox.PhysPage {
	return toolbox.PhysPage(e >> toolbox.PageBits)
}

func makeEntry(p toolbox.PhysPage) entry {
	return entry(p)<<toolbox.PageBits | entryValid
}

// split extracts the per-level table indices from the low
// toolbox.VirtPageBits bits of vpn, most-significant first. Higher
// bits are ignored.
func split(vpn toolbox.VirtPage) [levels]int {
	var idx [levels]int
	for i := levels - 1; i >= 0; i-- {
		idx[i] = int(vpn & levelMask)
		vpn >>= levelBits
	}
	return idx
}

// statTableFrames counts frames consumed by page table nodes, as
// opposed to frames mapped as translation targets.
const statTableFrames = "PageTableFrames"

// Walker implements the toolbox.Translator interface over tables
// stored in a frame allocator. The caller holds table roots: any
// frame obtained from the same allocator is a valid empty root,
// since fresh frames are zeroed and the zero entry is absent.
type Walker struct {
	mem toolbox.FrameAllocator
}

// NewWalker creates a Walker translating through frames of mem.
//
// The table layout needs frames of exactly tableEntries 64-bit
// entries; NewWalker panics if mem hands out any other size.
func NewWalker(mem toolbox.FrameAllocator) *Walker {
	if mem.BytesPerFrame() != toolbox.PageBytes {
		panic("frame size does not fit the table layout")
	}
	return &Walker{mem: mem}
}

// RegisterStats implements the toolbox.Simulation interface.
func (w *Walker) RegisterStats(s *simulation.Stats) {
	s.RegisterOther(statTableFrames)
}

// table resolves a table frame into its entries. Every page number
// passed here originates from a prior allocation or a valid entry, so
// failure to resolve means the table structure is corrupt.
func (w *Walker) table(p toolbox.PhysPage) []uint64 {
	t, ok := w.mem.Resolve(p.Base())
	if !ok {
		panic("page table references an unallocated frame")
	}
	return t
}

// Update inserts or removes the translation for vpn in the table
// rooted at root.
//
// Passing toolbox.NoMapping as ppn removes the translation: the leaf
// entry is cleared if the path to it exists, and the walk stops
// without allocating anything the moment the path turns out absent.
// Any other ppn is installed at the leaf, overwriting a previous
// translation, with interior tables allocated on demand; each new
// table frame starts zeroed, so its entries are all absent.
//
// The only failure mode is frame exhaustion while growing the tree,
// reported as the allocator's typed error with the tree left in a
// consistent state (the path built so far stays, still all-absent).
func (w *Walker) Update(ctx toolbox.Context, root toolbox.PhysPage, vpn toolbox.VirtPage, ppn toolbox.PhysPage) error {
	idx := split(vpn)
	table := w.table(root)
	for level := 0; level < levels-1; level++ {
		pte := entry(table[idx[level]])
		if !pte.valid() {
			if ppn == toolbox.NoMapping {
				// Nothing to remove along a path that was
				// never built.
				return nil
			}
			next, err := w.mem.AllocFrame(ctx)
			if err != nil {
				return err
			}
			table[idx[level]] = uint64(makeEntry(next))
			ctx.Stats.AddOther(statTableFrames, 1)
			table = w.table(next)
			continue
		}
		table = w.table(pte.page())
	}
	if ppn == toolbox.NoMapping {
		table[idx[levels-1]] = 0
	} else {
		table[idx[levels-1]] = uint64(makeEntry(ppn))
	}
	return nil
}

// Query returns the physical page vpn translates to in the table
// rooted at root, or toolbox.NoMapping if any entry along the path is
// absent. It never allocates and never modifies the table.
func (w *Walker) Query(root toolbox.PhysPage, vpn toolbox.VirtPage) toolbox.PhysPage {
	idx := split(vpn)
	table := w.table(root)
	for level := 0; level < levels-1; level++ {
		pte := entry(table[idx[level]])
		if !pte.valid() {
			return toolbox.NoMapping
		}
		table = w.table(pte.page())
	}
	pte := entry(table[idx[levels-1]])
	if !pte.valid() {
		return toolbox.NoMapping
	}
	return pte.page()
}
