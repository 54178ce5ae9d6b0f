package toolbox

import (
	"github.com/hwsim/mmu/simulation"
)

// Bytes represents an amount of bytes.
type Bytes uint64

const (
	// PageBits is the width in bits of the in-page byte offset
	// of a physical address.
	PageBits = 13

	// PageBytes is the size of a physical frame.
	PageBytes Bytes = 1 << PageBits

	// VirtPageBits is the number of significant low bits in
	// a VirtPage.
	VirtPageBits = 50
)

// PhysPage is a physical page number: an opaque identifier for a frame
// handed out by a FrameAllocator. Only values previously returned by
// AllocFrame (and NoMapping) are meaningful.
type PhysPage uint64

// NoMapping is the reserved physical page number denoting the absence
// of a translation. It is never returned by a frame allocation.
const NoMapping PhysPage = ^PhysPage(0)

// Base returns the physical address of the first byte of the page.
func (p PhysPage) Base() PhysAddr {
	return PhysAddr(p) << PageBits
}

// PhysAddr is a full physical address: a page number plus an in-page
// byte offset.
type PhysAddr uint64

// Page returns the physical page number the address falls in.
func (a PhysAddr) Page() PhysPage {
	return PhysPage(a >> PageBits)
}

// Offset returns the byte offset of the address within its page.
func (a PhysAddr) Offset() Bytes {
	return Bytes(a) & (PageBytes - 1)
}

// Add adds a byte offset to an address.
func (a PhysAddr) Add(b Bytes) PhysAddr {
	return a + PhysAddr(b)
}

// VirtPage is a virtual page number: the page-granularity portion of a
// virtual address. Only the low VirtPageBits bits are significant;
// callers must not rely on bits above them.
type VirtPage uint64

// Context represents a context for the entirety of the simulation.
// It contains references to state that need to be accessible to
// all parts of the simulation.
type Context struct {
	*simulation.Stats
}

// Simulation is a marker interface for a simulated component, and also
// provides a common method for registering implementation-specific
// statistics.
type Simulation interface {
	// RegisterStats may register new implementation-specific stats
	// with the simulation.Stats.
	//
	// RegisterStats must be an idempotent operation, just like
	// (*simulation.Stats).RegisterOther().
	RegisterStats(*simulation.Stats)
}

// FrameAllocator represents an interface to a simulated physical
// memory: a bounded pool of fixed-size, zero-initialized frames.
//
// Frames are never freed or reused once allocated; no reclamation
// operation exists.
type FrameAllocator interface {
	Simulation

	// BytesPerFrame returns the size of every frame handed out
	// by this allocator. Must always be a power of two.
	BytesPerFrame() Bytes

	// AllocFrame reserves the next free frame, backed by fresh
	// zero-initialized memory, and returns its page number. It
	// also updates statistics in the context.
	//
	// Returns a typed error once the pool is exhausted; page
	// numbers are never recycled.
	AllocFrame(Context) (PhysPage, error)

	// Resolve translates a physical address into a mutable view
	// of the frame's memory starting at the addressed word, valid
	// for the lifetime of the allocator.
	//
	// Reports false if the address does not fall within any
	// allocated frame.
	Resolve(PhysAddr) ([]uint64, bool)
}

// Translator represents an interface to a simulated address
// translation structure rooted at a caller-held page number.
type Translator interface {
	Simulation

	// Update inserts or removes the translation for vpn in the
	// table rooted at root. Passing NoMapping as ppn removes any
	// existing translation; any other value installs it,
	// replacing a previous one. It also updates statistics in
	// the context.
	Update(ctx Context, root PhysPage, vpn VirtPage, ppn PhysPage) error

	// Query returns the physical page vpn translates to in the
	// table rooted at root, or NoMapping if no translation
	// exists. It has no observable side effects.
	Query(root PhysPage, vpn VirtPage) PhysPage
}
