// Package frame implements the simulated physical memory: a bounded,
// grow-only pool of fixed-size zeroed frames addressed by opaque page
// numbers.
package frame

import (
	"errors"

	"github.com/hwsim/mmu/simulation"
	"github.com/hwsim/mmu/simulation/toolbox"
)

// MaxFrames is the capacity of a Store. 2^20 pages ought to be enough
// for anybody.
const MaxFrames = 1 << 20

// storeBias offsets every page number handed out by a Store so that no
// valid page number collides with zero-initialized memory read back as
// a page number, or with toolbox.NoMapping.
const storeBias toolbox.PhysPage = 0xbaaaaaad

// ErrExhausted is returned by AllocFrame once all MaxFrames frames
// have been handed out.
var ErrExhausted = errors.New("physical memory exhausted")

// wordsPerFrame is the length of a frame viewed as 64-bit words.
const wordsPerFrame = int(toolbox.PageBytes / 8)

// Store is a registry of allocated frames. Frames are handed out in
// order, never freed, and never reused; the registry only grows, up
// to MaxFrames.
//
// The zero Store is not valid; use NewStore.
type Store struct {
	frames [][]uint64
	limit  int
}

// NewStore creates an empty Store with the full MaxFrames capacity.
func NewStore() *Store {
	return &Store{limit: MaxFrames}
}

// RegisterStats implements the toolbox.Simulation interface.
func (s *Store) RegisterStats(_ *simulation.Stats) {}

// BytesPerFrame implements the toolbox.FrameAllocator interface.
func (s *Store) BytesPerFrame() toolbox.Bytes {
	return toolbox.PageBytes
}

// AllocFrame reserves the next frame in the registry, backed by fresh
// zero-initialized memory, and returns its page number. It returns
// ErrExhausted once the registry is full; indices never wrap around.
func (s *Store) AllocFrame(ctx toolbox.Context) (toolbox.PhysPage, error) {
	if len(s.frames) >= s.limit {
		return 0, ErrExhausted
	}
	ppn := toolbox.PhysPage(len(s.frames)) + storeBias
	s.frames = append(s.frames, make([]uint64, wordsPerFrame))
	ctx.Stats.Frames++
	ctx.Stats.FrameBytes += uint64(toolbox.PageBytes)
	return ppn, nil
}

// Resolve translates a physical address into a view of the owning
// frame's memory, starting at the word containing the address and
// extending to the end of the frame. The view stays valid for the
// lifetime of the Store.
//
// Reports false if the address does not fall within any allocated
// frame. Addresses below the bias underflow the index and fail the
// bounds check the same way.
func (s *Store) Resolve(pa toolbox.PhysAddr) ([]uint64, bool) {
	idx := pa.Page() - storeBias
	if idx >= toolbox.PhysPage(len(s.frames)) {
		return nil, false
	}
	return s.frames[idx][pa.Offset()/8:], true
}

// Allocated returns the number of frames handed out so far.
func (s *Store) Allocated() int {
	return len(s.frames)
}
