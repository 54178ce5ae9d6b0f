package frame

import (
	"errors"
	"testing"

	"github.com/hwsim/mmu/simulation"
	"github.com/hwsim/mmu/simulation/toolbox"
)

func testContext() toolbox.Context {
	return toolbox.Context{Stats: simulation.NewStats()}
}

func TestAllocFrameNumbers(t *testing.T) {
	s := NewStore()
	ctx := testContext()

	if got := s.BytesPerFrame(); got != toolbox.PageBytes {
		t.Fatalf("frames are %d bytes, want %d", got, toolbox.PageBytes)
	}

	for i := 0; i < 4; i++ {
		ppn, err := s.AllocFrame(ctx)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if want := storeBias + toolbox.PhysPage(i); ppn != want {
			t.Fatalf("alloc %d returned 0x%x, want 0x%x", i, ppn, want)
		}
		if ppn == toolbox.NoMapping {
			t.Fatalf("alloc %d returned the no-mapping sentinel", i)
		}
	}
	if got := ctx.Stats.Frames; got != 4 {
		t.Fatalf("stats recorded %d frames, want 4", got)
	}
	if got, want := ctx.Stats.FrameBytes, 4*uint64(toolbox.PageBytes); got != want {
		t.Fatalf("stats recorded %d frame bytes, want %d", got, want)
	}
}

func TestFrameZeroed(t *testing.T) {
	s := NewStore()
	ppn, err := s.AllocFrame(testContext())
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	mem, ok := s.Resolve(ppn.Base())
	if !ok {
		t.Fatalf("failed to resolve freshly allocated frame")
	}
	if len(mem) != wordsPerFrame {
		t.Fatalf("frame view holds %d words, want %d", len(mem), wordsPerFrame)
	}
	for i, w := range mem {
		if w != 0 {
			t.Fatalf("fresh frame has non-zero word 0x%x at %d", w, i)
		}
	}
}

func TestResolveOffset(t *testing.T) {
	s := NewStore()
	ppn, err := s.AllocFrame(testContext())
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	mem, ok := s.Resolve(ppn.Base())
	if !ok {
		t.Fatalf("failed to resolve frame base")
	}
	mem[10] = 0xdeadbeef

	// A view taken at a byte offset starts at the addressed word
	// and aliases the same memory.
	view, ok := s.Resolve(ppn.Base().Add(10 * 8))
	if !ok {
		t.Fatalf("failed to resolve offset address")
	}
	if view[0] != 0xdeadbeef {
		t.Fatalf("offset view reads 0x%x, want 0xdeadbeef", view[0])
	}
	if got, want := len(view), wordsPerFrame-10; got != want {
		t.Fatalf("offset view holds %d words, want %d", got, want)
	}
	view[0] = 0x1337
	if mem[10] != 0x1337 {
		t.Fatalf("offset view does not alias the frame")
	}
}

func TestResolveOutOfRange(t *testing.T) {
	s := NewStore()
	ppn, err := s.AllocFrame(testContext())
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	bad := []toolbox.PhysAddr{
		0,
		(storeBias - 1).Base(),
		(ppn + 1).Base(),
		toolbox.NoMapping.Base(),
	}
	for _, pa := range bad {
		if _, ok := s.Resolve(pa); ok {
			t.Fatalf("resolved address 0x%x outside any allocated frame", pa)
		}
	}
}

func TestExhaustion(t *testing.T) {
	s := &Store{limit: 2}
	ctx := testContext()

	first, err := s.AllocFrame(ctx)
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	if _, err := s.AllocFrame(ctx); err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if _, err := s.AllocFrame(ctx); !errors.Is(err, ErrExhausted) {
		t.Fatalf("alloc past the limit = %v, want %v", err, ErrExhausted)
	}
	// Exhaustion is sticky: indices never wrap around or get
	// reused, and prior frames stay resolvable.
	if _, err := s.AllocFrame(ctx); !errors.Is(err, ErrExhausted) {
		t.Fatalf("second alloc past the limit = %v, want %v", err, ErrExhausted)
	}
	if got := ctx.Stats.Frames; got != 2 {
		t.Fatalf("stats recorded %d frames, want 2", got)
	}
	if _, ok := s.Resolve(first.Base()); !ok {
		t.Fatalf("failed to resolve frame after exhaustion")
	}
}
