package pagetable

import (
	"errors"
	"testing"

	"github.com/hwsim/mmu/simulation"
	"github.com/hwsim/mmu/simulation/toolbox"
	"github.com/hwsim/mmu/simulation/toolbox/frame"
)

func newTestTable(t *testing.T) (*Walker, *frame.Store, toolbox.PhysPage, toolbox.Context) {
	t.Helper()
	stats := simulation.NewStats()
	ctx := toolbox.Context{Stats: stats}
	mem := frame.NewStore()
	w := NewWalker(mem)
	w.RegisterStats(stats)
	root, err := mem.AllocFrame(ctx)
	if err != nil {
		t.Fatalf("allocating root: %v", err)
	}
	return w, mem, root, ctx
}

func TestQueryEmptyTable(t *testing.T) {
	w, _, root, _ := newTestTable(t)

	vpns := []toolbox.VirtPage{0, 1, 0xcafecafeeee, 1<<50 - 1}
	for _, vpn := range vpns {
		if got := w.Query(root, vpn); got != toolbox.NoMapping {
			t.Fatalf("query(0x%x) on empty table = 0x%x, want no mapping", vpn, got)
		}
		// Query must not modify the table.
		if got := w.Query(root, vpn); got != toolbox.NoMapping {
			t.Fatalf("second query(0x%x) = 0x%x, want no mapping", vpn, got)
		}
	}
}

func TestUpdateThenQuery(t *testing.T) {
	w, _, root, ctx := newTestTable(t)

	if err := w.Update(ctx, root, 0xcafecafeeee, 0xf00d); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := w.Query(root, 0xcafecafeeee); got != 0xf00d {
		t.Fatalf("query = 0x%x, want 0xf00d", got)
	}
	// Near misses sharing a path prefix must stay unmapped.
	if got := w.Query(root, 0xfffecafeeee); got != toolbox.NoMapping {
		t.Fatalf("query of unmapped sibling = 0x%x, want no mapping", got)
	}
	if got := w.Query(root, 0xcafecafeeff); got != toolbox.NoMapping {
		t.Fatalf("query of unmapped leaf sibling = 0x%x, want no mapping", got)
	}
}

func TestRemove(t *testing.T) {
	w, _, root, ctx := newTestTable(t)

	if err := w.Update(ctx, root, 0xcafecafeeee, 0xf00d); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := w.Update(ctx, root, 0xcafecafeeee, toolbox.NoMapping); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := w.Query(root, 0xcafecafeeee); got != toolbox.NoMapping {
		t.Fatalf("query after remove = 0x%x, want no mapping", got)
	}
	// Removing again is a defined no-op.
	if err := w.Update(ctx, root, 0xcafecafeeee, toolbox.NoMapping); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestRemap(t *testing.T) {
	w, _, root, ctx := newTestTable(t)

	if err := w.Update(ctx, root, 0xf0f0f0, 0xaaaa); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := w.Update(ctx, root, 0xf0f0f0, 0xbbbb); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if got := w.Query(root, 0xf0f0f0); got != 0xbbbb {
		t.Fatalf("query after remap = 0x%x, want 0xbbbb", got)
	}
}

func TestRemoveNeverInsertedAllocatesNothing(t *testing.T) {
	w, mem, root, ctx := newTestTable(t)

	before := mem.Allocated()
	if err := w.Update(ctx, root, 0xcafecafeeee, toolbox.NoMapping); err != nil {
		t.Fatalf("remove on empty table: %v", err)
	}
	if got := mem.Allocated(); got != before {
		t.Fatalf("remove on empty table allocated %d frames", got-before)
	}
	if got := ctx.Stats.GetOther("PageTableFrames"); got != 0 {
		t.Fatalf("PageTableFrames = %d, want 0", got)
	}
}

func TestBoundaryVirtPages(t *testing.T) {
	w, _, root, ctx := newTestTable(t)

	low := toolbox.VirtPage(0)
	high := toolbox.VirtPage(1<<50 - 1)
	if err := w.Update(ctx, root, low, 0xabc); err != nil {
		t.Fatalf("update(0): %v", err)
	}
	if err := w.Update(ctx, root, high, 0x789); err != nil {
		t.Fatalf("update(max): %v", err)
	}
	if got := w.Query(root, low); got != 0xabc {
		t.Fatalf("query(0) = 0x%x, want 0xabc", got)
	}
	if got := w.Query(root, high); got != 0x789 {
		t.Fatalf("query(max) = 0x%x, want 0x789", got)
	}
	if err := w.Update(ctx, root, high, toolbox.NoMapping); err != nil {
		t.Fatalf("remove(max): %v", err)
	}
	if got := w.Query(root, high); got != toolbox.NoMapping {
		t.Fatalf("query(max) after remove = 0x%x, want no mapping", got)
	}
	if got := w.Query(root, low); got != 0xabc {
		t.Fatalf("query(0) after removing max = 0x%x, want 0xabc", got)
	}
}

func TestSharedPrefixes(t *testing.T) {
	w, _, root, ctx := newTestTable(t)

	base := toolbox.VirtPage(0x123456789ab)
	for i := toolbox.VirtPage(0); i < 10; i++ {
		if err := w.Update(ctx, root, base+i, toolbox.PhysPage(0x1000+i)); err != nil {
			t.Fatalf("update(0x%x): %v", base+i, err)
		}
	}
	for i := toolbox.VirtPage(0); i < 10; i++ {
		if got := w.Query(root, base+i); got != toolbox.PhysPage(0x1000+i) {
			t.Fatalf("query(0x%x) = 0x%x, want 0x%x", base+i, got, 0x1000+uint64(i))
		}
	}
}

func TestSiblingLeaves(t *testing.T) {
	w, mem, root, ctx := newTestTable(t)

	// 1024 pages differing only in the last-level index share all
	// four interior tables.
	base := toolbox.VirtPage(0x555550000)
	for i := toolbox.VirtPage(0); i < tableEntries; i++ {
		if err := w.Update(ctx, root, base+i, toolbox.PhysPage(0x2000+i)); err != nil {
			t.Fatalf("update(0x%x): %v", base+i, err)
		}
	}
	for i := toolbox.VirtPage(0); i < tableEntries; i++ {
		if got := w.Query(root, base+i); got != toolbox.PhysPage(0x2000+i) {
			t.Fatalf("query(0x%x) = 0x%x, want 0x%x", base+i, got, 0x2000+uint64(i))
		}
	}
	if got, want := mem.Allocated(), 1+levels-1; got != want {
		t.Fatalf("allocated %d frames, want %d (root plus one table per lower level)", got, want)
	}
	if got := ctx.Stats.GetOther("PageTableFrames"); got != levels-1 {
		t.Fatalf("PageTableFrames = %d, want %d", got, levels-1)
	}
}

func TestFrameCountOnlyGrows(t *testing.T) {
	w, mem, root, ctx := newTestTable(t)

	vpn := toolbox.VirtPage(0x1ff<<40 | 0x1ff<<30 | 0x1ff<<20 | 0x1ff<<10 | 0x1ff)
	if err := w.Update(ctx, root, vpn, 0x7fff); err != nil {
		t.Fatalf("update: %v", err)
	}
	grown := mem.Allocated()
	if err := w.Update(ctx, root, vpn, toolbox.NoMapping); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Interior tables are never reclaimed, even once all their
	// leaves are gone.
	if got := mem.Allocated(); got != grown {
		t.Fatalf("allocated frames went from %d to %d after remove", grown, got)
	}
	// Reinserting along the now-empty path reuses the tables.
	if err := w.Update(ctx, root, vpn, 0x7fff); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if got := mem.Allocated(); got != grown {
		t.Fatalf("reinsert allocated %d extra frames", mem.Allocated()-grown)
	}
	if got := w.Query(root, vpn); got != 0x7fff {
		t.Fatalf("query after reinsert = 0x%x, want 0x7fff", got)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		vpn  toolbox.VirtPage
		want [levels]int
	}{
		{0, [levels]int{0, 0, 0, 0, 0}},
		{1, [levels]int{0, 0, 0, 0, 1}},
		{1 << 10, [levels]int{0, 0, 0, 1, 0}},
		{1<<50 - 1, [levels]int{levelMask, levelMask, levelMask, levelMask, levelMask}},
		{0x1ff<<40 | 0x2aa<<20 | 0x3ff, [levels]int{0x1ff, 0, 0x2aa, 0, 0x3ff}},
	}
	for _, test := range tests {
		if got := split(test.vpn); got != test.want {
			t.Errorf("split(0x%x) = %v, want %v", test.vpn, got, test.want)
		}
	}
}

// oddFrameAlloc hands out frames too small to hold a full table.
type oddFrameAlloc struct {
	*frame.Store
}

func (oddFrameAlloc) BytesPerFrame() toolbox.Bytes {
	return toolbox.PageBytes / 2
}

func TestNewWalkerChecksFrameSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("NewWalker accepted an allocator whose frames cannot hold a table")
		}
	}()
	NewWalker(oddFrameAlloc{frame.NewStore()})
}

// failingAlloc hands out a fixed number of frames and then reports
// exhaustion, standing in for a full frame store.
type failingAlloc struct {
	*frame.Store
	budget int
}

func (f *failingAlloc) AllocFrame(ctx toolbox.Context) (toolbox.PhysPage, error) {
	if f.budget == 0 {
		return 0, frame.ErrExhausted
	}
	f.budget--
	return f.Store.AllocFrame(ctx)
}

func TestUpdatePropagatesExhaustion(t *testing.T) {
	stats := simulation.NewStats()
	ctx := toolbox.Context{Stats: stats}
	mem := &failingAlloc{Store: frame.NewStore(), budget: 3}
	w := NewWalker(mem)
	w.RegisterStats(stats)

	root, err := mem.AllocFrame(ctx)
	if err != nil {
		t.Fatalf("allocating root: %v", err)
	}
	// The walk needs four interior tables but only two more frames
	// remain.
	err = w.Update(ctx, root, 0xcafecafeeee, 0xf00d)
	if !errors.Is(err, frame.ErrExhausted) {
		t.Fatalf("update on full store = %v, want %v", err, frame.ErrExhausted)
	}
	// The partial path stays, but holds no translation.
	if got := w.Query(root, 0xcafecafeeee); got != toolbox.NoMapping {
		t.Fatalf("query after failed update = 0x%x, want no mapping", got)
	}
	// With frames available again the same update goes through.
	mem.budget = 2
	if err := w.Update(ctx, root, 0xcafecafeeee, 0xf00d); err != nil {
		t.Fatalf("retried update: %v", err)
	}
	if got := w.Query(root, 0xcafecafeeee); got != 0xf00d {
		t.Fatalf("query after retried update = 0x%x, want 0xf00d", got)
	}
}
