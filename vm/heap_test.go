package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// noRoots is a RootProvider that retains nothing, so every temporary
// allocation made against a heap using it is garbage the moment it's made.
type noRoots struct{}

func (noRoots) GCRoots() []Value { return nil }

// TestHeapCollectReclaimsUnreachableObjects is the baseline: with no roots
// keeping anything alive, a manual Collect sweeps everything away.
func TestHeapCollectReclaimsUnreachableObjects(t *testing.T) {
	h := NewHeap(nil)
	h.SetRoots(noRoots{})

	for i := 0; i < 100; i++ {
		h.NewString("garbage")
	}
	require.Equal(t, 100, h.Stats().ObjectCount)

	h.Collect()
	stats := h.Stats()
	require.Zero(t, stats.ObjectCount)
	require.Zero(t, stats.BytesAllocated)
	require.Equal(t, 1, stats.Collections)
}

// TestHeapAllocationLoopDoesNotGrowWithoutBound exercises spec.md §9's
// testable property directly: a long-running loop that allocates garbage
// every iteration must not let BytesAllocated climb linearly with the
// iteration count, because crossing the threshold triggers an automatic
// Collect (alloc in heap.go) that reclaims everything unreachable.
func TestHeapAllocationLoopDoesNotGrowWithoutBound(t *testing.T) {
	h := NewHeap(nil)
	h.SetRoots(noRoots{})
	h.SetThreshold(4096)

	const iterations = 20000
	var maxObserved int64
	for i := 0; i < iterations; i++ {
		h.NewString("garbage")
		if s := h.Stats().BytesAllocated; s > maxObserved {
			maxObserved = s
		}
	}

	require.Greater(t, h.Stats().Collections, 1, "threshold crossings should have triggered more than one automatic collection")

	// Unbounded growth would let BytesAllocated approach iterations times
	// the per-object cost; a heap that collects keeps it pinned near a
	// single threshold's worth regardless of how many iterations ran.
	const perObjectCost = int64(len("garbage") + 32)
	require.Less(t, maxObserved, iterations*perObjectCost/4)
}

// TestHeapRootsKeepReachableObjectsAlive ensures Collect only reclaims what
// GCRoots doesn't report live, so the automatic collection above isn't
// silently correct by accident (e.g. by never actually marking anything).
func TestHeapRootsKeepReachableObjectsAlive(t *testing.T) {
	h := NewHeap(nil)
	kept := h.NewString("kept")
	h.NewString("dropped")
	h.SetRoots(constRoots{FromObject(kept)})

	h.Collect()
	stats := h.Stats()
	require.Equal(t, 1, stats.ObjectCount)
}

type constRoots struct{ v Value }

func (r constRoots) GCRoots() []Value { return []Value{r.v} }
