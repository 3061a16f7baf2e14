package embed

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// Default memory limits for the embedding path.
const (
	DefaultAllocCeiling = 1 << 20   // 1 MiB per allocation
	DefaultMemoryBudget = 100 << 20 // 100 MiB outstanding
)

// MemoryGovernor accounts every buffer on the embedding path. A single
// request above the ceiling is rejected, as is any request that would push
// outstanding bytes past the budget. Callers reserve before allocating and
// release when the buffer is dropped.
//
// The governor records the peak outstanding total and the largest granted
// request so tests can assert the limits held.
type MemoryGovernor struct {
	ceiling int64
	budget  int64
	sem     *semaphore.Weighted

	outstanding atomic.Int64
	peak        atomic.Int64
	largest     atomic.Int64
	granted     atomic.Int64
	rejected    atomic.Int64
}

// GovernorStats is a point-in-time view of a MemoryGovernor.
type GovernorStats struct {
	Ceiling     int64
	Budget      int64
	Outstanding int64
	Peak        int64
	Largest     int64
	Granted     int64
	Rejected    int64
}

// NewMemoryGovernor returns a governor. Non-positive limits take the
// defaults. The budget is never smaller than the ceiling.
func NewMemoryGovernor(ceiling, budget int64) *MemoryGovernor {
	if ceiling <= 0 {
		ceiling = DefaultAllocCeiling
	}
	if budget <= 0 {
		budget = DefaultMemoryBudget
	}
	if budget < ceiling {
		budget = ceiling
	}
	return &MemoryGovernor{
		ceiling: ceiling,
		budget:  budget,
		sem:     semaphore.NewWeighted(budget),
	}
}

// Ceiling returns the per-allocation limit in bytes.
func (g *MemoryGovernor) Ceiling() int64 { return g.ceiling }

// Budget returns the outstanding-bytes limit.
func (g *MemoryGovernor) Budget() int64 { return g.budget }

// CheckCeiling reports whether a single n-byte allocation is allowed
// without reserving it.
func (g *MemoryGovernor) CheckCeiling(n int64) error {
	if n > g.ceiling {
		g.rejected.Add(1)
		return cserrors.New(cserrors.ErrCodeAllocationCeiling,
			fmt.Sprintf("allocation of %s exceeds ceiling of %s", humanize.IBytes(uint64(n)), humanize.IBytes(uint64(g.ceiling))), nil).
			WithDetail("requested", fmt.Sprint(n)).
			WithDetail("ceiling", fmt.Sprint(g.ceiling))
	}
	return nil
}

// Reserve accounts n bytes. It never blocks: a request that does not fit is
// an error, not a wait.
func (g *MemoryGovernor) Reserve(n int64) error {
	if n < 0 {
		return cserrors.Newf(cserrors.ErrCodeInvalidInput, "negative reservation %d", n)
	}
	if err := g.CheckCeiling(n); err != nil {
		return err
	}
	if !g.sem.TryAcquire(n) {
		g.rejected.Add(1)
		// Budget exhaustion is retryable once other callers release, and
		// still matches ErrAllocationCeiling.
		return cserrors.New(cserrors.ErrCodeMemoryBudget,
			fmt.Sprintf("reserving %s would exceed budget of %s (outstanding %s)",
				humanize.IBytes(uint64(n)), humanize.IBytes(uint64(g.budget)), humanize.IBytes(uint64(g.outstanding.Load()))),
			cserrors.ErrAllocationCeiling)
	}

	cur := g.outstanding.Add(n)
	g.granted.Add(1)
	storeMax(&g.peak, cur)
	storeMax(&g.largest, n)
	return nil
}

// Release returns n previously reserved bytes.
func (g *MemoryGovernor) Release(n int64) {
	if n <= 0 {
		return
	}
	g.outstanding.Add(-n)
	g.sem.Release(n)
}

// Outstanding returns the bytes currently reserved.
func (g *MemoryGovernor) Outstanding() int64 {
	return g.outstanding.Load()
}

// Stats returns the current counters.
func (g *MemoryGovernor) Stats() GovernorStats {
	return GovernorStats{
		Ceiling:     g.ceiling,
		Budget:      g.budget,
		Outstanding: g.outstanding.Load(),
		Peak:        g.peak.Load(),
		Largest:     g.largest.Load(),
		Granted:     g.granted.Load(),
		Rejected:    g.rejected.Load(),
	}
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Arena hands out governed scratch buffers to one goroutine at a time.
// Buffers are reused across Reset calls and returned to the governor on
// Release. An Arena must not be shared between concurrent callers; the batch
// pool gives each worker its own.
type Arena struct {
	gov      *MemoryGovernor
	reserved int64

	floats [][]float32
	fUsed  []bool
	bytes  [][]byte
	bUsed  []bool
	ints   [][]int32
	iUsed  []bool
}

// NewArena returns an empty arena drawing on gov.
func NewArena(gov *MemoryGovernor) *Arena {
	return &Arena{gov: gov}
}

// Float32s returns a zeroed slice of length n.
func (a *Arena) Float32s(n int) ([]float32, error) {
	for i, buf := range a.floats {
		if !a.fUsed[i] && cap(buf) >= n {
			a.fUsed[i] = true
			buf = buf[:n]
			clear(buf)
			return buf, nil
		}
	}
	if err := a.reserve(int64(n) * 4); err != nil {
		return nil, err
	}
	buf := make([]float32, n)
	a.floats = append(a.floats, buf)
	a.fUsed = append(a.fUsed, true)
	return buf, nil
}

// Bytes returns a slice of length n. Contents are unspecified.
func (a *Arena) Bytes(n int) ([]byte, error) {
	for i, buf := range a.bytes {
		if !a.bUsed[i] && cap(buf) >= n {
			a.bUsed[i] = true
			return buf[:n], nil
		}
	}
	if err := a.reserve(int64(n)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	a.bytes = append(a.bytes, buf)
	a.bUsed = append(a.bUsed, true)
	return buf, nil
}

// Int32s returns a slice of length zero and capacity n.
func (a *Arena) Int32s(n int) ([]int32, error) {
	for i, buf := range a.ints {
		if !a.iUsed[i] && cap(buf) >= n {
			a.iUsed[i] = true
			return buf[:0], nil
		}
	}
	if err := a.reserve(int64(n) * 4); err != nil {
		return nil, err
	}
	buf := make([]int32, 0, n)
	a.ints = append(a.ints, buf)
	a.iUsed = append(a.iUsed, true)
	return buf, nil
}

func (a *Arena) reserve(n int64) error {
	if err := a.gov.Reserve(n); err != nil {
		return err
	}
	a.reserved += n
	return nil
}

// Reset marks every buffer free for reuse. Reservations are kept.
func (a *Arena) Reset() {
	clear(a.fUsed)
	clear(a.bUsed)
	clear(a.iUsed)
}

// Release drops every buffer and returns its reservation.
func (a *Arena) Release() {
	a.gov.Release(a.reserved)
	a.reserved = 0
	a.floats, a.fUsed = nil, nil
	a.bytes, a.bUsed = nil, nil
	a.ints, a.iUsed = nil, nil
}

// Reserved returns the bytes this arena holds.
func (a *Arena) Reserved() int64 {
	return a.reserved
}
