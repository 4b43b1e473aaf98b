package domain

import (
	"math"
	"sync/atomic"
	"time"
)

// Delta is the gap left between a neighbor and a card placed next to it.
const Delta = 1000.0

// fallbackStep separates consecutive fallback positions issued within the same millisecond.
const fallbackStep = 0.001

// Allocator computes ordinal positions for moving cards. It is safe for
// concurrent use; the only state is the last fallback value issued.
type Allocator struct {
	now  func() time.Time
	last atomic.Uint64
}

// NewAllocator returns an allocator reading wall-clock time from now.
// A nil now uses time.Now.
func NewAllocator(now func() time.Time) *Allocator {
	if now == nil {
		now = time.Now
	}
	return &Allocator{now: now}
}

// Allocate returns the position for a card landing in a stage whose current
// cards are stageCards. Neighbor ids that are not present in stageCards are
// treated as absent; when no neighbor resolves the card is appended using a
// time-derived value.
func (a *Allocator) Allocate(stageCards []Card, dir PositionDirective) float64 {
	if dir.Absolute != nil {
		return *dir.Absolute
	}
	after, hasAfter := lookupPosition(stageCards, dir.AfterID)
	before, hasBefore := lookupPosition(stageCards, dir.BeforeID)
	switch {
	case hasAfter && hasBefore:
		return (after + before) / 2.0
	case hasAfter:
		return after + Delta
	case hasBefore:
		return before - Delta
	}
	return a.Fallback()
}

// Fallback returns the current time in fractional milliseconds, bumped so it
// is strictly greater than any value this allocator returned before.
func (a *Allocator) Fallback() float64 {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	for {
		next := float64(now().UnixMicro()) / 1000.0
		lastBits := a.last.Load()
		last := math.Float64frombits(lastBits)
		if next <= last {
			next = last + fallbackStep
		}
		if a.last.CompareAndSwap(lastBits, math.Float64bits(next)) {
			return next
		}
	}
}

func lookupPosition(cards []Card, id string) (float64, bool) {
	if id == "" {
		return 0, false
	}
	for i := range cards {
		if cards[i].ID == id {
			return cards[i].Position, true
		}
	}
	return 0, false
}

// ValidDirective reports whether a directive can be honoured. Only an
// absolute position can be malformed; neighbor ids never are.
func ValidDirective(dir PositionDirective) bool {
	if dir.Absolute == nil {
		return true
	}
	return !math.IsNaN(*dir.Absolute) && !math.IsInf(*dir.Absolute, 0)
}
