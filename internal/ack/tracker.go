// Package ack tracks outbound sequence numbers until the remote side
// acknowledges them, and reports the ones that stay unacknowledged for too
// long.
package ack

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is 3/2 of the canister's default ack period.
const DefaultTimeout = 450_000 * time.Millisecond

var (
	// ErrSequenceOrder is returned by Add for a sequence number that is not
	// greater than the last tracked one.
	ErrSequenceOrder = errors.New("sequence number is not greater than last tracked")

	// ErrAckAboveWatermark is returned by Ack for a sequence number that was
	// never tracked and is above the last tracked one.
	ErrAckAboveWatermark = errors.New("acknowledged sequence number is greater than last tracked")
)

// TimeoutFunc receives the sequence numbers that were not acknowledged in
// time. The tracker is already empty when it is called.
type TimeoutFunc func(unacked []uint64)

type entry struct {
	seq     uint64
	addedAt time.Time
}

// Tracker holds outstanding sequence numbers in increasing order and runs a
// single timer against the oldest one.
type Tracker struct {
	timeout   time.Duration
	onTimeout TimeoutFunc
	now       func() time.Time

	mu      sync.Mutex
	entries []entry
	timer   *time.Timer
	gen     uint64 // bumped on every timer (re)start so stale fires are ignored
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker. A zero timeout selects DefaultTimeout.
func New(timeout time.Duration, onTimeout TimeoutFunc, opts ...Option) *Tracker {
	if onTimeout == nil {
		panic("ack: timeout callback is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t := &Tracker{
		timeout:   timeout,
		onTimeout: onTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add starts tracking seq. The timer is started if none is running.
func (t *Tracker) Add(seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.entries); n > 0 && seq <= t.entries[n-1].seq {
		return fmt.Errorf("%w: %d <= %d", ErrSequenceOrder, seq, t.entries[n-1].seq)
	}

	t.entries = append(t.entries, entry{seq: seq, addedAt: t.now()})

	if t.timer == nil {
		t.startLocked(t.timeout)
	}
	return nil
}

// Ack removes seq and every earlier entry. An unknown seq below the last
// entry is a duplicate and is ignored.
//
// Afterwards, if the oldest remaining entry has already expired, the timeout
// callback fires synchronously for all remaining entries and the tracker is
// cleared. Otherwise the timer is re-armed against the oldest entry.
func (t *Tracker) Ack(seq uint64) error {
	t.mu.Lock()

	idx := -1
	for i, e := range t.entries {
		if e.seq == seq {
			idx = i
			break
		}
	}

	if idx >= 0 {
		t.entries = t.entries[idx+1:]
	} else if n := len(t.entries); n > 0 && seq > t.entries[n-1].seq {
		last := t.entries[n-1].seq
		t.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrAckAboveWatermark, seq, last)
	}

	if len(t.entries) == 0 {
		t.stopLocked()
		t.mu.Unlock()
		return nil
	}

	remaining := t.timeout - t.now().Sub(t.entries[0].addedAt)
	if remaining <= 0 {
		unacked := t.sequencesLocked()
		t.clearLocked()
		t.mu.Unlock()

		t.onTimeout(unacked)
		return nil
	}

	t.startLocked(remaining)
	t.mu.Unlock()
	return nil
}

// Last returns the highest tracked sequence number.
func (t *Tracker) Last() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return 0, false
	}
	return t.entries[len(t.entries)-1].seq, true
}

// Oldest returns the time the oldest unacknowledged entry was added.
func (t *Tracker) Oldest() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return time.Time{}, false
	}
	return t.entries[0].addedAt, true
}

// Pending returns the tracked sequence numbers in order.
func (t *Tracker) Pending() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequencesLocked()
}

// Clear drops all entries and cancels the timer.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.clearLocked()
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Timer
// ---------------------------------------------------------------------------

func (t *Tracker) startLocked(d time.Duration) {
	t.stopLocked()

	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.expire(gen) })
}

func (t *Tracker) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// expire runs on the timer goroutine. A fire from a timer that has since
// been stopped or replaced is ignored.
func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || len(t.entries) == 0 {
		t.mu.Unlock()
		return
	}

	unacked := t.sequencesLocked()
	t.clearLocked()
	t.mu.Unlock()

	t.onTimeout(unacked)
}

func (t *Tracker) clearLocked() {
	t.entries = nil
	t.stopLocked()
}

func (t *Tracker) sequencesLocked() []uint64 {
	seqs := make([]uint64, len(t.entries))
	for i, e := range t.entries {
		seqs[i] = e.seq
	}
	return seqs
}
