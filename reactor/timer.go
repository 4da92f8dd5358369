// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reactor

import "errors"

const (
	// MaxTimers is the size of the timer table.
	MaxTimers = 64

	// NoDeadline is returned by Sweep when no timer is armed.
	NoDeadline = int64(-1)
)

var (
	// ErrNoFreeTimer is returned by Arm when the timer table is full.
	ErrNoFreeTimer = errors.New("reactor: no free timer slot")

	errNilTimerFunc = errors.New("reactor: nil timer callback")
	errZeroPeriod   = errors.New("reactor: periodic timer with zero period")
)

// Kind selects the rescheduling behaviour of a timer.
type Kind uint8

const (
	OneShot Kind = iota + 1
	Periodic
)

// TimerID is a stable handle on an armed timer. The zero value is not a
// valid handle; cancelling it is a no-op.
type TimerID struct {
	idx int32
	gen uint32
}

// IsZero reports whether id refers to no timer.
func (id TimerID) IsZero() bool { return id == TimerID{} }

type timer struct {
	gen      uint32
	kind     Kind
	deadline int64
	period   int64
	fn       func(now int64)
	armed    bool
}

// Arm schedules fn to run delay milliseconds from now. Periodic timers
// re-arm themselves by adding delay to their deadline after each firing.
func (r *Reactor) Arm(kind Kind, delay int64, fn func(now int64)) (TimerID, error) {
	if fn == nil {
		return TimerID{}, errNilTimerFunc
	}
	if kind == Periodic && delay <= 0 {
		return TimerID{}, errZeroPeriod
	}
	for i := range r.timers {
		t := &r.timers[i]
		if t.armed {
			continue
		}
		t.gen++
		t.kind = kind
		t.deadline = r.Now() + delay
		t.period = delay
		t.fn = fn
		t.armed = true
		return TimerID{idx: int32(i) + 1, gen: t.gen}, nil
	}
	return TimerID{}, ErrNoFreeTimer
}

// Cancel disarms the timer id refers to. Cancelling a zero, stale or
// already-fired handle is a no-op.
func (r *Reactor) Cancel(id TimerID) {
	i := int(id.idx) - 1
	if i < 0 || i >= MaxTimers {
		return
	}
	t := &r.timers[i]
	if !t.armed || t.gen != id.gen {
		return
	}
	t.armed = false
	t.fn = nil
}

// Sweep fires every timer whose deadline is at or before now and returns
// the number of milliseconds until the nearest still-armed deadline, or
// NoDeadline if none remain.
//
// Timers armed by a callback during the sweep fire on a later sweep,
// never on this one.
func (r *Reactor) Sweep(now int64) int64 {
	type due struct {
		idx int
		gen uint32
	}
	var (
		queue [MaxTimers]due
		n     int
	)
	for i := range r.timers {
		t := &r.timers[i]
		if t.armed && t.deadline <= now {
			queue[n] = due{idx: i, gen: t.gen}
			n++
		}
	}

	for _, d := range queue[:n] {
		t := &r.timers[d.idx]
		if !t.armed || t.gen != d.gen {
			continue // cancelled by an earlier callback of this sweep
		}
		fn := t.fn
		switch t.kind {
		case Periodic:
			t.deadline += t.period
			if t.deadline <= now {
				r.msg.Printf("timer %d missed its deadline (period=%dms)", d.idx, t.period)
				t.deadline = now
			}
		default:
			t.armed = false
			t.fn = nil
		}
		fn(now)
	}

	return r.next(now)
}

// next returns the time remaining until the nearest armed deadline,
// without firing anything.
func (r *Reactor) next(now int64) int64 {
	next := NoDeadline
	for i := range r.timers {
		t := &r.timers[i]
		if !t.armed {
			continue
		}
		left := t.deadline - now
		if left < 0 {
			left = 0
		}
		if next == NoDeadline || left < next {
			next = left
		}
	}
	return next
}
