// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package periph

import "fmt"

// BcastKey identifies the (slot, resource) pair a broadcast targets.
// The zero value means "no subscribers". BcastKeys are comparable
// with ==.
type BcastKey struct {
	slot uint8 // stored off by one so the zero value stays invalid
	res  uint8
}

// NewBcastKey builds the key for resource res of slot slot.
func NewBcastKey(slot, res int) BcastKey {
	return BcastKey{slot: uint8(slot) + 1, res: uint8(res)}
}

// IsZero reports whether k designates no resource.
func (k BcastKey) IsZero() bool { return k == BcastKey{} }

// Split returns the (slot, resource) pair k encodes.
func (k BcastKey) Split() (slot, res int) {
	return int(k.slot) - 1, int(k.res)
}

func (k BcastKey) String() string {
	if k.IsZero() {
		return "bcast{}"
	}
	slot, res := k.Split()
	return fmt.Sprintf("bcast{slot=%d, res=%d}", slot, res)
}

// SessionID is a stable handle on a connected client session. The zero
// value means "no session"; handles are generation-counted so a recycled
// session slot invalidates stale IDs.
type SessionID struct {
	idx uint16
	gen uint32
}

// NewSessionID builds the handle for session slot idx, generation gen.
// gen must be non-zero.
func NewSessionID(idx int, gen uint32) SessionID {
	return SessionID{idx: uint16(idx), gen: gen}
}

// Index returns the session-table index this handle refers to.
func (id SessionID) Index() int { return int(id.idx) }

// IsZero reports whether id refers to no session.
func (id SessionID) IsZero() bool { return id == SessionID{} }

func (id SessionID) String() string {
	if id.IsZero() {
		return "session{}"
	}
	return fmt.Sprintf("session{%d.%d}", id.idx, id.gen)
}
