// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package periph defines the contract between the piod core and its
// peripheral modules: the slot/resource registry clients address, the
// module initialization entry point it invokes, and the host services a
// module uses to reach the reactor, reply to clients and fan out
// broadcasts.
package periph // import "github.com/fpio/piod/periph"

import (
	"errors"
	"strings"

	"github.com/fpio/piod/reactor"
)

const (
	// MaxSlots is the number of peripheral module slots.
	MaxSlots = 8
	// MaxResources is the number of resources a slot may expose.
	MaxResources = 16
)

// ErrPending is returned by a resource handler that will deliver its
// reply later, through Host.Reply or Host.Fail, once the hardware
// round-trip completes.
var ErrPending = errors.New("periph: reply pending")

// Verb is the access kind a resource handler is invoked with.
type Verb uint8

const (
	Read  Verb = iota + 1 // get
	Write             // set
	Watch             // cat
)

func (v Verb) String() string {
	switch v {
	case Read:
		return "get"
	case Write:
		return "set"
	case Watch:
		return "cat"
	}
	return "???"
}

// Flags is the capability bitmask of a resource.
type Flags uint8

const (
	Readable Flags = 1 << iota
	Writable
	Broadcastable
)

// Verbs returns the protocol verbs applying to a resource with these
// capabilities, in display order.
func (f Flags) Verbs() string {
	var vs []string
	if f&Readable != 0 {
		vs = append(vs, "get")
	}
	if f&Writable != 0 {
		vs = append(vs, "set")
	}
	if f&Broadcastable != 0 {
		vs = append(vs, "cat")
	}
	return strings.Join(vs, " ")
}

// Handler handles one access to a resource.
//
// The handler writes its reply into out, a caller-owned buffer, and
// returns the number of bytes produced. A handler that cannot answer
// synchronously returns ErrPending and later routes its reply to sid
// through the slot's Host.
type Handler func(verb Verb, res int, value string, sid SessionID, out []byte) (int, error)

// Module is a peripheral driver. Init must populate the slot's name,
// description, help text and resource table before returning success.
type Module interface {
	Init(slot *Slot) error
}

// Host gives modules access to core services. It is implemented by the
// piod server.
type Host interface {
	// Reactor returns the reactor driving the daemon, for descriptor
	// registration and ACK-timeout timers.
	Reactor() *reactor.Reactor

	// Reply completes a pending request: data (if any) is delivered to
	// the session as an ASCII line, the resource lock held by sid is
	// released and the completion marker is emitted.
	Reply(sid SessionID, data []byte)

	// Fail completes a pending request with a one-line error message.
	Fail(sid SessionID, msg string)

	// Broadcast delivers data verbatim to every session subscribed to
	// key, and reports whether at least one session was. When none is,
	// the resource's broadcast key is cleared.
	Broadcast(data []byte, key BcastKey) bool

	// Logf logs through the daemon logger.
	Logf(format string, args ...interface{})
}
