// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hello implements hellodemo, a purely synchronous peripheral
// module exercising the piod resource protocol without any hardware
// behind it.
package hello // import "github.com/fpio/piod/modules/hello"

import (
	"fmt"
	"strconv"

	"github.com/fpio/piod/periph"
	"github.com/fpio/piod/reactor"
)

// Name is the module's registered load name.
const Name = "hellodemo"

func init() {
	periph.Register(Name, func() periph.Module { return &Module{} })
}

// Module is the hellodemo peripheral.
type Module struct {
	slot *periph.Slot

	period   int64 // tick period, ms
	greeting string
	start    int64

	tick struct {
		res int
		id  reactor.TimerID
		n   int
	}
}

func (m *Module) Init(slot *periph.Slot) error {
	m.slot = slot
	m.period = 1000
	m.greeting = "hello, world"
	if h := slot.Host(); h != nil {
		m.start = h.Reactor().Now()
	}

	slot.Name = Name
	slot.Desc = "demo peripheral exercising the resource protocol"
	slot.Help = `hellodemo - demo peripheral

resources:
  period    tick period in milliseconds (get, set)
  greeting  a settable string (get, set)
  uptime    milliseconds since the module was loaded (get)
  tick      periodic counter broadcast (get, cat)`

	for _, res := range []struct {
		name  string
		flags periph.Flags
		h     periph.Handler
	}{
		{"period", periph.Readable | periph.Writable, m.onPeriod},
		{"greeting", periph.Readable | periph.Writable, m.onGreeting},
		{"uptime", periph.Readable, m.onUptime},
		{"tick", periph.Readable | periph.Broadcastable, m.onTick},
	} {
		i, err := slot.AddResource(res.name, res.flags, res.h)
		if err != nil {
			return err
		}
		if res.name == "tick" {
			m.tick.res = i
		}
	}
	return nil
}

func (m *Module) onPeriod(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	switch verb {
	case periph.Write:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("malformed value %q", value)
		}
		m.period = v
		return 0, nil
	default:
		return copy(out, strconv.FormatInt(m.period, 10)), nil
	}
}

func (m *Module) onGreeting(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Write {
		m.greeting = value
		return 0, nil
	}
	return copy(out, m.greeting), nil
}

func (m *Module) onUptime(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	now := m.slot.Host().Reactor().Now()
	return copy(out, strconv.FormatInt(now-m.start, 10)), nil
}

// onTick reports the current counter on get; on cat it starts the
// periodic broadcast if it is not running yet.
func (m *Module) onTick(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb != periph.Watch {
		return copy(out, strconv.Itoa(m.tick.n)), nil
	}
	if !m.tick.id.IsZero() {
		return 0, nil // already ticking for an earlier subscriber
	}
	id, err := m.slot.Host().Reactor().Arm(reactor.Periodic, m.period, m.fire)
	if err != nil {
		return 0, err
	}
	m.tick.id = id
	return 0, nil
}

func (m *Module) fire(now int64) {
	host := m.slot.Host()
	key := m.slot.Resource(m.tick.res).Key()
	if key.IsZero() {
		host.Reactor().Cancel(m.tick.id)
		m.tick.id = reactor.TimerID{}
		return
	}
	m.tick.n++
	data := []byte(fmt.Sprintf("tick %d\n", m.tick.n))
	if !host.Broadcast(data, key) {
		// nobody listened: the key has been cleared, stop ticking.
		host.Reactor().Cancel(m.tick.id)
		m.tick.id = reactor.TimerID{}
	}
}
