// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package periph

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// ErrNoFreeSlot is returned by Load when the slot table is full.
var ErrNoFreeSlot = errors.New("periph: no free slot")

// builders maps module names to their factories. Module packages
// register themselves from an init function, the way database/sql
// drivers do; loading a module at runtime resolves the same table, so
// "loadso foo.so" binds the compiled-in "foo" module.
var builders struct {
	sync.Mutex
	tbl map[string]func() Module
}

// Register makes a module constructor available under name.
// It panics if name is already taken.
func Register(name string, fn func() Module) {
	builders.Lock()
	defer builders.Unlock()
	if fn == nil {
		panic("periph: nil module builder")
	}
	if builders.tbl == nil {
		builders.tbl = make(map[string]func() Module)
	}
	if _, dup := builders.tbl[name]; dup {
		panic(fmt.Sprintf("periph: duplicate module %q", name))
	}
	builders.tbl[name] = fn
}

func lookup(name string) func() Module {
	builders.Lock()
	defer builders.Unlock()
	return builders.tbl[name]
}

// Modules returns the sorted names of all registered module builders.
func Modules() []string {
	builders.Lock()
	defer builders.Unlock()
	names := make([]string, 0, len(builders.tbl))
	for name := range builders.tbl {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the fixed table of peripheral module slots.
type Registry struct {
	msg   *log.Logger
	slots [MaxSlots]Slot
}

// NewRegistry creates an empty registry logging through msg.
func NewRegistry(msg *log.Logger) *Registry {
	if msg == nil {
		msg = log.New(log.Writer(), "periph: ", 0)
	}
	reg := &Registry{msg: msg}
	for i := range reg.slots {
		reg.slots[i].idx = i
	}
	return reg
}

// Load queues the named module into the first free slot and runs its
// initializer. A trailing ".so" on name is ignored when resolving the
// builder. Any failure invalidates the slot and leaves the daemon
// running with the remaining modules.
func (reg *Registry) Load(name string, h Host) (*Slot, error) {
	slot := reg.free()
	if slot == nil {
		reg.msg.Printf("no free slot for module %q", name)
		return nil, ErrNoFreeSlot
	}

	fn := lookup(strings.TrimSuffix(name, ".so"))
	if fn == nil {
		return nil, fmt.Errorf("periph: could not resolve entry point of module %q", name)
	}

	idx := slot.idx
	*slot = Slot{idx: idx, load: name, host: h, mod: fn()}

	err := slot.mod.Init(slot)
	if err != nil {
		*slot = Slot{idx: idx} // invalidate
		reg.msg.Printf("could not initialize module %q: %+v", name, err)
		return nil, fmt.Errorf("periph: could not initialize module %q: %w", name, err)
	}

	reg.msg.Printf("slot %d: loaded module %q (%s)", slot.idx, slot.Name, slot.Desc)
	return slot, nil
}

func (reg *Registry) free() *Slot {
	for i := range reg.slots {
		if !reg.slots[i].active() {
			return &reg.slots[i]
		}
	}
	return nil
}

// Slot returns the i-th slot if it is populated, else nil.
func (reg *Registry) Slot(i int) *Slot {
	if i < 0 || i >= MaxSlots || !reg.slots[i].active() {
		return nil
	}
	return &reg.slots[i]
}

// ByName returns the first populated slot whose name starts with prefix,
// or nil.
func (reg *Registry) ByName(prefix string) *Slot {
	for i := range reg.slots {
		s := &reg.slots[i]
		if s.active() && strings.HasPrefix(s.Name, prefix) {
			return s
		}
	}
	return nil
}

// Active returns the populated slots, in index order.
func (reg *Registry) Active() []*Slot {
	var out []*Slot
	for i := range reg.slots {
		if reg.slots[i].active() {
			out = append(out, &reg.slots[i])
		}
	}
	return out
}
