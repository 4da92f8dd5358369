// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package periph

import "fmt"

// Resource is one named, addressable attribute of a slot.
type Resource struct {
	Name  string
	Flags Flags

	h      Handler
	key    BcastKey
	locked SessionID // session awaiting a response, or zero
}

// Call invokes the resource handler.
func (r *Resource) Call(verb Verb, res int, value string, sid SessionID, out []byte) (int, error) {
	return r.h(verb, res, value, sid, out)
}

// Lock records sid as the session awaiting this resource's response.
func (r *Resource) Lock(sid SessionID) { r.locked = sid }

// Unlock clears the outstanding-request lock.
func (r *Resource) Unlock() { r.locked = SessionID{} }

// LockedBy returns the session awaiting a response, or the zero ID.
func (r *Resource) LockedBy() SessionID { return r.locked }

// SetKey records the broadcast key subscribers of this resource use.
func (r *Resource) SetKey(k BcastKey) { r.key = k }

// ClearKey marks the resource as having no subscribers.
func (r *Resource) ClearKey() { r.key = BcastKey{} }

// Key returns the resource's broadcast key; a zero key means nobody is
// subscribed and the module may skip producing updates.
func (r *Resource) Key() BcastKey { return r.key }

// Slot holds one loaded peripheral module instance.
type Slot struct {
	Name string // module name, set by the module's Init
	Desc string // one-line description
	Help string // full help text, shown by "list <name>"

	// State holds module-private data; the core never inspects it.
	State interface{}

	idx  int
	load string // load-time name; empty means the slot is free/invalid
	host Host
	mod  Module

	res  [MaxResources]Resource
	nres int
}

// Index returns the slot's position in the registry; it is part of the
// client addressing scheme and never changes.
func (s *Slot) Index() int { return s.idx }

// Host returns the core services handle for this slot's module.
func (s *Slot) Host() Host { return s.host }

// Module returns the module instance bound to the slot.
func (s *Slot) Module() Module { return s.mod }

// AddResource appends a resource to the slot's table and returns its
// index. Resource indices are stable for the slot's lifetime.
func (s *Slot) AddResource(name string, flags Flags, h Handler) (int, error) {
	if s.nres >= MaxResources {
		return 0, fmt.Errorf("periph: slot %d: no free resource slot for %q", s.idx, name)
	}
	if h == nil {
		return 0, fmt.Errorf("periph: slot %d: nil handler for resource %q", s.idx, name)
	}
	if _, dup := s.ResourceByName(name); dup != nil {
		return 0, fmt.Errorf("periph: slot %d: duplicate resource %q", s.idx, name)
	}
	i := s.nres
	s.res[i] = Resource{Name: name, Flags: flags, h: h}
	s.nres++
	return i, nil
}

// NumResources returns the number of resources the slot exposes.
func (s *Slot) NumResources() int { return s.nres }

// Resource returns the i-th resource of the slot, or nil if i is out of
// range.
func (s *Slot) Resource(i int) *Resource {
	if i < 0 || i >= s.nres {
		return nil
	}
	return &s.res[i]
}

// ResourceByName returns the resource with that exact name, or nil.
func (s *Slot) ResourceByName(name string) (int, *Resource) {
	for i := 0; i < s.nres; i++ {
		if s.res[i].Name == name {
			return i, &s.res[i]
		}
	}
	return 0, nil
}

func (s *Slot) active() bool { return s.load != "" }
