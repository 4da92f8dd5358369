// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fpio/piod/periph"
)

// exec runs one complete command line for session i.
//
// Command grammar: <verb> <slot-id-or-name> <resource-name> [value...],
// except list (optional module name) and loadso (module file name).
func (srv *Server) exec(i int, line string) {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		srv.marker(i)
		return
	}

	switch verb := toks[0]; verb {
	case "get", "set", "cat":
		srv.cmdAccess(i, verb, toks[1:])
	case "list":
		srv.cmdList(i, toks[1:])
	case "loadso":
		srv.cmdLoad(i, toks[1:])
	default:
		srv.fail(i, fmt.Sprintf("unknown command %q", verb))
	}
}

// resolveSlot accepts a non-negative slot index or a module name,
// matched by exact prefix against slot names, first match wins.
func (srv *Server) resolveSlot(tok string) *periph.Slot {
	if idx, err := strconv.Atoi(tok); err == nil {
		if idx < 0 {
			return nil
		}
		return srv.reg.Slot(idx)
	}
	return srv.reg.ByName(tok)
}

func (srv *Server) cmdAccess(i int, verb string, args []string) {
	if len(args) < 2 {
		srv.fail(i, fmt.Sprintf("usage: %s <slot> <resource>", verb))
		return
	}

	slot := srv.resolveSlot(args[0])
	if slot == nil {
		srv.fail(i, fmt.Sprintf("no such slot %q", args[0]))
		return
	}

	ridx, res := slot.ResourceByName(args[1])
	if res == nil {
		srv.fail(i, fmt.Sprintf("no such resource %q on slot %d", args[1], slot.Index()))
		return
	}

	s := &srv.sess[i]
	sid := periph.NewSessionID(i, s.gen)
	var out [lineBufSize]byte

	switch verb {
	case "get":
		if res.Flags&periph.Readable == 0 {
			srv.fail(i, fmt.Sprintf("resource %q is not readable", res.Name))
			return
		}
		// a hardware read may take arbitrarily long and its reply is
		// routed to exactly one asker: one outstanding request per
		// resource, and one per session.
		if s.lock != nil {
			srv.fail(i, fmt.Sprintf("a reply for %q is still pending", s.lock.Name))
			return
		}
		if !res.LockedBy().IsZero() {
			srv.fail(i, fmt.Sprintf("resource %q is busy", res.Name))
			return
		}
		res.Lock(sid)

		n, err := res.Call(periph.Read, ridx, "", sid, out[:])
		switch {
		case err == nil:
			res.Unlock()
			if srv.writeLine(i, out[:n]) {
				srv.marker(i)
			}
		case errors.Is(err, periph.ErrPending):
			// reply arrives through Host.Reply once the hardware
			// answers; the lock stays held until then.
			s.lock = res
		default:
			res.Unlock()
			srv.fail(i, err.Error())
		}

	case "set":
		if res.Flags&periph.Writable == 0 {
			srv.fail(i, fmt.Sprintf("resource %q is not writable", res.Name))
			return
		}
		if len(args) < 3 {
			srv.fail(i, "missing value")
			return
		}
		value := strings.Join(args[2:], " ")

		n, err := res.Call(periph.Write, ridx, value, sid, out[:])
		switch {
		case err == nil:
			if n > 0 && !srv.writeLine(i, out[:n]) {
				return
			}
			srv.marker(i)
		case errors.Is(err, periph.ErrPending):
			// marker deferred until the module acknowledges.
		default:
			srv.fail(i, err.Error())
		}

	case "cat":
		if res.Flags&periph.Broadcastable == 0 {
			srv.fail(i, fmt.Sprintf("resource %q is not broadcastable", res.Name))
			return
		}
		key := periph.NewBcastKey(slot.Index(), ridx)
		s.key = key
		res.SetKey(key)

		// let the module react to "someone is now watching".
		n, err := res.Call(periph.Watch, ridx, "", sid, out[:])
		switch {
		case errors.Is(err, periph.ErrPending):
			// marker deferred until the module confirms the
			// subscription through Host.Reply.
			return
		case err != nil:
			s.key = periph.BcastKey{}
			srv.fail(i, err.Error())
			return
		}
		if n > 0 && !srv.writeLine(i, out[:n]) {
			return
		}
		srv.marker(i)
	}
}

func (srv *Server) cmdList(i int, args []string) {
	switch len(args) {
	case 0:
		for _, slot := range srv.reg.Active() {
			if !srv.writeLine(i, []byte(fmt.Sprintf("%d %s %s", slot.Index(), slot.Name, slot.Desc))) {
				return
			}
			for r := 0; r < slot.NumResources(); r++ {
				res := slot.Resource(r)
				if !srv.writeLine(i, []byte(fmt.Sprintf("  %s %s", res.Name, res.Flags.Verbs()))) {
					return
				}
			}
		}
		srv.marker(i)

	case 1:
		slot := srv.reg.ByName(args[0])
		if slot == nil || slot.Help == "" {
			srv.fail(i, fmt.Sprintf("no such module %q", args[0]))
			return
		}
		if !srv.writeLine(i, []byte(strings.TrimRight(slot.Help, "\n"))) {
			return
		}
		srv.marker(i)

	default:
		srv.fail(i, "usage: list [module]")
	}
}

func (srv *Server) cmdLoad(i int, args []string) {
	if len(args) != 1 {
		srv.fail(i, "usage: loadso <file>")
		return
	}

	slot, err := srv.reg.Load(args[0], srv)
	if err != nil {
		srv.fail(i, fmt.Sprintf("could not load module %q: %v", args[0], err))
		return
	}

	if !srv.writeLine(i, []byte(fmt.Sprintf("%d %s", slot.Index(), slot.Name))) {
		return
	}
	srv.marker(i)
}
