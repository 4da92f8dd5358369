// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/fpio/piod/periph"
	"github.com/fpio/piod/reactor"
)

// session is one connected client. The buffer accumulates bytes until a
// complete command line is found.
type session struct {
	used bool
	fd   int
	gen  uint32 // bumped on (re)use, invalidates stale SessionIDs
	addr string

	n   int
	buf [lineBufSize]byte

	key  periph.BcastKey  // resource this session monitors, or zero
	lock *periph.Resource // resource locked by an in-flight request
}

func (srv *Server) onAccept(lfd int) {
	for {
		nfd, sa, err := unix.Accept(lfd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			srv.msg.Printf("could not accept connection: %+v", err)
			return
		}
		srv.addSession(nfd, sockaddrString(sa))
	}
}

// addSession binds an accepted descriptor to a free session slot and
// registers it for read readiness. The connection is rejected when the
// session table is full; descriptor-table exhaustion however is fatal,
// the reactor cannot operate once it can no longer register work.
func (srv *Server) addSession(fd int, addr string) int {
	_ = unix.SetNonblock(fd, true)

	idx := -1
	for i := range srv.sess {
		if !srv.sess[i].used {
			idx = i
			break
		}
	}
	if idx < 0 {
		srv.msg.Printf("too many connections, rejecting %s", addr)
		_ = unix.Close(fd)
		return -1
	}

	s := &srv.sess[idx]
	s.used = true
	s.fd = fd
	s.gen++
	s.addr = addr
	s.n = 0
	s.key = periph.BcastKey{}
	s.lock = nil

	i := idx
	err := srv.rx.Register(fd, func(int) { srv.onRead(i) }, nil)
	if err != nil {
		s.used = false
		_ = unix.Close(fd)
		if errors.Is(err, reactor.ErrNoFreeDesc) {
			srv.rx.Fail(fmt.Errorf("server: could not register session %s: %w", addr, err))
		} else {
			srv.msg.Printf("could not register session %s: %+v", addr, err)
		}
		return -1
	}

	srv.msg.Printf("serving %s...", addr)
	return idx
}

func (srv *Server) onRead(i int) {
	s := &srv.sess[i]
	if !s.used {
		return
	}

	n, err := unix.Read(s.fd, s.buf[s.n:])
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case err != nil:
		srv.msg.Printf("could not read from %s: %+v", s.addr, err)
		srv.closeSession(i)
		return
	case n == 0: // peer closed
		srv.closeSession(i)
		return
	}
	s.n += n

	srv.scan(i)

	if s.used && s.n == len(s.buf) {
		// a full buffer without a newline can never complete.
		s.n = 0
		srv.fail(i, "line too long")
	}
}

// scan runs every complete line accumulated so far, in arrival order,
// compacting the buffer as lines are consumed.
func (srv *Server) scan(i int) {
	s := &srv.sess[i]
	for s.used {
		nl := bytes.IndexByte(s.buf[:s.n], '\n')
		if nl < 0 {
			return
		}
		line := string(bytes.TrimRight(s.buf[:nl], "\r"))
		copy(s.buf[:], s.buf[nl+1:s.n])
		s.n -= nl + 1
		srv.exec(i, line)
	}
}

func (srv *Server) closeSession(i int) {
	s := &srv.sess[i]
	if !s.used {
		return
	}
	srv.rx.Deregister(s.fd)
	_ = unix.Close(s.fd)
	s.used = false
	srv.unlock(s)
	s.key = periph.BcastKey{}
	srv.msg.Printf("serving %s... [done]", s.addr)
}

func (srv *Server) unlock(s *session) {
	if s.lock != nil {
		s.lock.Unlock()
		s.lock = nil
	}
}

func (srv *Server) lookup(sid periph.SessionID) (int, *session) {
	if sid.IsZero() {
		return -1, nil
	}
	i := sid.Index()
	if i < 0 || i >= MaxSessions {
		return -1, nil
	}
	s := &srv.sess[i]
	if !s.used || periph.NewSessionID(i, s.gen) != sid {
		return -1, nil
	}
	return i, s
}

// write delivers p to session i, retrying on would-block; a hard write
// error tears the session down rather than stalling the loop.
func (srv *Server) write(i int, p []byte) bool {
	s := &srv.sess[i]
	if !s.used {
		return false
	}
	for len(p) > 0 {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			continue
		case err != nil:
			srv.msg.Printf("could not write to %s: %+v", s.addr, err)
			srv.closeSession(i)
			return false
		}
		p = p[n:]
	}
	return true
}

func (srv *Server) writeLine(i int, p []byte) bool {
	if !srv.write(i, p) {
		return false
	}
	return srv.write(i, []byte{'\n'})
}

func (srv *Server) marker(i int) {
	srv.write(i, []byte{Marker})
}

// fail sends a one-line protocol error followed by the completion
// marker; the connection stays open.
func (srv *Server) fail(i int, msg string) {
	if !srv.writeLine(i, []byte("error: "+msg)) {
		return
	}
	srv.marker(i)
}
