// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server implements the piod client surface: the TCP session
// manager, the line-oriented command protocol engine and the broadcast
// distributor.
package server // import "github.com/fpio/piod/server"

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/fpio/piod/periph"
	"github.com/fpio/piod/reactor"
)

const (
	// MaxSessions bounds the number of simultaneous client connections.
	MaxSessions = 16

	// Marker is the completion marker: one reserved non-printable byte
	// sent to a client once a command's response has been fully
	// delivered.
	Marker byte = 0x04

	lineBufSize = 1024
	listenBacklog = 16
)

// Server accepts piod clients and runs their commands against the slot
// registry. It implements periph.Host for the loaded modules.
type Server struct {
	msg *log.Logger
	rx  *reactor.Reactor
	reg *periph.Registry

	lfd  int
	addr string

	sess [MaxSessions]session
}

// New creates a server listening on addr and registers its listening
// socket with the reactor.
func New(addr string, rx *reactor.Reactor, reg *periph.Registry, msg *log.Logger) (*Server, error) {
	if msg == nil {
		msg = log.New(os.Stdout, "piod: ", 0)
	}

	lfd, laddr, err := listen(addr)
	if err != nil {
		return nil, fmt.Errorf("server: could not listen on %q: %w", addr, err)
	}

	srv := &Server{
		msg:  msg,
		rx:   rx,
		reg:  reg,
		lfd:  lfd,
		addr: laddr,
	}

	err = rx.Register(lfd, srv.onAccept, nil)
	if err != nil {
		_ = unix.Close(lfd)
		return nil, fmt.Errorf("server: could not register listener: %w", err)
	}

	msg.Printf("listening on %q...", laddr)
	return srv, nil
}

// Addr returns the address the server actually listens on.
func (srv *Server) Addr() string { return srv.addr }

// Close tears down the listener and every established session.
func (srv *Server) Close() {
	srv.rx.Deregister(srv.lfd)
	_ = unix.Close(srv.lfd)
	for i := range srv.sess {
		if srv.sess[i].used {
			srv.closeSession(i)
		}
	}
}

func listen(addr string) (int, string, error) {
	tcp, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return 0, "", err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, "", err
	}

	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		_ = unix.Close(fd)
		return 0, "", err
	}

	sa := &unix.SockaddrInet4{Port: tcp.Port}
	if ip := tcp.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	err = unix.Bind(fd, sa)
	if err != nil {
		_ = unix.Close(fd)
		return 0, "", err
	}

	err = unix.Listen(fd, listenBacklog)
	if err != nil {
		_ = unix.Close(fd)
		return 0, "", err
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		_ = unix.Close(fd)
		return 0, "", err
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return 0, "", err
	}

	return fd, sockaddrString(bound), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(sa.Addr[:]), sa.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(sa.Addr[:]), sa.Port)
	}
	return "?"
}

// Reactor implements periph.Host.
func (srv *Server) Reactor() *reactor.Reactor { return srv.rx }

// Logf implements periph.Host.
func (srv *Server) Logf(format string, args ...interface{}) {
	srv.msg.Printf(format, args...)
}

// Reply implements periph.Host: it completes a pending request for sid,
// releasing the resource lock and emitting the deferred completion
// marker.
func (srv *Server) Reply(sid periph.SessionID, data []byte) {
	i, s := srv.lookup(sid)
	if s == nil {
		return // session died while the hardware round-trip was in flight
	}
	srv.unlock(s)
	if data != nil {
		if !srv.writeLine(i, data) {
			return
		}
	}
	srv.marker(i)
}

// Fail implements periph.Host: like Reply, with a one-line error.
func (srv *Server) Fail(sid periph.SessionID, msg string) {
	i, s := srv.lookup(sid)
	if s == nil {
		return
	}
	srv.unlock(s)
	srv.fail(i, msg)
}

// Broadcast implements periph.Host: it delivers data verbatim to every
// session subscribed to key and reports whether any was. When no session
// is left, the resource's broadcast key is cleared so the module can
// stop producing updates.
func (srv *Server) Broadcast(data []byte, key periph.BcastKey) bool {
	if key.IsZero() {
		return false
	}

	delivered := false
	for i := range srv.sess {
		s := &srv.sess[i]
		if !s.used || s.key != key {
			continue
		}
		if srv.write(i, data) {
			delivered = true
		}
	}

	if !delivered {
		slot, res := key.Split()
		if s := srv.reg.Slot(slot); s != nil {
			if r := s.Resource(res); r != nil && r.Key() == key {
				r.ClearKey()
			}
		}
	}
	return delivered
}

// ApplyDefault writes value into the named resource of slot through the
// regular write path, as if a client had issued a set command.
func (srv *Server) ApplyDefault(slot *periph.Slot, resource, value string) error {
	ridx, res := slot.ResourceByName(resource)
	if res == nil {
		return fmt.Errorf("server: no such resource %q on slot %d", resource, slot.Index())
	}
	if res.Flags&periph.Writable == 0 {
		return fmt.Errorf("server: resource %q is not writable", resource)
	}
	var out [lineBufSize]byte
	_, err := res.Call(periph.Write, ridx, value, periph.SessionID{}, out[:])
	if err != nil && !errors.Is(err, periph.ErrPending) {
		return fmt.Errorf("server: could not apply default %s=%q: %w", resource, value, err)
	}
	return nil
}
