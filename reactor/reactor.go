// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reactor implements the readiness-driven I/O loop at the heart
// of piod, together with its millisecond timer subsystem.
//
// The reactor is single-threaded and cooperative: callbacks run to
// completion on the loop goroutine, one at a time, and may register or
// de-register descriptors and timers as a side effect. Such changes take
// effect on the next loop iteration.
package reactor // import "github.com/fpio/piod/reactor"

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// MaxDescs is the size of the descriptor registration table.
	MaxDescs = 64
)

// ErrNoFreeDesc is returned by Register when the descriptor table is full.
var ErrNoFreeDesc = errors.New("reactor: no free descriptor slot")

type desc struct {
	fd      int
	onRead  func(fd int)
	onWrite func(fd int)
	used    bool
}

// Reactor multiplexes I/O readiness over a fixed table of descriptor
// registrations and drives the timer subsystem.
type Reactor struct {
	msg   *log.Logger
	epoch time.Time

	descs  [MaxDescs]desc
	timers [MaxTimers]timer

	// wake pipe, used to interrupt a blocking poll from Stop.
	wr, wp int

	stopped atomic.Bool
	failed  error
}

// New creates a reactor ready to accept registrations.
func New(msg *log.Logger) (*Reactor, error) {
	if msg == nil {
		msg = log.New(log.Writer(), "reactor: ", 0)
	}
	r := &Reactor{
		msg:   msg,
		epoch: time.Now(),
	}

	var p [2]int
	err := unix.Pipe(p[:])
	if err != nil {
		return nil, fmt.Errorf("reactor: could not create wake pipe: %w", err)
	}
	r.wr, r.wp = p[0], p[1]
	_ = unix.SetNonblock(r.wr, true)
	_ = unix.SetNonblock(r.wp, true)

	err = r.Register(r.wr, r.drainWake, nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Now returns the number of milliseconds elapsed since the reactor was
// created. All timer deadlines are expressed on this clock.
func (r *Reactor) Now() int64 {
	return time.Since(r.epoch).Milliseconds()
}

// Register binds fd to read- and/or write-readiness callbacks.
// Registering an already-registered descriptor replaces its callbacks.
func (r *Reactor) Register(fd int, onRead, onWrite func(fd int)) error {
	if i := r.lookup(fd); i >= 0 {
		r.descs[i].onRead = onRead
		r.descs[i].onWrite = onWrite
		return nil
	}
	for i := range r.descs {
		d := &r.descs[i]
		if d.used {
			continue
		}
		*d = desc{fd: fd, onRead: onRead, onWrite: onWrite, used: true}
		return nil
	}
	return ErrNoFreeDesc
}

// Deregister removes fd from the registration table. Removing a
// descriptor that is not registered is a no-op.
func (r *Reactor) Deregister(fd int) {
	if i := r.lookup(fd); i >= 0 {
		r.descs[i] = desc{}
	}
}

func (r *Reactor) lookup(fd int) int {
	for i := range r.descs {
		if r.descs[i].used && r.descs[i].fd == fd {
			return i
		}
	}
	return -1
}

// Fail aborts the loop: Run returns err once the callback that called
// Fail has completed. Meant for unrecoverable conditions, such as
// descriptor-table exhaustion on the listening socket.
func (r *Reactor) Fail(err error) {
	if r.failed == nil {
		r.failed = err
	}
}

// Stop makes Run return nil. It is the only method safe to call from
// outside the loop goroutine.
func (r *Reactor) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	_, _ = unix.Write(r.wp, []byte{0})
}

func (r *Reactor) drainWake(fd int) {
	var buf [16]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Run drives the loop until an unrecoverable multiplexing error occurs,
// a callback calls Fail, or Stop is called.
//
// Each iteration blocks until a registered descriptor reports readiness
// or the nearest timer deadline elapses, then sweeps due timers and
// finally invokes the ready callbacks in ascending table order. A
// descriptor de-registered by an earlier callback of the same iteration
// is skipped.
func (r *Reactor) Run() error {
	defer r.close()

	var (
		pfds [MaxDescs]unix.PollFd
		idxs [MaxDescs]int
	)

	for {
		if r.stopped.Load() {
			return nil
		}
		if r.failed != nil {
			return r.failed
		}

		n := 0
		for i := range r.descs {
			d := &r.descs[i]
			if !d.used {
				continue
			}
			var ev int16
			if d.onRead != nil {
				ev |= unix.POLLIN
			}
			if d.onWrite != nil {
				ev |= unix.POLLOUT
			}
			pfds[n] = unix.PollFd{Fd: int32(d.fd), Events: ev}
			idxs[n] = i
			n++
		}

		timeout := int(r.next(r.Now()))
		nrdy, err := unix.Poll(pfds[:n], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: could not poll: %w", err)
		}

		r.Sweep(r.Now())

		if nrdy == 0 {
			continue
		}

		for k := 0; k < n; k++ {
			rev := pfds[k].Revents
			if rev == 0 {
				continue
			}
			fd := int(pfds[k].Fd)

			d := &r.descs[idxs[k]]
			if !d.used || d.fd != fd {
				continue // de-registered by an earlier callback
			}
			if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && d.onRead != nil {
				d.onRead(fd)
			}
			if !d.used || d.fd != fd {
				continue
			}
			if rev&unix.POLLOUT != 0 && d.onWrite != nil {
				d.onWrite(fd)
			}
		}
	}
}

func (r *Reactor) close() {
	r.Deregister(r.wr)
	_ = unix.Close(r.wr)
	_ = unix.Close(r.wp)
}
