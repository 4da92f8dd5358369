// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fpgalink implements the peripheral module talking to the FPGA
// I/O board over its packet link. Reads and writes travel as REQ/CMD
// packets and complete asynchronously when the board answers with
// DAT/ACK; the board also pushes unsolicited STR samples which feed the
// distance stream.
package fpgalink // import "github.com/fpio/piod/modules/fpgalink"

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fpio/piod/internal/wire"
	"github.com/fpio/piod/periph"
	"github.com/fpio/piod/reactor"
)

// Name is the module's registered load name.
const Name = "fpgalink"

// DefaultAddr is where the board's packet endpoint usually listens.
const DefaultAddr = "127.0.0.1:8742"

// ackTimeout bounds how long the module waits for the board to answer
// a REQ or CMD packet, in milliseconds.
const ackTimeout = 500

func init() {
	periph.Register(Name, func() periph.Module { return &Module{addr: DefaultAddr} })
}

// dial connects to the board's packet endpoint. Tests swap it for a
// socketpair.
var dial = func(addr string) (int, error) {
	tcp, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}

	sa := &unix.SockaddrInet4{Port: tcp.Port}
	if ip := tcp.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	err = unix.Connect(fd, sa)
	if err != nil {
		_ = unix.Close(fd)
		return 0, err
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		_ = unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// Module is the fpgalink peripheral.
type Module struct {
	slot *periph.Slot
	addr string

	fd   int
	down bool
	enc  *wire.Encoder
	seq  uint8
	buf  []byte // accumulated bytes until a full packet is framed

	distance string
	distRes  int
	rate     string

	pending struct {
		sid   periph.SessionID
		seq   uint8
		value string // rate value committed on ACK
		tid   reactor.TimerID
	}
}

func (m *Module) Init(slot *periph.Slot) error {
	m.slot = slot
	m.rate = "1000"
	m.distance = "0"

	fd, err := dial(m.addr)
	if err != nil {
		return fmt.Errorf("fpgalink: could not dial board at %q: %w", m.addr, err)
	}
	m.fd = fd
	m.enc = wire.NewEncoder(fdWriter{fd})

	err = slot.Host().Reactor().Register(fd, m.onReadable, nil)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("fpgalink: could not register board link: %w", err)
	}

	slot.Name = Name
	slot.Desc = "FPGA I/O board packet link"
	slot.Help = `fpgalink - FPGA I/O board packet link

resources:
  samples   sample counter, fetched from the board (get)
  rate      sampling period in microseconds (get, set)
  distance  last ranging sample pushed by the board (get, cat)`

	for _, res := range []struct {
		name  string
		flags periph.Flags
		h     periph.Handler
	}{
		{"samples", periph.Readable, m.onSamples},
		{"rate", periph.Readable | periph.Writable, m.onRate},
		{"distance", periph.Readable | periph.Broadcastable, m.onDistance},
	} {
		i, err := slot.AddResource(res.name, res.flags, res.h)
		if err != nil {
			return err
		}
		if res.name == "distance" {
			m.distRes = i
		}
	}
	return nil
}

// send emits one packet to the board and returns its sequence cookie.
func (m *Module) send(typ wire.Type, payload []byte) (uint8, error) {
	m.seq++
	pkt := wire.Packet{Type: typ, Seq: m.seq, Payload: payload}
	err := m.enc.Encode(&pkt)
	if err != nil {
		return 0, fmt.Errorf("could not send %v packet to board: %v", typ, err)
	}
	return m.seq, nil
}

// park records sid as the session awaiting the board's answer to seq
// and arms the reply timeout.
func (m *Module) park(sid periph.SessionID, seq uint8, value string) error {
	tid, err := m.slot.Host().Reactor().Arm(reactor.OneShot, ackTimeout, m.onTimeout)
	if err != nil {
		return fmt.Errorf("could not arm board reply timeout: %v", err)
	}
	m.pending.sid = sid
	m.pending.seq = seq
	m.pending.value = value
	m.pending.tid = tid
	return nil
}

func (m *Module) onSamples(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if m.down {
		return 0, errors.New("board link is down")
	}
	if !m.pending.sid.IsZero() {
		return 0, errors.New("board link is busy")
	}

	seq, err := m.send(wire.Req, []byte("samples"))
	if err != nil {
		return 0, err
	}
	if err := m.park(sid, seq, ""); err != nil {
		return 0, err
	}
	return 0, periph.ErrPending
}

func (m *Module) onRate(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Read {
		return copy(out, m.rate), nil
	}

	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("malformed value %q", value)
	}
	if m.down {
		return 0, errors.New("board link is down")
	}
	if !m.pending.sid.IsZero() {
		return 0, errors.New("board link is busy")
	}

	seq, err := m.send(wire.Cmd, []byte("rate "+value))
	if err != nil {
		return 0, err
	}
	if err := m.park(sid, seq, value); err != nil {
		return 0, err
	}
	return 0, periph.ErrPending
}

func (m *Module) onDistance(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Watch {
		return 0, nil // samples flow as the board pushes STR packets
	}
	return copy(out, m.distance), nil
}

func (m *Module) onTimeout(now int64) {
	sid := m.pending.sid
	m.clearPending()
	m.slot.Host().Fail(sid, "timeout awaiting board reply")
}

func (m *Module) clearPending() {
	if !m.pending.tid.IsZero() {
		m.slot.Host().Reactor().Cancel(m.pending.tid)
	}
	m.pending.sid = periph.SessionID{}
	m.pending.seq = 0
	m.pending.value = ""
	m.pending.tid = reactor.TimerID{}
}

func (m *Module) onReadable(fd int) {
	var tmp [512]byte
	for {
		n, err := unix.Read(m.fd, tmp[:])
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			m.parse()
			return
		case err != nil:
			m.linkDown(fmt.Sprintf("board link error: %v", err))
			return
		case n == 0:
			m.parse()
			m.linkDown("board closed the link")
			return
		}
		m.buf = append(m.buf, tmp[:n]...)
	}
}

// parse frames and dispatches every complete packet accumulated so far.
func (m *Module) parse() {
	host := m.slot.Host()
	for {
		if len(m.buf) < 4 {
			return
		}
		total := 4 + int(m.buf[3]) + 2
		if len(m.buf) < total {
			return
		}

		var pkt wire.Packet
		err := wire.NewDecoder(bytes.NewReader(m.buf[:total])).Decode(&pkt)
		m.buf = m.buf[:copy(m.buf, m.buf[total:])]
		if err != nil {
			host.Logf("fpgalink: dropping malformed board packet: %+v", err)
			continue
		}
		m.onPacket(&pkt)
	}
}

func (m *Module) onPacket(pkt *wire.Packet) {
	host := m.slot.Host()
	switch pkt.Type {
	case wire.Dat, wire.Ack:
		if m.pending.sid.IsZero() || pkt.Seq != m.pending.seq {
			host.Logf("fpgalink: dropping stale %v packet (seq=%d)", pkt.Type, pkt.Seq)
			return
		}
		sid := m.pending.sid
		value := m.pending.value
		m.clearPending()
		switch pkt.Type {
		case wire.Dat:
			host.Reply(sid, pkt.Payload)
		case wire.Ack:
			m.rate = value
			host.Reply(sid, nil)
		}

	case wire.Str:
		toks := strings.Fields(string(pkt.Payload))
		if len(toks) != 2 || toks[0] != "distance" {
			host.Logf("fpgalink: dropping malformed %v packet %q", pkt.Type, pkt.Payload)
			return
		}
		m.distance = toks[1]
		key := m.slot.Resource(m.distRes).Key()
		if key.IsZero() {
			return
		}
		host.Broadcast(append(pkt.Payload[:len(pkt.Payload):len(pkt.Payload)], '\n'), key)

	default:
		host.Logf("fpgalink: dropping unexpected %v packet from board", pkt.Type)
	}
}

// linkDown tears the board link down; a pending request fails rather
// than hang its session.
func (m *Module) linkDown(msg string) {
	if m.down {
		return
	}
	host := m.slot.Host()
	host.Logf("fpgalink: %s", msg)
	host.Reactor().Deregister(m.fd)
	_ = unix.Close(m.fd)
	m.down = true
	if !m.pending.sid.IsZero() {
		sid := m.pending.sid
		m.clearPending()
		host.Fail(sid, msg)
	}
}

// fdWriter adapts a connected socket to io.Writer for the packet
// encoder, absorbing short writes.
type fdWriter struct{ fd int }

func (w fdWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n, err := unix.Write(w.fd, p)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		p = p[n:]
		written += n
	}
	return written, nil
}
