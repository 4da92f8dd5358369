// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fpio/piod/periph"
	"github.com/fpio/piod/reactor"
	_ "github.com/fpio/piod/modules/hello"
)

// fakedev is a fake asynchronous peripheral: hardware-bound accesses
// return ErrPending and complete through the Host callbacks.
type fakedev struct {
	slot *periph.Slot
	sid  periph.SessionID
}

func init() {
	periph.Register("fakedev", func() periph.Module { return &fakedev{} })
}

func (m *fakedev) Init(slot *periph.Slot) error {
	m.slot = slot
	slot.Name = "fakedev"
	slot.Desc = "fake asynchronous peripheral"
	slot.Help = "fakedev - fake asynchronous peripheral\n"
	for _, res := range []struct {
		name  string
		flags periph.Flags
		h     periph.Handler
	}{
		{"samples", periph.Readable, m.onSamples},
		{"rate", periph.Readable | periph.Writable, m.onRate},
		{"distance", periph.Readable | periph.Broadcastable, m.onDistance},
		{"stream", periph.Readable | periph.Broadcastable, m.onStream},
		{"trigger", periph.Writable, m.onTrigger},
	} {
		if _, err := slot.AddResource(res.name, res.flags, res.h); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakedev) onSamples(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	m.sid = sid
	return 0, periph.ErrPending
}

func (m *fakedev) onRate(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Read {
		return copy(out, "100"), nil
	}
	m.sid = sid
	return 0, periph.ErrPending
}

func (m *fakedev) onDistance(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Watch {
		return 0, nil
	}
	return copy(out, "0"), nil
}

func (m *fakedev) onStream(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Watch {
		// the subscription needs a hardware round-trip to enable.
		m.sid = sid
		return 0, periph.ErrPending
	}
	return copy(out, "0"), nil
}

func (m *fakedev) onTrigger(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	return 0, nil
}

func newTestServer(t *testing.T, modules ...string) *Server {
	t.Helper()
	msg := log.New(io.Discard, "", 0)
	rx, err := reactor.New(msg)
	if err != nil {
		t.Fatalf("could not create reactor: %+v", err)
	}
	reg := periph.NewRegistry(msg)
	srv, err := New("127.0.0.1:0", rx, reg, msg)
	if err != nil {
		t.Fatalf("could not create server: %+v", err)
	}
	t.Cleanup(srv.Close)
	for _, name := range modules {
		if _, err := reg.Load(name, srv); err != nil {
			t.Fatalf("could not load module %q: %+v", name, err)
		}
	}
	return srv
}

// attach wires one end of a socketpair into a session slot, so protocol
// tests can drive onRead directly without a running reactor.
func attach(t *testing.T, srv *Server) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("could not create socketpair: %+v", err)
	}
	i := srv.addSession(fds[0], "test")
	if i < 0 {
		unix.Close(fds[0])
		unix.Close(fds[1])
		t.Fatalf("could not attach session")
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("could not set socket non-blocking: %+v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return i, fds[1]
}

func send(t *testing.T, srv *Server, i, cfd int, line string) {
	t.Helper()
	if _, err := unix.Write(cfd, []byte(line)); err != nil {
		t.Fatalf("could not send %q: %+v", line, err)
	}
	for j := 0; j < 8 && srv.sess[i].used; j++ {
		srv.onRead(i)
	}
}

// recv reads from cfd until n completion markers have been seen.
func recv(t *testing.T, cfd, n int) string {
	t.Helper()
	var (
		out     bytes.Buffer
		tmp     [512]byte
		markers int
		timeout = time.Now().Add(2 * time.Second)
	)
	for markers < n {
		m, err := unix.Read(cfd, tmp[:])
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			if time.Now().After(timeout) {
				t.Fatalf("timeout waiting for reply; got %q so far", out.String())
			}
			time.Sleep(time.Millisecond)
			continue
		case err != nil:
			t.Fatalf("could not read reply: %+v", err)
		case m == 0:
			t.Fatalf("connection closed; got %q so far", out.String())
		}
		markers += bytes.Count(tmp[:m], []byte{Marker})
		out.Write(tmp[:m])
	}
	return out.String()
}

// drain asserts that no reply bytes are waiting on cfd.
func drain(t *testing.T, cfd int) {
	t.Helper()
	time.Sleep(time.Millisecond)
	var tmp [512]byte
	m, err := unix.Read(cfd, tmp[:])
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	t.Fatalf("unexpected reply %q", tmp[:m])
}

func TestCommands(t *testing.T) {
	srv := newTestServer(t, "hellodemo")
	i, cfd := attach(t, srv)

	for _, tc := range []struct {
		line string
		want string
	}{
		{"", "\x04"},
		{"bogus", "error: unknown command \"bogus\"\n\x04"},
		{"get 0 period", "1000\n\x04"},
		{"set 0 period 250", "\x04"},
		{"get hellodemo period", "250\n\x04"},
		{"get hell period", "250\n\x04"}, // prefix match
		{"set 0 greeting hi there", "\x04"},
		{"get 0 greeting", "hi there\n\x04"},
		{"get 0 tick", "0\n\x04"},
		{"get 1 period", "error: no such slot \"1\"\n\x04"},
		{"get -1 period", "error: no such slot \"-1\"\n\x04"},
		{"get nosuch period", "error: no such slot \"nosuch\"\n\x04"},
		{"get 0 nosuch", "error: no such resource \"nosuch\" on slot 0\n\x04"},
		{"set 0 uptime 1", "error: resource \"uptime\" is not writable\n\x04"},
		{"cat 0 period", "error: resource \"period\" is not broadcastable\n\x04"},
		{"set 0 period", "error: missing value\n\x04"},
		{"set 0 period x", "error: malformed value \"x\"\n\x04"},
		{"get 0", "error: usage: get <slot> <resource>\n\x04"},
	} {
		t.Run(tc.line, func(t *testing.T) {
			send(t, srv, i, cfd, tc.line+"\n")
			if got := recv(t, cfd, 1); got != tc.want {
				t.Fatalf("invalid reply:\ngot = %q\nwant= %q", got, tc.want)
			}
		})
	}
}

func TestNotReadable(t *testing.T) {
	srv := newTestServer(t, "fakedev")
	i, cfd := attach(t, srv)

	send(t, srv, i, cfd, "get 0 trigger\n")
	want := "error: resource \"trigger\" is not readable\n\x04"
	if got := recv(t, cfd, 1); got != want {
		t.Fatalf("invalid reply: got=%q, want=%q", got, want)
	}
}

func TestList(t *testing.T) {
	srv := newTestServer(t, "hellodemo", "fakedev")
	i, cfd := attach(t, srv)

	send(t, srv, i, cfd, "list\n")
	want := strings.Join([]string{
		"0 hellodemo demo peripheral exercising the resource protocol",
		"  period get set",
		"  greeting get set",
		"  uptime get",
		"  tick get cat",
		"1 fakedev fake asynchronous peripheral",
		"  samples get",
		"  rate get set",
		"  distance get cat",
		"  stream get cat",
		"  trigger set",
	}, "\n") + "\n\x04"
	if got := recv(t, cfd, 1); got != want {
		t.Fatalf("invalid list:\ngot = %q\nwant= %q", got, want)
	}

	send(t, srv, i, cfd, "list fakedev\n")
	want = "fakedev - fake asynchronous peripheral\n\x04"
	if got := recv(t, cfd, 1); got != want {
		t.Fatalf("invalid list fakedev: got=%q, want=%q", got, want)
	}

	send(t, srv, i, cfd, "list nosuch\n")
	want = "error: no such module \"nosuch\"\n\x04"
	if got := recv(t, cfd, 1); got != want {
		t.Fatalf("invalid list nosuch: got=%q, want=%q", got, want)
	}

	send(t, srv, i, cfd, "list a b\n")
	want = "error: usage: list [module]\n\x04"
	if got := recv(t, cfd, 1); got != want {
		t.Fatalf("invalid list a b: got=%q, want=%q", got, want)
	}
}

func TestPending(t *testing.T) {
	srv := newTestServer(t, "hellodemo", "fakedev")
	mod := srv.reg.Slot(1).Module().(*fakedev)

	i1, c1 := attach(t, srv)
	i2, c2 := attach(t, srv)

	// the first asker parks; the reply is deferred.
	send(t, srv, i1, c1, "get fakedev samples\n")
	drain(t, c1)

	// a concurrent asker is refused while the request is in flight.
	send(t, srv, i2, c2, "get 1 samples\n")
	want := "error: resource \"samples\" is busy\n\x04"
	if got := recv(t, c2, 1); got != want {
		t.Fatalf("invalid busy reply: got=%q, want=%q", got, want)
	}

	// the hardware answers: data and marker reach the original asker.
	srv.Reply(mod.sid, []byte("42"))
	if got, want := recv(t, c1, 1), "42\n\x04"; got != want {
		t.Fatalf("invalid deferred reply: got=%q, want=%q", got, want)
	}

	// the lock is gone, the next asker goes through.
	send(t, srv, i2, c2, "get 1 samples\n")
	drain(t, c2)
	srv.Fail(mod.sid, "timeout")
	if got, want := recv(t, c2, 1), "error: timeout\n\x04"; got != want {
		t.Fatalf("invalid deferred failure: got=%q, want=%q", got, want)
	}

	// a deferred set completes with only the marker.
	send(t, srv, i1, c1, "set 1 rate 2000\n")
	drain(t, c1)
	srv.Reply(mod.sid, nil)
	if got, want := recv(t, c1, 1), "\x04"; got != want {
		t.Fatalf("invalid deferred ack: got=%q, want=%q", got, want)
	}
}

// A session pipelining further reads behind a parked one must not lose
// track of the pending lock: the extra reads are refused, and the lock
// is released exactly once, by the deferred reply.
func TestPipelinedPending(t *testing.T) {
	srv := newTestServer(t, "fakedev")
	mod := srv.reg.Slot(0).Module().(*fakedev)
	_, res := srv.reg.Slot(0).ResourceByName("samples")

	i1, c1 := attach(t, srv)
	i2, c2 := attach(t, srv)

	// one read of two lines: samples parks, rate is refused.
	send(t, srv, i1, c1, "get 0 samples\nget 0 rate\n")
	want := "error: a reply for \"samples\" is still pending\n\x04"
	if got := recv(t, c1, 1); got != want {
		t.Fatalf("invalid pipelined reply: got=%q, want=%q", got, want)
	}

	// the parked request is still the one holding the lock.
	if res.LockedBy().IsZero() {
		t.Fatalf("pending lock dropped by the pipelined command")
	}

	srv.Reply(mod.sid, []byte("42"))
	if got, want := recv(t, c1, 1), "42\n\x04"; got != want {
		t.Fatalf("invalid deferred reply: got=%q, want=%q", got, want)
	}
	if !res.LockedBy().IsZero() {
		t.Fatalf("resource still locked after deferred reply")
	}

	// both the session and the resource take requests again.
	send(t, srv, i1, c1, "get 0 rate\n")
	if got, want := recv(t, c1, 1), "100\n\x04"; got != want {
		t.Fatalf("invalid follow-up reply: got=%q, want=%q", got, want)
	}
	send(t, srv, i2, c2, "get 0 samples\n")
	drain(t, c2)
	srv.Reply(mod.sid, []byte("43"))
	if got, want := recv(t, c2, 1), "43\n\x04"; got != want {
		t.Fatalf("invalid next-asker reply: got=%q, want=%q", got, want)
	}
}

// A Watch handler may park like a read: the cat marker is then deferred
// until the module confirms the subscription.
func TestWatchPending(t *testing.T) {
	srv := newTestServer(t, "fakedev")
	mod := srv.reg.Slot(0).Module().(*fakedev)
	slot := srv.reg.Slot(0)
	ridx, res := slot.ResourceByName("stream")

	i, cfd := attach(t, srv)
	send(t, srv, i, cfd, "cat 0 stream\n")
	drain(t, cfd)

	// the subscription is armed even while the confirmation is out.
	if res.Key() != periph.NewBcastKey(slot.Index(), ridx) {
		t.Fatalf("broadcast key not set by pending cat")
	}

	srv.Reply(mod.sid, nil)
	if got, want := recv(t, cfd, 1), "\x04"; got != want {
		t.Fatalf("invalid deferred cat marker: got=%q, want=%q", got, want)
	}

	if !srv.Broadcast([]byte("s 1\n"), res.Key()) {
		t.Fatalf("broadcast reported no subscribers")
	}
	if got, want := recvBytes(t, cfd, 4), "s 1\n"; got != want {
		t.Fatalf("invalid broadcast: got=%q, want=%q", got, want)
	}
}

func TestPendingDisconnect(t *testing.T) {
	srv := newTestServer(t, "fakedev")
	mod := srv.reg.Slot(0).Module().(*fakedev)
	_, res := srv.reg.Slot(0).ResourceByName("samples")

	i, c1 := attach(t, srv)
	send(t, srv, i, c1, "get 0 samples\n")
	drain(t, c1)
	if res.LockedBy().IsZero() {
		t.Fatalf("resource not locked by pending request")
	}

	// the asker goes away mid-flight: the lock is released and the
	// late reply is dropped.
	_ = unix.Shutdown(c1, unix.SHUT_WR)
	srv.onRead(i)
	if srv.sess[i].used {
		t.Fatalf("session still alive after peer close")
	}
	if !res.LockedBy().IsZero() {
		t.Fatalf("resource still locked after session teardown")
	}
	srv.Reply(mod.sid, []byte("too late")) // must not panic or misroute

	// a session slot reuse must not resurrect the stale id.
	i2, c2 := attach(t, srv)
	if i2 != i {
		t.Fatalf("session slot not reused: got=%d, want=%d", i2, i)
	}
	srv.Reply(mod.sid, []byte("stale"))
	drain(t, c2)
}

func TestBroadcast(t *testing.T) {
	srv := newTestServer(t, "fakedev")
	slot := srv.reg.Slot(0)
	ridx, res := slot.ResourceByName("distance")

	i1, c1 := attach(t, srv)
	i2, c2 := attach(t, srv)

	send(t, srv, i1, c1, "cat 0 distance\n")
	if got, want := recv(t, c1, 1), "\x04"; got != want {
		t.Fatalf("invalid cat reply: got=%q, want=%q", got, want)
	}
	send(t, srv, i2, c2, "cat fakedev distance\n")
	if got, want := recv(t, c2, 1), "\x04"; got != want {
		t.Fatalf("invalid cat reply: got=%q, want=%q", got, want)
	}

	key := res.Key()
	if key != periph.NewBcastKey(slot.Index(), ridx) {
		t.Fatalf("invalid broadcast key: %v", key)
	}

	// successive updates arrive in order, verbatim, at every subscriber.
	for _, upd := range []string{"d 1.25\n", "d 1.26\n", "d 1.27\n"} {
		if !srv.Broadcast([]byte(upd), key) {
			t.Fatalf("broadcast reported no subscribers")
		}
	}
	for _, cfd := range []int{c1, c2} {
		if got, want := recvBytes(t, cfd, 21), "d 1.25\nd 1.26\nd 1.27\n"; got != want {
			t.Fatalf("invalid broadcasts: got=%q, want=%q", got, want)
		}
	}

	// one subscriber leaves, delivery continues to the other.
	srv.closeSession(i2)
	if !srv.Broadcast([]byte("d 1.50\n"), key) {
		t.Fatalf("broadcast reported no subscribers")
	}
	if got, want := recvBytes(t, c1, 7), "d 1.50\n"; got != want {
		t.Fatalf("invalid broadcast: got=%q, want=%q", got, want)
	}

	// the last subscriber leaves: delivery fails and the key is
	// cleared so the module can stop producing.
	srv.closeSession(i1)
	if srv.Broadcast([]byte("d 1.75\n"), key) {
		t.Fatalf("broadcast delivered to nobody")
	}
	if !res.Key().IsZero() {
		t.Fatalf("broadcast key not cleared")
	}

	if srv.Broadcast([]byte("x\n"), periph.BcastKey{}) {
		t.Fatalf("broadcast on the zero key delivered")
	}
}

func recvBytes(t *testing.T, cfd, n int) string {
	t.Helper()
	var (
		out     bytes.Buffer
		tmp     [512]byte
		timeout = time.Now().Add(2 * time.Second)
	)
	for out.Len() < n {
		m, err := unix.Read(cfd, tmp[:])
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			if time.Now().After(timeout) {
				t.Fatalf("timeout; got %q so far", out.String())
			}
			time.Sleep(time.Millisecond)
			continue
		case err != nil:
			t.Fatalf("could not read: %+v", err)
		case m == 0:
			t.Fatalf("connection closed")
		}
		out.Write(tmp[:m])
	}
	return out.String()
}

func TestPipelined(t *testing.T) {
	srv := newTestServer(t, "hellodemo")
	i, cfd := attach(t, srv)

	send(t, srv, i, cfd, "set 0 period 42\nget 0 period\n")
	want := "\x04" + "42\n\x04"
	if got := recv(t, cfd, 2); got != want {
		t.Fatalf("invalid pipelined replies: got=%q, want=%q", got, want)
	}
}

func TestLineTooLong(t *testing.T) {
	srv := newTestServer(t, "hellodemo")
	i, cfd := attach(t, srv)

	send(t, srv, i, cfd, strings.Repeat("x", lineBufSize))
	want := "error: line too long\n\x04"
	if got := recv(t, cfd, 1); got != want {
		t.Fatalf("invalid reply: got=%q, want=%q", got, want)
	}

	// the buffer was discarded wholesale; the session survives and
	// resynchronizes on the next line.
	send(t, srv, i, cfd, "get 0 period\n")
	if got, want := recv(t, cfd, 1), "1000\n\x04"; got != want {
		t.Fatalf("invalid reply: got=%q, want=%q", got, want)
	}
}

func TestSessionTable(t *testing.T) {
	srv := newTestServer(t)

	var (
		idxs []int
		cfds []int
	)
	for j := 0; j < MaxSessions; j++ {
		i, cfd := attach(t, srv)
		idxs = append(idxs, i)
		cfds = append(cfds, cfd)
	}

	// the 17th connection is rejected with a close.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("could not create socketpair: %+v", err)
	}
	defer unix.Close(fds[1])
	if i := srv.addSession(fds[0], "test"); i >= 0 {
		t.Fatalf("session table overflow: accepted as %d", i)
	}
	var tmp [8]byte
	n, err := unix.Read(fds[1], tmp[:])
	if err != nil || n != 0 {
		t.Fatalf("rejected connection not closed: n=%d err=%v", n, err)
	}

	// freeing one slot makes room again.
	_ = unix.Shutdown(cfds[0], unix.SHUT_WR)
	srv.onRead(idxs[0])
	if srv.sess[idxs[0]].used {
		t.Fatalf("session %d still alive after peer close", idxs[0])
	}
	i, cfd := attach(t, srv)
	send(t, srv, i, cfd, "list\n")
	if got, want := recv(t, cfd, 1), "\x04"; got != want {
		t.Fatalf("invalid reply: got=%q, want=%q", got, want)
	}
}

func TestLoadso(t *testing.T) {
	srv := newTestServer(t, "hellodemo")
	i, cfd := attach(t, srv)

	send(t, srv, i, cfd, "loadso fakedev.so\n")
	if got, want := recv(t, cfd, 1), "1 fakedev\n\x04"; got != want {
		t.Fatalf("invalid loadso reply: got=%q, want=%q", got, want)
	}

	send(t, srv, i, cfd, "loadso nosuch.so\n")
	got := recv(t, cfd, 1)
	if !strings.HasPrefix(got, "error: could not load module \"nosuch.so\"") {
		t.Fatalf("invalid loadso failure: got=%q", got)
	}

	send(t, srv, i, cfd, "loadso\n")
	if got, want := recv(t, cfd, 1), "error: usage: loadso <file>\n\x04"; got != want {
		t.Fatalf("invalid loadso usage reply: got=%q, want=%q", got, want)
	}

	// fill the slot table: the next load is refused, running modules
	// are untouched.
	for {
		if _, err := srv.reg.Load("fakedev", srv); err != nil {
			break
		}
	}
	send(t, srv, i, cfd, "loadso fakedev.so\n")
	got = recv(t, cfd, 1)
	if !strings.Contains(got, "no free slot") {
		t.Fatalf("invalid loadso full reply: got=%q", got)
	}
	send(t, srv, i, cfd, "get 0 period\n")
	if got, want := recv(t, cfd, 1), "1000\n\x04"; got != want {
		t.Fatalf("module lost after failed load: got=%q, want=%q", got, want)
	}
}

func TestApplyDefault(t *testing.T) {
	srv := newTestServer(t, "hellodemo")
	slot := srv.reg.Slot(0)

	if err := srv.ApplyDefault(slot, "period", "77"); err != nil {
		t.Fatalf("could not apply default: %+v", err)
	}
	i, cfd := attach(t, srv)
	send(t, srv, i, cfd, "get 0 period\n")
	if got, want := recv(t, cfd, 1), "77\n\x04"; got != want {
		t.Fatalf("default not applied: got=%q, want=%q", got, want)
	}

	if err := srv.ApplyDefault(slot, "nosuch", "1"); err == nil {
		t.Fatalf("expected an error for an unknown resource")
	}
	if err := srv.ApplyDefault(slot, "uptime", "1"); err == nil {
		t.Fatalf("expected an error for a read-only resource")
	}
}

func TestServe(t *testing.T) {
	srv := newTestServer(t, "hellodemo")
	rx := srv.rx

	done := make(chan error, 1)
	go func() { done <- rx.Run() }()
	defer func() {
		rx.Stop()
		if err := <-done; err != nil {
			t.Errorf("run: %+v", err)
		}
	}()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer conn.Close()

	ask := func(line, want string) {
		t.Helper()
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			t.Fatalf("could not send %q: %+v", line, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var (
			out bytes.Buffer
			tmp [512]byte
		)
		for {
			n, err := conn.Read(tmp[:])
			if err != nil {
				t.Fatalf("could not read reply to %q: %+v (got %q)", line, err, out.String())
			}
			out.Write(tmp[:n])
			if bytes.IndexByte(out.Bytes(), Marker) >= 0 {
				break
			}
		}
		if got := out.String(); got != want {
			t.Fatalf("invalid reply to %q:\ngot = %q\nwant= %q", line, got, want)
		}
	}

	ask("get 0 period", "1000\n\x04")
	ask("set hellodemo greeting over tcp", "\x04")
	ask("get 0 greeting", "over tcp\n\x04")
}
