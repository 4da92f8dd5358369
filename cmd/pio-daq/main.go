// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pio-daq exposes a running piod daemon as a TDAQ process: it
// monitors a broadcastable resource and publishes each update on a TDAQ
// output end-point.
package main // import "github.com/fpio/piod/cmd/pio-daq"

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
)

func main() {
	cmd := flags.New()

	dev := daq{
		addr: "localhost:7110",
		res:  "fpgalink distance",
	}
	if len(cmd.Args) > 0 {
		dev.addr = cmd.Args[0]
	}
	if len(cmd.Args) > 1 {
		dev.res = strings.Join(cmd.Args[1:], " ")
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/data", dev.data)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

// marker terminates every piod response.
const marker = 0x04

type daq struct {
	addr string // piod daemon address
	res  string // "<slot> <resource>" to monitor

	conn net.Conn
	rbuf *bufio.Reader

	updates chan []byte
	started bool
}

func (dev *daq) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (dev *daq) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	dev.updates = make(chan []byte, 1024)
	return dev.dial(ctx)
}

func (dev *daq) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if dev.conn != nil {
		_ = dev.conn.Close()
	}
	dev.started = false
	dev.updates = make(chan []byte, 1024)
	return dev.dial(ctx)
}

func (dev *daq) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := dev.subscribe()
	if err != nil {
		return err
	}
	dev.started = true
	ctx.Msg.Infof("monitoring %q on %q", dev.res, dev.addr)
	return nil
}

func (dev *daq) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	dev.started = false
	return nil
}

func (dev *daq) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	if dev.conn != nil {
		_ = dev.conn.Close()
	}
	return nil
}

func (dev *daq) dial(ctx tdaq.Context) error {
	conn, err := net.Dial("tcp", dev.addr)
	if err != nil {
		return fmt.Errorf("could not dial piod at %q: %w", dev.addr, err)
	}
	dev.conn = conn
	dev.rbuf = bufio.NewReader(conn)
	ctx.Msg.Infof("connected to piod at %q", dev.addr)
	return nil
}

// subscribe issues the monitoring command and consumes its response up
// to the completion marker.
func (dev *daq) subscribe() error {
	_, err := io.WriteString(dev.conn, "cat "+dev.res+"\n")
	if err != nil {
		return fmt.Errorf("could not subscribe to %q: %w", dev.res, err)
	}

	resp, err := dev.rbuf.ReadString(marker)
	if err != nil {
		return fmt.Errorf("could not read subscription response: %w", err)
	}
	resp = strings.TrimRight(resp[:len(resp)-1], "\n")
	if strings.HasPrefix(resp, "error:") {
		return fmt.Errorf("could not subscribe to %q: %s", dev.res, resp)
	}
	return nil
}

func (dev *daq) data(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.updates:
		dst.Body = data
	}
	return nil
}

func (dev *daq) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
			if !dev.started || dev.rbuf == nil {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			line, err := dev.rbuf.ReadBytes('\n')
			if err != nil {
				if dev.started {
					ctx.Msg.Errorf("could not read update: %+v", err)
				}
				dev.started = false
				continue
			}
			select {
			case dev.updates <- line:
			default: // drop rather than stall the daemon
			}
		}
	}
}
