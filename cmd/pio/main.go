// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pio is an interactive line-editing client for a running piod
// daemon.
package main // import "github.com/fpio/piod/cmd/pio"

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
)

func main() {
	var (
		addr = flag.String("addr", "localhost:7110", "[ip]:port of the piod daemon")
	)

	flag.Parse()

	log.SetPrefix("pio: ")
	log.SetFlags(0)

	cli, err := newClient(*addr)
	if err != nil {
		log.Fatalf("could not connect to piod: %+v", err)
	}
	defer cli.Close()

	cli.repl()
}

// marker terminates every piod response.
const marker = 0x04

type client struct {
	addr string
	conn net.Conn
	r    *bufio.Reader
	term *liner.State
	hist string
}

func newClient(addr string) (*client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial %q: %w", addr, err)
	}

	term := liner.NewLiner()
	term.SetCtrlCAborts(true)

	cli := &client{
		addr: addr,
		conn: conn,
		r:    bufio.NewReader(conn),
		term: term,
		hist: filepath.Join(os.TempDir(), ".pio_history"),
	}
	if f, err := os.Open(cli.hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	return cli, nil
}

func (cli *client) Close() {
	if f, err := os.Create(cli.hist); err == nil {
		_, _ = cli.term.WriteHistory(f)
		f.Close()
	}
	cli.term.Close()
	cli.conn.Close()
}

func (cli *client) repl() {
	for {
		line, err := cli.term.Prompt("pio> ")
		switch err {
		case nil:
			// ok
		case liner.ErrPromptAborted:
			continue
		case io.EOF:
			fmt.Println()
			return
		default:
			log.Printf("could not read line: %+v", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cli.term.AppendHistory(line)

		switch line {
		case "quit", "exit":
			return
		}

		err = cli.run(line)
		if err != nil {
			log.Printf("could not run %q: %+v", line, err)
			return
		}
	}
}

func (cli *client) run(line string) error {
	_, err := io.WriteString(cli.conn, line+"\n")
	if err != nil {
		return fmt.Errorf("could not send command: %w", err)
	}

	resp, err := cli.response()
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	toks := strings.Fields(line)
	switch {
	case toks[0] == "list" && len(toks) == 1:
		render(resp)
	default:
		os.Stdout.WriteString(resp)
	}

	if toks[0] == "cat" && !strings.HasPrefix(resp, "error:") {
		return cli.stream()
	}
	return nil
}

// response reads until the completion marker and returns everything
// before it.
func (cli *client) response() (string, error) {
	resp, err := cli.r.ReadString(marker)
	if err != nil {
		return "", err
	}
	return resp[:len(resp)-1], nil
}

// stream prints monitored updates until interrupted. There is no
// unsubscribe in the protocol, so the session is reconnected afterwards.
func (cli *client) stream() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := cli.r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return fmt.Errorf("connection closed")
			}
			os.Stdout.WriteString(line)
		case <-sig:
			fmt.Println()
			return cli.reconnect()
		}
	}
}

func (cli *client) reconnect() error {
	cli.conn.Close()
	conn, err := net.Dial("tcp", cli.addr)
	if err != nil {
		return fmt.Errorf("could not redial %q: %w", cli.addr, err)
	}
	cli.conn = conn
	cli.r = bufio.NewReader(conn)
	return nil
}

// render pretty-prints the "list" response: slot lines are
// "<idx> <name> <description>", resource lines are indented
// "<name> <verbs>" pairs.
func render(resp string) {
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Slot", "Resource", "Verbs", "Description"})

	for _, line := range strings.Split(strings.TrimRight(resp, "\n"), "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "  ") {
			toks := strings.Fields(line)
			tw.Append([]string{"", toks[0], strings.Join(toks[1:], " "), ""})
			continue
		}
		toks := strings.SplitN(line, " ", 3)
		if len(toks) < 3 {
			toks = append(toks, "", "")[:3]
		}
		tw.Append([]string{toks[0], "", "", toks[1] + ": " + toks[2]})
	}
	tw.Render()
}
