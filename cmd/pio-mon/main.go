// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pio-mon watches a broadcastable piod resource and raises a
// mail alert when updates stop flowing.
package main // import "github.com/fpio/piod/cmd/pio-mon"

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		addr    = flag.String("addr", "localhost:7110", "[ip]:port of the piod daemon")
		res     = flag.String("res", "fpgalink distance", "<slot> <resource> to watch")
		timeout = flag.Duration("timeout", 1*time.Minute, "max quiet time before an alert")
	)

	flag.Parse()

	log.SetPrefix("pio-mon: ")
	log.SetFlags(0)

	err := run(*addr, *res, *timeout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

// marker terminates every piod response.
const marker = 0x04

func run(addr, res string, timeout time.Duration) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not dial piod at %q: %w", addr, err)
	}
	defer conn.Close()

	rbuf := bufio.NewReader(conn)
	_, err = io.WriteString(conn, "cat "+res+"\n")
	if err != nil {
		return fmt.Errorf("could not subscribe to %q: %w", res, err)
	}
	resp, err := rbuf.ReadString(marker)
	if err != nil {
		return fmt.Errorf("could not read subscription response: %w", err)
	}
	resp = strings.TrimRight(resp[:len(resp)-1], "\n")
	if strings.HasPrefix(resp, "error:") {
		return fmt.Errorf("could not subscribe to %q: %s", res, resp)
	}
	log.Printf("watching %q on %q...", res, addr)

	mon := monitor{addr: addr, res: res, timeout: timeout}
	grp, ctx := errgroup.WithContext(context.Background())
	updates := make(chan string)

	grp.Go(func() error {
		defer close(updates)
		for {
			line, err := rbuf.ReadString('\n')
			if err != nil {
				return fmt.Errorf("could not read update: %w", err)
			}
			select {
			case updates <- strings.TrimRight(line, "\n"):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	grp.Go(func() error {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case v := <-updates:
				log.Printf("%s", v)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
			case <-timer.C:
				mon.alert()
				timer.Reset(timeout)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return grp.Wait()
}

type monitor struct {
	addr    string
	res     string
	timeout time.Duration
	alerts  int
}

func (mon *monitor) alert() {
	log.Printf("no update for %q in the last %v", mon.res, mon.timeout)
	mon.alerts++

	const maxAlerts = 5
	if mon.alerts < maxAlerts {
		mon.alertMail()
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func (mon *monitor) alertMail() {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[pio-mon] resource alert: %q", mon.res))
	msg.SetBody("text/plain", fmt.Sprintf("daemon: %q\nresource: %q\nquiet for: %v",
		mon.addr, mon.res, mon.timeout,
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
