// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command piod runs the peripheral I/O control daemon: it loads the
// requested peripheral modules and serves their resources to TCP
// clients.
package main // import "github.com/fpio/piod/cmd/piod"

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fpio/piod/cfgdb"
	"github.com/fpio/piod/periph"
	"github.com/fpio/piod/reactor"
	"github.com/fpio/piod/server"

	_ "github.com/fpio/piod/modules/fpgalink"
	_ "github.com/fpio/piod/modules/hello"
	_ "github.com/fpio/piod/modules/i2cbus"
)

func main() {
	var (
		addr   = flag.String("addr", ":7110", "[ip]:port to listen on for clients")
		load   = flag.String("load", "", "comma-separated list of modules to load at startup")
		dbname = flag.String("db", "", "name of the configuration database (empty: no db)")
	)

	flag.Parse()

	log.SetPrefix("piod: ")
	log.SetFlags(0)

	run(*addr, *load, *dbname)
}

func run(addr, load, dbname string) {
	msg := log.Default()

	rx, err := reactor.New(msg)
	if err != nil {
		log.Fatalf("could not create reactor: %+v", err)
	}

	reg := periph.NewRegistry(msg)
	srv, err := server.New(addr, rx, reg, msg)
	if err != nil {
		log.Fatalf("could not create server: %+v", err)
	}
	defer srv.Close()

	var db *cfgdb.DB
	if dbname != "" {
		db, err = cfgdb.Open(dbname)
		if err != nil {
			log.Fatalf("could not open configuration db: %+v", err)
		}
		defer db.Close()
	}

	for _, name := range preload(db, load) {
		slot, err := reg.Load(name, srv)
		if err != nil {
			log.Printf("could not load module %q: %+v", name, err)
			continue
		}
		applyDefaults(db, srv, slot)
	}

	// the reactor owns the main goroutine; signals stop it cleanly.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		msg.Printf("shutting down...")
		rx.Stop()
	}()

	err = rx.Run()
	if err != nil {
		log.Fatalf("event loop failed: %+v", err)
	}
}

// preload merges the -load list with the module list recorded in the
// configuration database, db entries first.
func preload(db *cfgdb.DB, load string) []string {
	var names []string
	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mods, err := db.Preload(ctx)
		if err != nil {
			log.Printf("could not retrieve preload list: %+v", err)
		}
		names = append(names, mods...)
	}
	for _, name := range strings.Split(load, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func applyDefaults(db *cfgdb.DB, srv *server.Server, slot *periph.Slot) {
	if db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	defs, err := db.Defaults(ctx, slot.Name)
	if err != nil {
		log.Printf("could not retrieve defaults for %q: %+v", slot.Name, err)
		return
	}
	for _, def := range defs {
		err := srv.ApplyDefault(slot, def.Resource, def.Value)
		if err != nil {
			log.Printf("could not apply default %s.%s=%q: %+v",
				slot.Name, def.Resource, def.Value, err,
			)
		}
	}
}
