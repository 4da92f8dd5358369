// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package i2cbus implements a peripheral module bridging the resource
// protocol to an SMBus/I2C adapter: clients select a device address and
// register, then read or write single register values.
package i2cbus // import "github.com/fpio/piod/modules/i2cbus"

import (
	"fmt"
	"strconv"

	"github.com/go-daq/smbus"

	"github.com/fpio/piod/periph"
)

// Name is the module's registered load name.
const Name = "i2cbus"

// DefaultBus is the adapter opened at load time; /dev/i2c-1 on the
// usual embedded targets.
const DefaultBus = 1

func init() {
	periph.Register(Name, func() periph.Module { return &Module{} })
}

// Conn is the slice of the smbus connection the module drives.
type Conn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	Close() error
}

// smbusOpen opens the i-th SMBus adapter. Tests swap it for a fake.
var smbusOpen = func(bus int, addr uint8) (Conn, error) {
	return smbus.Open(bus, addr)
}

// Module is the i2cbus peripheral.
type Module struct {
	conn Conn
	bus  int
	addr uint8
	reg  uint8
}

func (m *Module) Init(slot *periph.Slot) error {
	m.bus = DefaultBus

	conn, err := smbusOpen(m.bus, m.addr)
	if err != nil {
		return fmt.Errorf("i2cbus: could not open smbus adapter %d: %w", m.bus, err)
	}
	m.conn = conn

	slot.Name = Name
	slot.Desc = "smbus/i2c register bridge"
	slot.Help = `i2cbus - smbus/i2c register bridge

select a target with addr and reg, then read or write val.

resources:
  addr  7-bit device address (get, set)
  reg   register index (get, set)
  val   register value at addr/reg (get, set)`

	for _, res := range []struct {
		name string
		h    periph.Handler
	}{
		{"addr", m.onAddr},
		{"reg", m.onReg},
		{"val", m.onVal},
	} {
		if _, err := slot.AddResource(res.name, periph.Readable|periph.Writable, res.h); err != nil {
			return err
		}
	}
	return nil
}

// parseByte accepts decimal or 0x-prefixed hexadecimal register and
// address values.
func parseByte(value string) (uint8, error) {
	v, err := strconv.ParseUint(value, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("malformed value %q", value)
	}
	return uint8(v), nil
}

func (m *Module) onAddr(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Write {
		v, err := parseByte(value)
		if err != nil {
			return 0, err
		}
		if v > 0x7f {
			return 0, fmt.Errorf("address 0x%x out of 7-bit range", v)
		}
		m.addr = v
		return 0, nil
	}
	return copy(out, fmt.Sprintf("0x%02x", m.addr)), nil
}

func (m *Module) onReg(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Write {
		v, err := parseByte(value)
		if err != nil {
			return 0, err
		}
		m.reg = v
		return 0, nil
	}
	return copy(out, fmt.Sprintf("0x%02x", m.reg)), nil
}

func (m *Module) onVal(verb periph.Verb, res int, value string, sid periph.SessionID, out []byte) (int, error) {
	if verb == periph.Write {
		v, err := parseByte(value)
		if err != nil {
			return 0, err
		}
		err = m.conn.WriteReg(m.addr, m.reg, v)
		if err != nil {
			return 0, fmt.Errorf("could not write 0x%02x to dev=0x%02x reg=0x%02x: %v", v, m.addr, m.reg, err)
		}
		return 0, nil
	}

	v, err := m.conn.ReadReg(m.addr, m.reg)
	if err != nil {
		return 0, fmt.Errorf("could not read dev=0x%02x reg=0x%02x: %v", m.addr, m.reg, err)
	}
	return copy(out, fmt.Sprintf("0x%02x", v)), nil
}
