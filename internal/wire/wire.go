// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire describes and handles the packets exchanged between piod
// peripheral modules and the FPGA I/O board.
//
// A packet on the wire is laid out as:
//
//	[soh][type][seq][len][payload ...][crc16]
//
// with a CRC-16 trailer computed over everything from the soh marker to
// the last payload byte.
package wire // import "github.com/fpio/piod/internal/wire"

const (
	soh = 0x81 // start-of-packet marker

	// MaxPayload is the largest payload a single packet may carry.
	MaxPayload = 255
)

// Type identifies the kind of a packet.
type Type uint8

const (
	Req Type = 0x01 // read request, host -> board
	Cmd Type = 0x02 // write command, host -> board
	Ack Type = 0x03 // write acknowledgment, board -> host
	Dat Type = 0x04 // read reply, board -> host
	Str Type = 0x05 // unsolicited stream sample, board -> host
)

func (t Type) String() string {
	switch t {
	case Req:
		return "REQ"
	case Cmd:
		return "CMD"
	case Ack:
		return "ACK"
	case Dat:
		return "DAT"
	case Str:
		return "STR"
	}
	return "???"
}

// Packet is one unit of exchange with the board.
type Packet struct {
	Type    Type
	Seq     uint8 // request/reply matching cookie
	Payload []byte
}
