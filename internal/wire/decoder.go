// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fpio/piod/internal/crc16"
)

// ErrCRC is returned when a packet trailer does not match the checksum
// computed over the received bytes.
var ErrCRC = errors.New("wire: inconsistent CRC")

// Decoder reads (and validates) packets from an underlying data source.
// Decoder computes CRC-16 checksums on the fly, while packet bytes are
// being acquired.
type Decoder struct {
	r io.Reader

	buf []byte
	err error
	crc crc16.Hash16
}

// NewDecoder creates a decoder that reads and validates packets from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

func (dec *Decoder) Decode(pkt *Packet) error {
	dec.reset()

	v := dec.readU8()
	if dec.err != nil {
		return fmt.Errorf("wire: could not read packet marker: %w", dec.err)
	}
	if v != soh {
		return fmt.Errorf("wire: invalid packet marker (got=0x%x, want=0x%x)", v, soh)
	}
	dec.crcU8(v)

	hdr := dec.buf[:3]
	dec.read(hdr)
	if dec.err != nil {
		return fmt.Errorf("wire: could not read packet header: %w", dec.err)
	}
	dec.crcw(hdr)

	pkt.Type = Type(hdr[0])
	pkt.Seq = hdr[1]
	n := int(hdr[2])

	switch pkt.Type {
	case Req, Cmd, Ack, Dat, Str:
		// ok.
	default:
		return fmt.Errorf("wire: invalid packet type (got=0x%x)", hdr[0])
	}

	if cap(pkt.Payload) < n {
		pkt.Payload = make([]byte, n)
	}
	pkt.Payload = pkt.Payload[:n]
	dec.read(pkt.Payload)
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) {
			dec.err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("wire: could not read packet payload: %w", dec.err)
	}
	dec.crcw(pkt.Payload)

	var (
		compCRC = dec.crc.Sum16()
		recvCRC = dec.readU16()
	)
	if dec.err != nil {
		return fmt.Errorf("wire: could not read CRC-16 trailer: %w", dec.err)
	}
	if compCRC != recvCRC {
		return fmt.Errorf("%w: recv=0x%04x comp=0x%04x", ErrCRC, recvCRC, compCRC)
	}

	return nil
}

func (dec *Decoder) reset() {
	dec.crc.Reset()
	dec.err = nil
}

func (dec *Decoder) crcw(p []byte) {
	_, _ = dec.crc.Write(p) // can not fail.
}

func (dec *Decoder) crcU8(v uint8) {
	dec.buf[0] = v
	dec.crcw(dec.buf[:1])
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
}

func (dec *Decoder) readU8() uint8 {
	dec.load(1)
	if dec.err != nil {
		return 0
	}
	return dec.buf[0]
}

func (dec *Decoder) readU16() uint16 {
	const n = 2
	dec.load(n)
	if dec.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(dec.buf[:n])
}

func (dec *Decoder) load(n int) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, dec.buf[:n])
}
