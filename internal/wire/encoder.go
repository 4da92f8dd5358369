// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fpio/piod/internal/crc16"
)

// Encoder writes packets to an output stream.
// Encoder computes the CRC-16 checksum on the fly and appends it
// at the end of each packet.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
	crc crc16.Hash16
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

// Encode writes pkt to the stream, computes the corresponding CRC-16
// checksum on the fly and appends it to the stream.
func (enc *Encoder) Encode(pkt *Packet) error {
	if pkt == nil {
		return nil
	}
	if len(pkt.Payload) > MaxPayload {
		return fmt.Errorf("wire: payload too large (got=%d, max=%d)",
			len(pkt.Payload), MaxPayload,
		)
	}

	enc.reset()

	enc.writeU8(soh)
	if enc.err != nil {
		return fmt.Errorf("wire: could not write packet marker: %w", enc.err)
	}

	enc.writeU8(uint8(pkt.Type))
	enc.writeU8(pkt.Seq)
	enc.writeU8(uint8(len(pkt.Payload)))
	enc.write(pkt.Payload)

	crc := enc.crc.Sum16()
	enc.writeU16(crc)

	if enc.err != nil {
		return fmt.Errorf("wire: could not write packet: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) reset() {
	enc.crc.Reset()
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
	_, _ = enc.crc.Write(p) // can not fail.
}

func (enc *Encoder) writeU8(v uint8) {
	const n = 1
	enc.buf[0] = v
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeU16(v uint16) {
	const n = 2
	binary.BigEndian.PutUint16(enc.buf[:n], v)
	if enc.err != nil {
		return
	}
	// the CRC trailer is not part of its own checksum.
	_, enc.err = enc.w.Write(enc.buf[:n])
}
