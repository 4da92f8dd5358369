// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc16 implements the 16-bit cyclic redundancy check used to
// protect piod hardware packets (CRC-16/CCITT-FALSE, poly=0x1021,
// init=0xffff).
package crc16 // import "github.com/fpio/piod/internal/crc16"

import "hash"

const (
	// Size of a CRC-16 checksum in bytes.
	Size = 2

	poly = 0x1021
	init16 = 0xffff
)

// Hash16 is the common interface implemented by all 16-bit hash functions.
type Hash16 interface {
	hash.Hash
	Sum16() uint16
}

var tab = makeTable()

func makeTable() *[256]uint16 {
	var t [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

type digest struct {
	crc uint16
	tab *[256]uint16
}

// New creates a new Hash16 computing the CRC-16 checksum using the
// polynomial represented by tab. A nil tab selects the default
// CCITT-FALSE polynomial.
func New(t *[256]uint16) Hash16 {
	if t == nil {
		t = tab
	}
	return &digest{crc: init16, tab: t}
}

func (d *digest) Size() int      { return Size }
func (d *digest) BlockSize() int { return 1 }
func (d *digest) Reset()         { d.crc = init16 }

func (d *digest) Write(p []byte) (int, error) {
	d.crc = update(d.crc, d.tab, p)
	return len(p), nil
}

func (d *digest) Sum16() uint16 { return d.crc }

func (d *digest) Sum(in []byte) []byte {
	s := d.Sum16()
	return append(in, byte(s>>8), byte(s))
}

func update(crc uint16, tab *[256]uint16, p []byte) uint16 {
	for _, v := range p {
		crc = crc<<8 ^ tab[byte(crc>>8)^v]
	}
	return crc
}

// Checksum returns the CRC-16 checksum of data.
func Checksum(data []byte) uint16 {
	return update(init16, tab, data)
}
