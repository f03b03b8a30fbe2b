// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/howeyc/crc16"
)

// CRCType selects a block's checksum variant, as specified in RFC 9171,
// section 4.2.1.
type CRCType uint64

const (
	// CRCNo attaches no checksum at all.
	CRCNo CRCType = 0

	// CRC16 is the X-25 CRC-16.
	CRC16 CRCType = 1

	// CRC32 is the Castagnoli CRC-32C.
	CRC32 CRCType = 2
)

func (c CRCType) String() string {
	switch c {
	case CRCNo:
		return "no"
	case CRC16:
		return "16"
	case CRC32:
		return "32"
	default:
		return "unknown"
	}
}

// fieldLength is the width of the encoded checksum in bytes.
func (c CRCType) fieldLength() int {
	switch c {
	case CRC16:
		return 2
	case CRC32:
		return 4
	default:
		return 0
	}
}

var (
	crc16table = crc16.MakeTable(crc16.CCITT)
	crc32table = crc32.MakeTable(crc32.Castagnoli)
)

// crcTracker records a block's bytes while they are serialized or parsed and
// derives the checksum afterwards. It is attached to the byte stream through
// io.MultiWriter or io.TeeReader. As RFC 9171 demands, the checksum covers
// the whole CBOR encoded block with the CRC field itself zero-filled; Sum
// accounts for this trailing placeholder.
type crcTracker struct {
	buff bytes.Buffer
}

// Write records the passing block bytes; always successful.
func (t *crcTracker) Write(p []byte) (int, error) {
	return t.buff.Write(p)
}

// Sum calculates the big-endian checksum of the recorded bytes for the given
// CRCType, extended by a zero-filled CRC field. The returned bytes are the
// content of the block's trailing CBOR byte string.
func (t *crcTracker) Sum(typ CRCType) ([]byte, error) {
	length := typ.fieldLength()

	// CBOR byte string header for two or four bytes, followed by zeros.
	placeholder := make([]byte, 1+length)
	placeholder[0] = 0x40 | byte(length)

	data := append(t.buff.Bytes(), placeholder...)

	field := placeholder[1:]
	switch typ {
	case CRC16:
		binary.BigEndian.PutUint16(field, crc16.Checksum(data, crc16table))
	case CRC32:
		binary.BigEndian.PutUint32(field, crc32.Checksum(data, crc32table))
	default:
		return nil, fmt.Errorf("CRCType %d has no checksum", typ)
	}

	return field, nil
}
