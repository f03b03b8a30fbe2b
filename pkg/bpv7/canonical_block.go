// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// CanonicalBlock is every block of a bundle next to the primary block,
// RFC 9171, section 4.3.2. The block's data lives in its Value; the checksum
// is computed on serialization and verified on parsing, but not stored.
type CanonicalBlock struct {
	BlockNumber uint64
	Flags       BlockControlFlags
	CRCType     CRCType
	Value       ExtensionBlock
}

// NewCanonicalBlock for a block number, control flags and an ExtensionBlock.
func NewCanonicalBlock(number uint64, flags BlockControlFlags, value ExtensionBlock) CanonicalBlock {
	return CanonicalBlock{
		BlockNumber: number,
		Flags:       flags,
		Value:       value,
	}
}

// TypeCode of this block's Value.
func (cb CanonicalBlock) TypeCode() uint64 {
	return cb.Value.BlockTypeCode()
}

// MarshalCbor writes this block: an array of the type code, the block
// number, the flags, the CRC type, the data and, unless CRCType is CRCNo,
// the checksum.
func (cb *CanonicalBlock) MarshalCbor(w io.Writer) error {
	elements := uint64(5)
	if cb.CRCType != CRCNo {
		elements = 6
	}

	// The checksum spans all written bytes, recorded on the fly.
	tracker := &crcTracker{}
	out := io.MultiWriter(w, tracker)

	if err := cboring.WriteArrayLength(elements, out); err != nil {
		return err
	}

	for _, n := range []uint64{cb.TypeCode(), cb.BlockNumber, uint64(cb.Flags), uint64(cb.CRCType)} {
		if err := cboring.WriteUInt(n, out); err != nil {
			return err
		}
	}

	if err := writeBlockValue(cb.Value, out); err != nil {
		return fmt.Errorf("serializing %s failed: %w", cb.Value.BlockTypeName(), err)
	}

	if cb.CRCType != CRCNo {
		sum, err := tracker.Sum(cb.CRCType)
		if err != nil {
			return err
		}
		return cboring.WriteByteString(sum, w)
	}

	return nil
}

// UnmarshalCbor parses a block and verifies its checksum, if one is present.
func (cb *CanonicalBlock) UnmarshalCbor(r io.Reader) error {
	// Bytes are recorded for the checksum while being parsed; the array
	// length tells whether a checksum element follows the block data.
	tracker := &crcTracker{}
	in := io.TeeReader(r, tracker)

	elements, err := cboring.ReadArrayLength(in)
	if err != nil {
		return err
	}
	if elements != 5 && elements != 6 {
		return fmt.Errorf("canonical block: expected array of length 5 or 6, got %d", elements)
	}

	var typeCode uint64
	for _, field := range []*uint64{&typeCode, &cb.BlockNumber} {
		if *field, err = cboring.ReadUInt(in); err != nil {
			return err
		}
	}

	if n, err := cboring.ReadUInt(in); err != nil {
		return err
	} else {
		cb.Flags = BlockControlFlags(n)
	}

	if n, err := cboring.ReadUInt(in); err != nil {
		return err
	} else {
		cb.CRCType = CRCType(n)
	}

	if cb.Value, err = readBlockValue(typeCode, in); err != nil {
		return fmt.Errorf("parsing block type %d failed: %w", typeCode, err)
	}

	if elements == 6 {
		expected, sumErr := tracker.Sum(cb.CRCType)
		if sumErr != nil {
			return sumErr
		}

		sum, readErr := cboring.ReadByteString(r)
		if readErr != nil {
			return readErr
		}

		if !bytes.Equal(sum, expected) {
			return fmt.Errorf("canonical block: checksum %x does not match %x", sum, expected)
		}
	} else if cb.CRCType != CRCNo {
		return fmt.Errorf("canonical block: CRC type %v without a checksum field", cb.CRCType)
	}

	return nil
}

// CheckValid returns an error for incorrect data.
func (cb CanonicalBlock) CheckValid() (errs error) {
	if cb.Value == nil {
		return fmt.Errorf("canonical block misses its value")
	}

	if err := cb.Flags.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := cb.Value.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if cb.TypeCode() == BlockTypePayload && cb.BlockNumber != 1 {
		errs = multierror.Append(errs,
			fmt.Errorf("payload block carries block number %d instead of 1", cb.BlockNumber))
	}

	return
}

func (cb CanonicalBlock) String() string {
	return fmt.Sprintf("CanonicalBlock(%s, no %d, flags %v, crc %v)",
		cb.Value.BlockTypeName(), cb.BlockNumber, cb.Flags, cb.CRCType)
}
