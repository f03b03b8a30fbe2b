// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// Bundle is the store-and-forward unit of the bundle protocol, RFC 9171,
// section 4.3: one primary block, zero or more extension blocks and exactly
// one payload block, which is always the last block on the wire.
type Bundle struct {
	PrimaryBlock    PrimaryBlock
	ExtensionBlocks []CanonicalBlock
	PayloadBlock    CanonicalBlock
}

// BundleID names a bundle by its source, creation timestamp and, for
// fragments, the payload range. It is unique within the lifetime window.
type BundleID struct {
	Source    EndpointID
	Timestamp CreationTimestamp

	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64
}

// Whole is the ID of the unfragmented bundle, shared by all its fragments.
func (bid BundleID) Whole() BundleID {
	return BundleID{
		Source:    bid.Source,
		Timestamp: bid.Timestamp,
	}
}

func (bid BundleID) String() string {
	s := fmt.Sprintf("%v-%d-%d", bid.Source, bid.Timestamp.Time, bid.Timestamp.Sequence)
	if bid.IsFragment {
		s += fmt.Sprintf("-%d-%d", bid.FragmentOffset, bid.TotalDataLength)
	}
	return s
}

// ID of this Bundle.
func (b Bundle) ID() BundleID {
	return BundleID{
		Source:    b.PrimaryBlock.Source,
		Timestamp: b.PrimaryBlock.Timestamp,

		IsFragment:      b.PrimaryBlock.IsFragment(),
		FragmentOffset:  b.PrimaryBlock.FragmentOffset,
		TotalDataLength: b.PrimaryBlock.TotalDataLength,
	}
}

func (b Bundle) String() string {
	return b.ID().String()
}

// ParseBundle reads a CBOR encoded Bundle from a Reader.
func ParseBundle(r io.Reader) (b Bundle, err error) {
	err = cboring.Unmarshal(&b, r)
	return
}

// WriteBundle writes this Bundle CBOR encoded into a Writer.
func (b *Bundle) WriteBundle(w io.Writer) error {
	return cboring.Marshal(b, w)
}

// Payload is the application data of this Bundle's payload block.
func (b *Bundle) Payload() []byte {
	if pb, ok := b.PayloadBlock.Value.(*PayloadBlock); ok {
		return pb.Data()
	}
	return nil
}

// ExtensionBlock returns the extension block for a block type code, or an
// error if no such block exists.
func (b *Bundle) ExtensionBlock(typeCode uint64) (*CanonicalBlock, error) {
	for i := range b.ExtensionBlocks {
		if b.ExtensionBlocks[i].TypeCode() == typeCode {
			return &b.ExtensionBlocks[i], nil
		}
	}
	return nil, fmt.Errorf("bundle has no block with type code %d", typeCode)
}

// HasExtensionBlock checks for an extension block with this block type code.
func (b *Bundle) HasExtensionBlock(typeCode uint64) bool {
	_, err := b.ExtensionBlock(typeCode)
	return err == nil
}

// nextBlockNumber is the smallest unused block number greater than one; the
// number one belongs to the payload block.
func (b *Bundle) nextBlockNumber() uint64 {
	number := uint64(2)
	for {
		taken := false
		for i := range b.ExtensionBlocks {
			if b.ExtensionBlocks[i].BlockNumber == number {
				taken = true
				break
			}
		}

		if !taken {
			return number
		}
		number++
	}
}

// AddExtensionBlock attaches a block to this Bundle, overwriting its block
// number. At most one block per type code is allowed.
func (b *Bundle) AddExtensionBlock(block CanonicalBlock) error {
	if b.HasExtensionBlock(block.TypeCode()) {
		return fmt.Errorf("bundle already has a block with type code %d", block.TypeCode())
	}

	block.BlockNumber = b.nextBlockNumber()

	b.ExtensionBlocks = append(b.ExtensionBlocks, block)
	b.sortBlocks()
	return nil
}

// RemoveExtensionBlock detaches the block with this block type code, if any.
func (b *Bundle) RemoveExtensionBlock(typeCode uint64) {
	for i := range b.ExtensionBlocks {
		if b.ExtensionBlocks[i].TypeCode() == typeCode {
			b.ExtensionBlocks = append(b.ExtensionBlocks[:i], b.ExtensionBlocks[i+1:]...)
			return
		}
	}
}

// sortBlocks orders the extension blocks by their block number. The payload
// block is not affected; it is serialized last anyhow.
func (b *Bundle) sortBlocks() {
	sort.Slice(b.ExtensionBlocks, func(i, j int) bool {
		return b.ExtensionBlocks[i].BlockNumber < b.ExtensionBlocks[j].BlockNumber
	})
}

// SetCRCType selects the checksum variant for every block.
func (b *Bundle) SetCRCType(typ CRCType) {
	// A primary block without an integrity protecting extension must carry a
	// checksum.
	if typ == CRCNo {
		b.PrimaryBlock.CRCType = CRC32
	} else {
		b.PrimaryBlock.CRCType = typ
	}

	for i := range b.ExtensionBlocks {
		b.ExtensionBlocks[i].CRCType = typ
	}
	b.PayloadBlock.CRCType = typ
}

// ExpirationTime is the moment this Bundle's lifetime runs out.
func (b *Bundle) ExpirationTime() time.Time {
	return b.PrimaryBlock.Timestamp.Time.Time().Add(
		time.Duration(b.PrimaryBlock.Lifetime) * time.Millisecond)
}

// IsLifetimeExceeded checks the lifetime against the creation timestamp or,
// for bundles created without an accurate clock, the bundle age block.
func (b *Bundle) IsLifetimeExceeded() bool {
	if b.PrimaryBlock.Timestamp.IsEpoch() {
		bab, err := b.ExtensionBlock(BlockTypeBundleAge)
		if err != nil {
			return true
		}
		return bab.Value.(*BundleAgeBlock).Milliseconds > b.PrimaryBlock.Lifetime
	}

	return time.Now().After(b.ExpirationTime())
}

// CheckValid returns an error for incorrect data.
func (b *Bundle) CheckValid() (errs error) {
	if err := b.PrimaryBlock.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if b.PayloadBlock.Value == nil || b.PayloadBlock.TypeCode() != BlockTypePayload {
		errs = multierror.Append(errs, fmt.Errorf("bundle misses its payload block"))
	} else if err := b.PayloadBlock.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	numbers := map[uint64]bool{}
	typeCodes := map[uint64]bool{}

	for i := range b.ExtensionBlocks {
		cb := &b.ExtensionBlocks[i]

		if err := cb.CheckValid(); err != nil {
			errs = multierror.Append(errs, err)
		}

		if numbers[cb.BlockNumber] {
			errs = multierror.Append(errs,
				fmt.Errorf("block number %d occurs multiple times", cb.BlockNumber))
		}
		numbers[cb.BlockNumber] = true

		if typeCodes[cb.TypeCode()] {
			errs = multierror.Append(errs,
				fmt.Errorf("block type code %d occurs multiple times", cb.TypeCode()))
		}
		typeCodes[cb.TypeCode()] = true
	}

	// Epoch timestamps demand a bundle age block, RFC 9171, section 4.2.7.
	if b.PrimaryBlock.Timestamp.IsEpoch() && !b.HasExtensionBlock(BlockTypeBundleAge) {
		errs = multierror.Append(errs,
			fmt.Errorf("creation timestamp is the epoch, but no bundle age block exists"))
	}

	if b.IsLifetimeExceeded() {
		errs = multierror.Append(errs, fmt.Errorf("bundle lifetime is exceeded"))
	}

	return
}

// IsAdministrativeRecord is true if the payload is an administrative record.
func (b *Bundle) IsAdministrativeRecord() bool {
	return b.PrimaryBlock.Flags.Has(AdministrativePayload)
}

// MarshalCbor writes this Bundle: a CBOR indefinite-length array of the
// primary block and the canonical blocks, payload block last, closed by the
// "break" code.
func (b *Bundle) MarshalCbor(w io.Writer) error {
	if _, err := w.Write([]byte{cboring.IndefiniteArray}); err != nil {
		return err
	}

	if err := b.PrimaryBlock.MarshalCbor(w); err != nil {
		return fmt.Errorf("serializing primary block failed: %w", err)
	}

	for i := range b.ExtensionBlocks {
		if err := b.ExtensionBlocks[i].MarshalCbor(w); err != nil {
			return fmt.Errorf("serializing block %d failed: %w", b.ExtensionBlocks[i].BlockNumber, err)
		}
	}

	if err := b.PayloadBlock.MarshalCbor(w); err != nil {
		return fmt.Errorf("serializing payload block failed: %w", err)
	}

	if _, err := w.Write([]byte{cboring.BreakCode}); err != nil {
		return err
	}

	return nil
}

// UnmarshalCbor parses a Bundle and checks its validity.
func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	if err := cboring.ReadExpect(cboring.IndefiniteArray, r); err != nil {
		return err
	}

	if err := b.PrimaryBlock.UnmarshalCbor(r); err != nil {
		return fmt.Errorf("parsing primary block failed: %w", err)
	}

	b.ExtensionBlocks = nil
	for {
		var cb CanonicalBlock

		err := cb.UnmarshalCbor(r)
		if err == cboring.FlagBreakCode {
			break
		} else if err != nil {
			return fmt.Errorf("parsing canonical block failed: %w", err)
		}

		if cb.TypeCode() == BlockTypePayload {
			b.PayloadBlock = cb
		} else {
			b.ExtensionBlocks = append(b.ExtensionBlocks, cb)
		}
	}

	return b.CheckValid()
}
