// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"time"
)

// BundleBuilder is a simple framework to create bundles by chaining methods.
//
//	bndl, err := bpv7.Builder().
//		Source("dtn://src/").
//		Destination("dtn://dest/ping").
//		CreationTimestampNow().
//		Lifetime(time.Hour).
//		HopCountBlock(64).
//		PayloadBlock([]byte("hello world!")).
//		Build()
type BundleBuilder struct {
	err error

	primary    PrimaryBlock
	extensions []CanonicalBlock
	payload    CanonicalBlock
	crcType    CRCType
}

// Builder creates a new BundleBuilder.
func Builder() *BundleBuilder {
	return &BundleBuilder{
		primary: PrimaryBlock{
			Version: dtnVersion,
		},
		crcType: CRC32,
	}
}

// Error returns the BundleBuilder's error, if one is present.
func (bldr *BundleBuilder) Error() error {
	return bldr.err
}

// eid parses an endpoint ID from either a string or an EndpointID.
func (bldr *BundleBuilder) eid(eid interface{}) (e EndpointID) {
	if bldr.err != nil {
		return
	}

	switch eid := eid.(type) {
	case EndpointID:
		e = eid
	case string:
		e, bldr.err = NewEndpointID(eid)
	default:
		bldr.err = fmt.Errorf("invalid endpoint type %T", eid)
	}
	return
}

// Source sets the bundle's source, e.g., "dtn://src/".
func (bldr *BundleBuilder) Source(eid interface{}) *BundleBuilder {
	bldr.primary.Source = bldr.eid(eid)
	return bldr
}

// Destination sets the bundle's destination, e.g., "dtn://dest/".
func (bldr *BundleBuilder) Destination(eid interface{}) *BundleBuilder {
	bldr.primary.Destination = bldr.eid(eid)
	return bldr
}

// ReportTo sets the bundle's report-to address, e.g., "dtn://report/".
func (bldr *BundleBuilder) ReportTo(eid interface{}) *BundleBuilder {
	bldr.primary.ReportTo = bldr.eid(eid)
	return bldr
}

// CreationTimestampNow sets the bundle's creation timestamp to the current time.
func (bldr *BundleBuilder) CreationTimestampNow() *BundleBuilder {
	bldr.primary.Timestamp = NewCreationTimestamp(DtnTimeNow(), 0)
	return bldr
}

// CreationTimestampEpoch sets the bundle's creation timestamp to the epoch,
// indicating the lack of an accurate clock. A Bundle Age Block will be added.
func (bldr *BundleBuilder) CreationTimestampEpoch() *BundleBuilder {
	bldr.primary.Timestamp = NewCreationTimestamp(0, 0)
	return bldr.BundleAgeBlock(0)
}

// Lifetime sets the bundle's lifetime.
func (bldr *BundleBuilder) Lifetime(d time.Duration) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}

	if d <= 0 {
		bldr.err = fmt.Errorf("lifetime must be positive, not %v", d)
	} else {
		bldr.primary.Lifetime = uint64(d.Milliseconds())
	}
	return bldr
}

// LifetimeMilliseconds sets the bundle's lifetime in milliseconds.
func (bldr *BundleBuilder) LifetimeMilliseconds(ms uint64) *BundleBuilder {
	return bldr.Lifetime(time.Duration(ms) * time.Millisecond)
}

// BundleCtrlFlags sets the bundle processing control flags.
func (bldr *BundleBuilder) BundleCtrlFlags(flags BundleControlFlags) *BundleBuilder {
	bldr.primary.Flags = flags
	return bldr
}

// CRCType sets the checksum variant for all blocks, defaults to CRC32.
func (bldr *BundleBuilder) CRCType(typ CRCType) *BundleBuilder {
	bldr.crcType = typ
	return bldr
}

// extension queues an extension block; block numbers are assigned in Build.
func (bldr *BundleBuilder) extension(value ExtensionBlock, flags BlockControlFlags) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}

	bldr.extensions = append(bldr.extensions, NewCanonicalBlock(0, flags, value))
	return bldr
}

// BundleAgeBlock adds a Bundle Age Block with the given age in milliseconds.
func (bldr *BundleBuilder) BundleAgeBlock(ms uint64) *BundleBuilder {
	return bldr.extension(NewBundleAgeBlock(ms), ReplicateInFragments)
}

// HopCountBlock adds a Hop Count Block with the given limit.
func (bldr *BundleBuilder) HopCountBlock(limit uint8) *BundleBuilder {
	return bldr.extension(NewHopCountBlock(limit), 0)
}

// PreviousNodeBlock adds a Previous Node Block for the given endpoint.
func (bldr *BundleBuilder) PreviousNodeBlock(eid interface{}) *BundleBuilder {
	return bldr.extension(NewPreviousNodeBlock(bldr.eid(eid)), 0)
}

// PayloadBlock sets the bundle's payload.
func (bldr *BundleBuilder) PayloadBlock(data []byte) *BundleBuilder {
	bldr.payload = NewCanonicalBlock(1, 0, NewPayloadBlock(data))
	return bldr
}

// Build the Bundle and return an error for invalid data.
func (bldr *BundleBuilder) Build() (bndl Bundle, err error) {
	if bldr.err != nil {
		err = bldr.err
		return
	}

	if bldr.payload.Value == nil {
		err = fmt.Errorf("a bundle needs a payload block")
		return
	}

	b := Bundle{
		PrimaryBlock: bldr.primary,
		PayloadBlock: bldr.payload,
	}
	if b.PrimaryBlock.ReportTo.IsNone() {
		b.PrimaryBlock.ReportTo = bldr.primary.Source
	}

	for _, cb := range bldr.extensions {
		if err = b.AddExtensionBlock(cb); err != nil {
			return
		}
	}

	b.SetCRCType(bldr.crcType)

	if err = b.CheckValid(); err != nil {
		return
	}

	bndl = b
	return
}
