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

// dtnVersion is the bundle protocol version implemented here.
const dtnVersion uint64 = 7

// primaryBlockMaxLen caps a serialized primary block; larger blocks are
// rejected as malformed.
const primaryBlockMaxLen = 65536

// PrimaryBlock leads every bundle, RFC 9171, section 4.3.1. FragmentOffset
// and TotalDataLength are only meaningful if the IsFragment flag is set; the
// checksum is computed on serialization and verified on parsing, but not
// stored.
type PrimaryBlock struct {
	Version         uint64
	Flags           BundleControlFlags
	CRCType         CRCType
	Destination     EndpointID
	Source          EndpointID
	ReportTo        EndpointID
	Timestamp       CreationTimestamp
	Lifetime        uint64
	FragmentOffset  uint64
	TotalDataLength uint64
}

// IsFragment is true if this bundle is a fragment.
func (pb PrimaryBlock) IsFragment() bool {
	return pb.Flags.Has(IsFragment)
}

// elements of the encoded CBOR array: eight fixed fields, optionally two
// fragment fields and optionally a checksum.
func (pb PrimaryBlock) elements() uint64 {
	n := uint64(8)
	if pb.IsFragment() {
		n += 2
	}
	if pb.CRCType != CRCNo {
		n += 1
	}
	return n
}

// MarshalCbor writes this primary block.
func (pb *PrimaryBlock) MarshalCbor(w io.Writer) error {
	tracker := &crcTracker{}
	out := io.MultiWriter(w, tracker)

	if err := cboring.WriteArrayLength(pb.elements(), out); err != nil {
		return err
	}

	for _, n := range []uint64{dtnVersion, uint64(pb.Flags), uint64(pb.CRCType)} {
		if err := cboring.WriteUInt(n, out); err != nil {
			return err
		}
	}

	for _, eid := range []*EndpointID{&pb.Destination, &pb.Source, &pb.ReportTo} {
		if err := eid.MarshalCbor(out); err != nil {
			return err
		}
	}

	if err := pb.Timestamp.MarshalCbor(out); err != nil {
		return err
	}

	if err := cboring.WriteUInt(pb.Lifetime, out); err != nil {
		return err
	}

	if pb.IsFragment() {
		for _, n := range []uint64{pb.FragmentOffset, pb.TotalDataLength} {
			if err := cboring.WriteUInt(n, out); err != nil {
				return err
			}
		}
	}

	if pb.CRCType != CRCNo {
		sum, err := tracker.Sum(pb.CRCType)
		if err != nil {
			return err
		}
		return cboring.WriteByteString(sum, w)
	}

	return nil
}

// UnmarshalCbor parses a primary block and verifies its checksum, if one is
// present.
func (pb *PrimaryBlock) UnmarshalCbor(r io.Reader) error {
	r = io.LimitReader(r, primaryBlockMaxLen)

	tracker := &crcTracker{}
	in := io.TeeReader(r, tracker)

	elements, err := cboring.ReadArrayLength(in)
	if err != nil {
		return err
	}
	if elements < 8 || elements > 11 {
		return fmt.Errorf("primary block: expected array of 8 to 11 elements, got %d", elements)
	}

	if pb.Version, err = cboring.ReadUInt(in); err != nil {
		return err
	} else if pb.Version != dtnVersion {
		return fmt.Errorf("primary block: version %d instead of %d", pb.Version, dtnVersion)
	}

	if n, err := cboring.ReadUInt(in); err != nil {
		return err
	} else {
		pb.Flags = BundleControlFlags(n)
	}

	if n, err := cboring.ReadUInt(in); err != nil {
		return err
	} else {
		pb.CRCType = CRCType(n)
	}

	for _, eid := range []*EndpointID{&pb.Destination, &pb.Source, &pb.ReportTo} {
		if err := eid.UnmarshalCbor(in); err != nil {
			return err
		}
	}

	if err := pb.Timestamp.UnmarshalCbor(in); err != nil {
		return err
	}

	if pb.Lifetime, err = cboring.ReadUInt(in); err != nil {
		return err
	}

	hasFragmentFields := elements == 10 || elements == 11
	if hasFragmentFields != pb.IsFragment() {
		return fmt.Errorf("primary block: fragment fields do not match the fragment flag")
	}
	if hasFragmentFields {
		for _, field := range []*uint64{&pb.FragmentOffset, &pb.TotalDataLength} {
			if *field, err = cboring.ReadUInt(in); err != nil {
				return err
			}
		}
	}

	hasChecksum := elements == 9 || elements == 11
	if hasChecksum != (pb.CRCType != CRCNo) {
		return fmt.Errorf("primary block: checksum field does not match CRC type %v", pb.CRCType)
	}
	if hasChecksum {
		expected, sumErr := tracker.Sum(pb.CRCType)
		if sumErr != nil {
			return sumErr
		}

		sum, readErr := cboring.ReadByteString(r)
		if readErr != nil {
			return readErr
		}

		if !bytes.Equal(sum, expected) {
			return fmt.Errorf("primary block: checksum %x does not match %x", sum, expected)
		}
	}

	return nil
}

// CheckValid returns an error for incorrect data.
func (pb PrimaryBlock) CheckValid() (errs error) {
	if pb.Version != dtnVersion {
		errs = multierror.Append(errs,
			fmt.Errorf("primary block: version %d instead of %d", pb.Version, dtnVersion))
	}

	if err := pb.Flags.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	for _, eid := range []EndpointID{pb.Destination, pb.Source, pb.ReportTo} {
		if err := eid.CheckValid(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	// An anonymous bundle must not be fragmented and must not request status
	// reports, RFC 9171, section 4.2.3.
	if pb.Source.IsNone() {
		if !pb.Flags.Has(NoFragmentation) || pb.Flags&statusRequestAll != 0 {
			errs = multierror.Append(errs, fmt.Errorf(
				"primary block: anonymous bundle allows fragmentation or requests status reports"))
		}
	}

	return
}

func (pb PrimaryBlock) String() string {
	s := fmt.Sprintf("PrimaryBlock(%v -> %v, %v, lifetime %d ms",
		pb.Source, pb.Destination, pb.Timestamp, pb.Lifetime)
	if pb.IsFragment() {
		s += fmt.Sprintf(", fragment %d/%d", pb.FragmentOffset, pb.TotalDataLength)
	}
	return s + ")"
}
