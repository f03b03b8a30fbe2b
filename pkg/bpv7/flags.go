// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"strings"
)

// BundleControlFlags are the bundle processing control flags of a primary
// block, RFC 9171, section 4.2.3.
type BundleControlFlags uint64

const (
	// IsFragment marks a bundle fragment.
	IsFragment BundleControlFlags = 0x000001

	// AdministrativePayload marks an administrative record as payload.
	AdministrativePayload BundleControlFlags = 0x000002

	// NoFragmentation forbids fragmenting this bundle.
	NoFragmentation BundleControlFlags = 0x000004

	// RequestUserApplicationAck asks the receiving application for an
	// acknowledgement.
	RequestUserApplicationAck BundleControlFlags = 0x000020

	// RequestStatusTime asks for a status time in all status reports.
	RequestStatusTime BundleControlFlags = 0x000040

	// StatusRequestReception asks for a bundle reception status report.
	StatusRequestReception BundleControlFlags = 0x004000

	// StatusRequestForward asks for a bundle forwarding status report.
	StatusRequestForward BundleControlFlags = 0x010000

	// StatusRequestDelivery asks for a bundle delivery status report.
	StatusRequestDelivery BundleControlFlags = 0x020000

	// StatusRequestDeletion asks for a bundle deletion status report.
	StatusRequestDeletion BundleControlFlags = 0x040000

	// statusRequestAll masks every status report request flag.
	statusRequestAll = StatusRequestReception | StatusRequestForward |
		StatusRequestDelivery | StatusRequestDeletion

	// bundleFlagsReserved masks all unassigned or reserved bits.
	bundleFlagsReserved BundleControlFlags = ^(IsFragment | AdministrativePayload |
		NoFragmentation | RequestUserApplicationAck | RequestStatusTime | statusRequestAll)
)

// Has is true if all bits of the given flag are set.
func (flags BundleControlFlags) Has(f BundleControlFlags) bool {
	return flags&f == f
}

// CheckValid returns an error for incorrect data.
func (flags BundleControlFlags) CheckValid() error {
	if flags&bundleFlagsReserved != 0 {
		return fmt.Errorf("bundle control flags %#x use reserved bits", uint64(flags))
	}

	if flags.Has(IsFragment) && flags.Has(NoFragmentation) {
		return fmt.Errorf("bundle is a fragment, but must not be fragmented")
	}

	// An administrative record must not request status reports, RFC 9171,
	// section 4.2.3.
	if flags.Has(AdministrativePayload) && flags&statusRequestAll != 0 {
		return fmt.Errorf("administrative record requests status reports")
	}

	return nil
}

func (flags BundleControlFlags) String() string {
	var b strings.Builder

	for _, f := range []struct {
		flag BundleControlFlags
		name string
	}{
		{IsFragment, "IS_FRAGMENT"},
		{AdministrativePayload, "ADMINISTRATIVE_PAYLOAD"},
		{NoFragmentation, "NO_FRAGMENTATION"},
		{RequestUserApplicationAck, "REQUEST_APPLICATION_ACK"},
		{RequestStatusTime, "REQUEST_STATUS_TIME"},
		{StatusRequestReception, "REQUEST_RECEPTION"},
		{StatusRequestForward, "REQUEST_FORWARD"},
		{StatusRequestDelivery, "REQUEST_DELIVERY"},
		{StatusRequestDeletion, "REQUEST_DELETION"},
	} {
		if !flags.Has(f.flag) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.name)
	}

	return b.String()
}

// BlockControlFlags are the block processing control flags of a canonical
// block, RFC 9171, section 4.2.4.
type BlockControlFlags uint64

const (
	// ReplicateInFragments requires this block in every fragment.
	ReplicateInFragments BlockControlFlags = 0x01

	// ReportOnFailure asks for a status report if this block cannot be
	// processed.
	ReportOnFailure BlockControlFlags = 0x02

	// DeleteBundleOnFailure requires bundle deletion if this block cannot be
	// processed.
	DeleteBundleOnFailure BlockControlFlags = 0x04

	// DiscardBlockOnFailure removes this block if it cannot be processed.
	DiscardBlockOnFailure BlockControlFlags = 0x10

	// blockFlagsReserved masks all unassigned or reserved bits.
	blockFlagsReserved BlockControlFlags = ^(ReplicateInFragments | ReportOnFailure |
		DeleteBundleOnFailure | DiscardBlockOnFailure)
)

// Has is true if all bits of the given flag are set.
func (flags BlockControlFlags) Has(f BlockControlFlags) bool {
	return flags&f == f
}

// CheckValid returns an error for incorrect data.
func (flags BlockControlFlags) CheckValid() error {
	if flags&blockFlagsReserved != 0 {
		return fmt.Errorf("block control flags %#x use reserved bits", uint64(flags))
	}
	return nil
}

func (flags BlockControlFlags) String() string {
	var b strings.Builder

	for _, f := range []struct {
		flag BlockControlFlags
		name string
	}{
		{ReplicateInFragments, "REPLICATE_IN_FRAGMENTS"},
		{ReportOnFailure, "REPORT_ON_FAILURE"},
		{DeleteBundleOnFailure, "DELETE_BUNDLE_ON_FAILURE"},
		{DiscardBlockOnFailure, "DISCARD_BLOCK_ON_FAILURE"},
	} {
		if !flags.Has(f.flag) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.name)
	}

	return b.String()
}
