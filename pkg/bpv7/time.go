// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
)

// dtnEpochUnixMs is the Unix timestamp of the DTN epoch, the start of the
// year 2000 (UTC), in milliseconds.
const dtnEpochUnixMs int64 = 946684800000

// DtnTime counts the milliseconds since the start of the year 2000 (UTC), as
// defined in RFC 9171, section 4.2.6. The zero value marks the epoch itself,
// used by nodes without an accurate clock.
type DtnTime uint64

// Time converts this DtnTime into a time.Time (UTC).
func (t DtnTime) Time() time.Time {
	return time.UnixMilli(int64(t) + dtnEpochUnixMs).UTC()
}

// DtnTimeFromTime converts a time.Time into a DtnTime.
func DtnTimeFromTime(t time.Time) DtnTime {
	return DtnTime(t.UnixMilli() - dtnEpochUnixMs)
}

// DtnTimeNow is the current time as a DtnTime.
func DtnTimeNow() DtnTime {
	return DtnTimeFromTime(time.Now())
}

func (t DtnTime) String() string {
	return t.Time().Format("2006-01-02 15:04:05.000")
}

// CreationTimestamp is the pair of a bundle's creation time and a sequence
// number to tell bundles created within the same millisecond apart, as
// defined in RFC 9171, section 4.2.7.
type CreationTimestamp struct {
	Time     DtnTime
	Sequence uint64
}

// NewCreationTimestamp for a creation time and a sequence number.
func NewCreationTimestamp(t DtnTime, sequence uint64) CreationTimestamp {
	return CreationTimestamp{Time: t, Sequence: sequence}
}

// IsEpoch is true if the time part is zero, indicating the lack of an
// accurate clock on the creating node.
func (ct CreationTimestamp) IsEpoch() bool {
	return ct.Time == 0
}

func (ct CreationTimestamp) String() string {
	return fmt.Sprintf("(%v, %d)", ct.Time, ct.Sequence)
}

// MarshalCbor writes this CreationTimestamp as an array of its two numbers.
func (ct *CreationTimestamp) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ct.Time), w); err != nil {
		return err
	}
	return cboring.WriteUInt(ct.Sequence, w)
}

// UnmarshalCbor reads a CreationTimestamp.
func (ct *CreationTimestamp) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("creation timestamp: expected array of length 2, got %d", l)
	}

	if t, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ct.Time = DtnTime(t)
	}

	if seq, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ct.Sequence = seq
	}

	return nil
}
