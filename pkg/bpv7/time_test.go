// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"testing"
	"time"
)

func TestDtnTimeConversion(t *testing.T) {
	tm := time.Date(2022, 2, 2, 13, 37, 0, 0, time.UTC)

	dtnTm := DtnTimeFromTime(tm)
	if back := dtnTm.Time(); !back.Equal(tm) {
		t.Fatalf("%v != %v", back, tm)
	}

	if epoch := DtnTime(0).Time(); !epoch.Equal(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("epoch is %v", epoch)
	}
}

func TestCreationTimestampCbor(t *testing.T) {
	ct := NewCreationTimestamp(23, 42)

	buff := new(bytes.Buffer)
	if err := ct.MarshalCbor(buff); err != nil {
		t.Fatal(err)
	}

	var ct2 CreationTimestamp
	if err := ct2.UnmarshalCbor(buff); err != nil {
		t.Fatal(err)
	}

	if ct != ct2 {
		t.Fatalf("%v != %v", ct, ct2)
	}
	if ct2.Time != 23 || ct2.Sequence != 42 {
		t.Fatalf("wrong fields: %v", ct2)
	}
	if ct2.IsEpoch() {
		t.Fatal("timestamp 23 reported as epoch")
	}
	if !NewCreationTimestamp(0, 1).IsEpoch() {
		t.Fatal("epoch timestamp not reported as epoch")
	}
}
