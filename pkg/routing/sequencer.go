// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sync"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// sequencer assigns the creation timestamp sequence numbers of locally
// originated bundles, keeping them strictly monotonic per source and
// creation time. One entry per source endpoint is held, so the state cannot
// grow without bounds.
type sequencer struct {
	mutex sync.Mutex
	last  map[string]bpv7.CreationTimestamp
}

func newSequencer() *sequencer {
	return &sequencer{
		last: make(map[string]bpv7.CreationTimestamp),
	}
}

// stamp overwrites the bundle's sequence number, continuing the source's
// sequence if the creation time matches the previous one. A clock jumping
// backwards reuses the newest known creation time to stay monotonic.
func (seq *sequencer) stamp(bndl *bpv7.Bundle) {
	source := bndl.PrimaryBlock.Source.String()
	ts := bndl.PrimaryBlock.Timestamp

	seq.mutex.Lock()
	defer seq.mutex.Unlock()

	last, known := seq.last[source]
	switch {
	case !known || ts.Time > last.Time:
		ts.Sequence = 0

	default:
		ts.Time = last.Time
		ts.Sequence = last.Sequence + 1
	}

	seq.last[source] = ts
	bndl.PrimaryBlock.Timestamp = ts
}
