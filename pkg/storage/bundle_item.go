// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// BundleState describes the processing state of a stored bundle. It
// progresses monotonically from StateAccepted towards one of the terminal
// states StateDelivered, StateExpired or StateFailed; the only allowed step
// backwards is StateForwarding to StateAccepted for another attempt.
type BundleState uint

const (
	// StateAccepted bundles await a route or a local subscriber.
	StateAccepted BundleState = iota

	// StateForwarding bundles are currently handed to a convergence sender.
	StateForwarding

	// StateDelivered bundles reached their destination; terminal.
	StateDelivered

	// StateExpired bundles outlived their lifetime; terminal.
	StateExpired

	// StateFailed bundles were refused by every candidate next hop; terminal.
	StateFailed
)

func (state BundleState) String() string {
	switch state {
	case StateAccepted:
		return "accepted"
	case StateForwarding:
		return "forwarding"
	case StateDelivered:
		return "delivered"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal is true for the final states of a bundle's life.
func (state BundleState) IsTerminal() bool {
	switch state {
	case StateDelivered, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// StoredBundle is one serialized bundle, either a whole one or a fragment.
type StoredBundle struct {
	Data []byte

	FragmentOffset  uint64
	TotalDataLength uint64
}

// Decode the stored bundle.
func (sb StoredBundle) Decode() (bpv7.Bundle, error) {
	return bpv7.ParseBundle(bytes.NewReader(sb.Data))
}

// BundleItem is the store's bookkeeping around one bundle. Fragments of the
// same bundle share one BundleItem, keyed by the whole bundle's ID.
type BundleItem struct {
	Id  string `badgerhold:"key"`
	BId bpv7.BundleID

	// Pending bundles await another forwarding attempt.
	Pending bool      `badgerholdIndex:"Pending"`
	Expires time.Time `badgerholdIndex:"Expires"`

	// Received is the moment this BundleItem was created.
	Received time.Time

	State BundleState

	// Attempts counts failed forwarding attempts, driving the retry backoff.
	Attempts  uint
	NextRetry time.Time

	// ForwardedTo lists the node IDs of peers which acknowledged a complete
	// transfer of this bundle.
	ForwardedTo []bpv7.EndpointID

	Fragmented bool
	Fragments  []StoredBundle
}

// newBundleItem wraps a bundle for the store.
func newBundleItem(b bpv7.Bundle) (bi BundleItem, err error) {
	buff := new(bytes.Buffer)
	if err = b.WriteBundle(buff); err != nil {
		return
	}

	bid := b.ID()

	bi = BundleItem{
		Id:  bid.Whole().String(),
		BId: bid.Whole(),

		Expires:  expirationDate(b),
		Received: time.Now(),

		State: StateAccepted,

		Fragmented: b.PrimaryBlock.IsFragment(),

		Fragments: []StoredBundle{{
			Data:            buff.Bytes(),
			FragmentOffset:  bid.FragmentOffset,
			TotalDataLength: bid.TotalDataLength,
		}},
	}
	return
}

// expirationDate of a bundle, derived from its bundle age block for bundles
// without an accurate creation time.
func expirationDate(b bpv7.Bundle) time.Time {
	if bab, err := b.ExtensionBlock(bpv7.BlockTypeBundleAge); err == nil {
		age := bab.Value.(*bpv7.BundleAgeBlock).Milliseconds
		if age >= b.PrimaryBlock.Lifetime {
			return time.Now()
		}
		return time.Now().Add(time.Duration(b.PrimaryBlock.Lifetime-age) * time.Millisecond)
	}

	return b.ExpirationTime()
}

// IsForwardedTo checks if a peer's node ID is in the ForwardedTo set.
func (bi BundleItem) IsForwardedTo(peer bpv7.EndpointID) bool {
	for _, eid := range bi.ForwardedTo {
		if eid == peer {
			return true
		}
	}
	return false
}

// AdvanceState progresses the bundle's state. An error is returned for
// movements backwards or away from a terminal state.
func (bi *BundleItem) AdvanceState(state BundleState) error {
	switch {
	case bi.State == state:
		return nil

	case bi.State.IsTerminal():
		return fmt.Errorf("bundle %s is already %v, refusing %v", bi.Id, bi.State, state)

	case state < bi.State && !(bi.State == StateForwarding && state == StateAccepted):
		return fmt.Errorf("bundle %s cannot move from %v back to %v", bi.Id, bi.State, state)

	default:
		bi.State = state
		return nil
	}
}

// decodeFragments decodes every stored bundle of this item.
func (bi BundleItem) decodeFragments() (bundles []bpv7.Bundle, err error) {
	bundles = make([]bpv7.Bundle, len(bi.Fragments))
	for i, sb := range bi.Fragments {
		if bundles[i], err = sb.Decode(); err != nil {
			return
		}
	}
	return
}

// Complete is true if this item holds a whole bundle, either directly or
// through a gapless set of fragments.
func (bi BundleItem) Complete() bool {
	if !bi.Fragmented {
		return true
	}

	bundles, err := bi.decodeFragments()
	return err == nil && bpv7.IsBundleReassemblable(bundles)
}

// Bundle reassembles this item's whole bundle.
func (bi BundleItem) Bundle() (b bpv7.Bundle, err error) {
	var bundles []bpv7.Bundle
	if bundles, err = bi.decodeFragments(); err == nil {
		b, err = bpv7.ReassembleFragments(bundles)
	}
	return
}
