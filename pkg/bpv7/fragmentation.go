// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/dtn7/cboring"
)

// Fragment splits a Bundle such that each serialized fragment fits into mtu
// bytes. A Bundle which already fits is returned as is.
//
// The first fragment carries all extension blocks; the other fragments only
// those whose control flags demand replication.
func (b *Bundle) Fragment(mtu int) (fragments []Bundle, err error) {
	if b.PrimaryBlock.Flags.Has(NoFragmentation) {
		err = fmt.Errorf("bundle control flags forbid fragmentation")
		return
	}

	whole := new(bytes.Buffer)
	if err = b.WriteBundle(whole); err != nil {
		return
	}
	if whole.Len() <= mtu {
		fragments = []Bundle{*b}
		return
	}

	payload := b.Payload()

	capacityFirst, err := b.fragmentCapacity(mtu, true)
	if err != nil {
		return
	}
	capacityRest, err := b.fragmentCapacity(mtu, false)
	if err != nil {
		return
	}

	for offset := 0; offset < len(payload); {
		capacity := capacityRest
		if offset == 0 {
			capacity = capacityFirst
		}

		end := offset + capacity
		if end > len(payload) {
			end = len(payload)
		}

		frag := b.fragmentAt(offset, end, offset == 0)
		if err = frag.CheckValid(); err != nil {
			err = fmt.Errorf("fragment at offset %d is invalid: %w", offset, err)
			return
		}

		fragments = append(fragments, frag)
		offset = end
	}

	return
}

// fragmentCapacity calculates how many payload bytes fit into one fragment:
// the mtu minus a fragment's fixed overhead.
func (b *Bundle) fragmentCapacity(mtu int, first bool) (int, error) {
	// A skeleton fragment with an empty payload, its fragment fields set to
	// the worst-case encoding width.
	skeleton := b.fragmentAt(0, 0, first)
	skeleton.PrimaryBlock.FragmentOffset = uint64(len(b.Payload()))
	skeleton.PrimaryBlock.TotalDataLength = uint64(len(b.Payload()))

	buff := new(bytes.Buffer)
	if err := skeleton.WriteBundle(buff); err != nil {
		return 0, err
	}
	overhead := buff.Len()

	// The empty payload's one byte string header grows with the chunk size.
	buff.Reset()
	if err := cboring.WriteByteStringLen(uint64(mtu), buff); err != nil {
		return 0, err
	}
	overhead += buff.Len() - 1

	capacity := mtu - overhead
	if capacity <= 0 {
		return 0, fmt.Errorf("fragment overhead of %d bytes exceeds the MTU of %d", overhead, mtu)
	}
	return capacity, nil
}

// fragmentAt builds the fragment for a payload range.
func (b *Bundle) fragmentAt(offset, end int, first bool) Bundle {
	primary := b.PrimaryBlock
	primary.Flags |= IsFragment
	primary.FragmentOffset = uint64(offset)
	primary.TotalDataLength = uint64(len(b.Payload()))

	frag := Bundle{
		PrimaryBlock: primary,
		PayloadBlock: CanonicalBlock{
			BlockNumber: 1,
			Flags:       b.PayloadBlock.Flags,
			CRCType:     b.PayloadBlock.CRCType,
			Value:       NewPayloadBlock(b.Payload()[offset:end]),
		},
	}

	for _, cb := range b.ExtensionBlocks {
		if first || cb.Flags.Has(ReplicateInFragments) {
			_ = frag.AddExtensionBlock(cb)
		}
	}

	return frag
}

// sortFragments orders the fragments by their offset and checks that they
// cover the whole payload without gaps.
func sortFragments(fragments []Bundle) error {
	if len(fragments) == 0 {
		return fmt.Errorf("no fragments given")
	}

	sort.Slice(fragments, func(i, j int) bool {
		return fragments[i].PrimaryBlock.FragmentOffset < fragments[j].PrimaryBlock.FragmentOffset
	})

	total := fragments[0].PrimaryBlock.TotalDataLength
	covered := uint64(0)

	for i := range fragments {
		pb := &fragments[i].PrimaryBlock

		if !pb.IsFragment() {
			return fmt.Errorf("bundle %v is not a fragment", fragments[i].ID())
		}
		if pb.TotalDataLength != total {
			return fmt.Errorf("fragments disagree on the total length: %d != %d",
				pb.TotalDataLength, total)
		}

		if pb.FragmentOffset > covered {
			return fmt.Errorf("fragments leave a gap between offsets %d and %d",
				covered, pb.FragmentOffset)
		}

		if end := pb.FragmentOffset + uint64(len(fragments[i].Payload())); end > covered {
			covered = end
		}
	}

	if covered != total {
		return fmt.Errorf("fragments cover %d of %d bytes", covered, total)
	}
	return nil
}

// IsBundleReassemblable checks if the given fragments form a complete
// bundle. The slice might get sorted as a side effect.
func IsBundleReassemblable(fragments []Bundle) bool {
	return sortFragments(fragments) == nil
}

// ReassembleFragments merges fragments back into the original Bundle. A
// slice holding a single unfragmented Bundle is passed through.
func ReassembleFragments(fragments []Bundle) (b Bundle, err error) {
	if len(fragments) == 1 && !fragments[0].PrimaryBlock.IsFragment() {
		b = fragments[0]
		return
	}

	if err = sortFragments(fragments); err != nil {
		return
	}

	// Concatenate the payload, skipping overlapping ranges.
	payload := make([]byte, 0, fragments[0].PrimaryBlock.TotalDataLength)
	for i := range fragments {
		data := fragments[i].Payload()
		skip := len(payload) - int(fragments[i].PrimaryBlock.FragmentOffset)
		if skip >= len(data) {
			continue
		}
		payload = append(payload, data[skip:]...)
	}

	primary := fragments[0].PrimaryBlock
	primary.Flags &^= IsFragment
	primary.FragmentOffset = 0
	primary.TotalDataLength = 0

	whole := Bundle{
		PrimaryBlock: primary,
		PayloadBlock: CanonicalBlock{
			BlockNumber: 1,
			Flags:       fragments[0].PayloadBlock.Flags,
			CRCType:     fragments[0].PayloadBlock.CRCType,
			Value:       NewPayloadBlock(payload),
		},
	}

	for _, cb := range fragments[0].ExtensionBlocks {
		if err = whole.AddExtensionBlock(cb); err != nil {
			return
		}
	}

	if err = whole.CheckValid(); err != nil {
		return
	}

	b = whole
	return
}
