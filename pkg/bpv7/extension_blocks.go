// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// PayloadBlock carries a bundle's application data, RFC 9171, section 4.4.1.
type PayloadBlock struct {
	data []byte
}

// NewPayloadBlock wraps application data in a PayloadBlock.
func NewPayloadBlock(data []byte) *PayloadBlock {
	return &PayloadBlock{data: data}
}

// Data is this block's application data.
func (pb *PayloadBlock) Data() []byte {
	return pb.data
}

// BlockTypeCode is 1 for a PayloadBlock.
func (pb *PayloadBlock) BlockTypeCode() uint64 {
	return BlockTypePayload
}

// BlockTypeName of a PayloadBlock.
func (pb *PayloadBlock) BlockTypeName() string {
	return "Payload Block"
}

// MarshalBinary is the data itself.
func (pb *PayloadBlock) MarshalBinary() ([]byte, error) {
	return pb.data, nil
}

// UnmarshalBinary takes the data as it is.
func (pb *PayloadBlock) UnmarshalBinary(data []byte) error {
	pb.data = data
	return nil
}

// CheckValid returns an error for incorrect data.
func (pb *PayloadBlock) CheckValid() error {
	return nil
}

// PreviousNodeBlock names the node which forwarded this bundle,
// RFC 9171, section 4.4.2.
type PreviousNodeBlock struct {
	Node EndpointID
}

// NewPreviousNodeBlock for a forwarding node.
func NewPreviousNodeBlock(node EndpointID) *PreviousNodeBlock {
	return &PreviousNodeBlock{Node: node}
}

// BlockTypeCode is 6 for a PreviousNodeBlock.
func (pnb *PreviousNodeBlock) BlockTypeCode() uint64 {
	return BlockTypePreviousNode
}

// BlockTypeName of a PreviousNodeBlock.
func (pnb *PreviousNodeBlock) BlockTypeName() string {
	return "Previous Node Block"
}

// MarshalCbor writes the previous node's endpoint.
func (pnb *PreviousNodeBlock) MarshalCbor(w io.Writer) error {
	return pnb.Node.MarshalCbor(w)
}

// UnmarshalCbor reads the previous node's endpoint.
func (pnb *PreviousNodeBlock) UnmarshalCbor(r io.Reader) error {
	return pnb.Node.UnmarshalCbor(r)
}

// CheckValid returns an error for incorrect data.
func (pnb *PreviousNodeBlock) CheckValid() error {
	return pnb.Node.CheckValid()
}

// BundleAgeBlock counts a bundle's age in milliseconds, required for bundles
// created without an accurate clock, RFC 9171, section 4.4.3.
type BundleAgeBlock struct {
	Milliseconds uint64
}

// NewBundleAgeBlock for an age in milliseconds.
func NewBundleAgeBlock(ms uint64) *BundleAgeBlock {
	return &BundleAgeBlock{Milliseconds: ms}
}

// BlockTypeCode is 7 for a BundleAgeBlock.
func (bab *BundleAgeBlock) BlockTypeCode() uint64 {
	return BlockTypeBundleAge
}

// BlockTypeName of a BundleAgeBlock.
func (bab *BundleAgeBlock) BlockTypeName() string {
	return "Bundle Age Block"
}

// MarshalCbor writes the age.
func (bab *BundleAgeBlock) MarshalCbor(w io.Writer) error {
	return cboring.WriteUInt(bab.Milliseconds, w)
}

// UnmarshalCbor reads the age.
func (bab *BundleAgeBlock) UnmarshalCbor(r io.Reader) error {
	ms, err := cboring.ReadUInt(r)
	bab.Milliseconds = ms
	return err
}

// CheckValid returns an error for incorrect data.
func (bab *BundleAgeBlock) CheckValid() error {
	return nil
}

// HopCountBlock bounds the number of nodes a bundle may traverse,
// RFC 9171, section 4.4.4.
type HopCountBlock struct {
	Limit uint8
	Count uint8
}

// NewHopCountBlock with a hop limit and a count of zero.
func NewHopCountBlock(limit uint8) *HopCountBlock {
	return &HopCountBlock{Limit: limit}
}

// BlockTypeCode is 10 for a HopCountBlock.
func (hcb *HopCountBlock) BlockTypeCode() uint64 {
	return BlockTypeHopCount
}

// BlockTypeName of a HopCountBlock.
func (hcb *HopCountBlock) BlockTypeName() string {
	return "Hop Count Block"
}

// Exceeded is true if the hop count passed its limit.
func (hcb *HopCountBlock) Exceeded() bool {
	return hcb.Count > hcb.Limit
}

// Step counts another hop.
func (hcb *HopCountBlock) Step() {
	hcb.Count++
}

// MarshalCbor writes the limit and the count.
func (hcb *HopCountBlock) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(hcb.Limit), w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(hcb.Count), w)
}

// UnmarshalCbor reads the limit and the count.
func (hcb *HopCountBlock) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("hop count: expected array of length 2, got %d", l)
	}

	for _, field := range []*uint8{&hcb.Limit, &hcb.Count} {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		if n > 255 {
			return fmt.Errorf("hop count: field %d does not fit into an octet", n)
		}
		*field = uint8(n)
	}

	return nil
}

// CheckValid returns an error for incorrect data.
func (hcb *HopCountBlock) CheckValid() error {
	if hcb.Exceeded() {
		return fmt.Errorf("hop count of %d exceeds its limit of %d", hcb.Count, hcb.Limit)
	}
	return nil
}

// UnknownBlock preserves the raw data of a block whose type code is not
// registered, so it can be carried along unaltered.
type UnknownBlock struct {
	TypeCode uint64
	Data     []byte
}

// BlockTypeCode of the unknown block.
func (ub *UnknownBlock) BlockTypeCode() uint64 {
	return ub.TypeCode
}

// BlockTypeName of an UnknownBlock.
func (ub *UnknownBlock) BlockTypeName() string {
	return "Unknown Block"
}

// MarshalBinary is the preserved raw data.
func (ub *UnknownBlock) MarshalBinary() ([]byte, error) {
	return ub.Data, nil
}

// UnmarshalBinary preserves the raw data.
func (ub *UnknownBlock) UnmarshalBinary(data []byte) error {
	ub.Data = data
	return nil
}

// CheckValid cannot inspect data of an unknown structure.
func (ub *UnknownBlock) CheckValid() error {
	return nil
}
