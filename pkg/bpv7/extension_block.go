// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding"
	"fmt"
	"io"
	"sync"

	"github.com/dtn7/cboring"
)

// Block type codes assigned by RFC 9171.
const (
	// BlockTypePayload is the payload block's type code.
	BlockTypePayload uint64 = 1

	// BlockTypePreviousNode is the previous node block's type code.
	BlockTypePreviousNode uint64 = 6

	// BlockTypeBundleAge is the bundle age block's type code.
	BlockTypeBundleAge uint64 = 7

	// BlockTypeHopCount is the hop count block's type code.
	BlockTypeHopCount uint64 = 10
)

// ExtensionBlock is the data of a canonical block, e.g., the payload or the
// hop count, as defined in RFC 9171, section 4.4.
//
// An ExtensionBlock serializes itself either as CBOR, implementing the
// cboring.CborMarshaler interface, or as a binary, implementing both
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler. A binary
// representation travels within a CBOR byte string on the wire.
type ExtensionBlock interface {
	// BlockTypeCode must return a constant, the block's type code.
	BlockTypeCode() uint64

	// BlockTypeName must return a constant, the block's human-readable name.
	BlockTypeName() string

	// CheckValid returns an error for incorrect data.
	CheckValid() error
}

// blockFactories maps a block type code to a function creating an empty
// instance of this block's type.
var (
	blockFactories = map[uint64]func() ExtensionBlock{
		BlockTypePayload:      func() ExtensionBlock { return &PayloadBlock{} },
		BlockTypePreviousNode: func() ExtensionBlock { return &PreviousNodeBlock{} },
		BlockTypeBundleAge:    func() ExtensionBlock { return &BundleAgeBlock{} },
		BlockTypeHopCount:     func() ExtensionBlock { return &HopCountBlock{} },
	}
	blockFactoriesMutex sync.RWMutex
)

// RegisterExtensionBlock introduces an additional ExtensionBlock type,
// created by the given factory function.
func RegisterExtensionBlock(factory func() ExtensionBlock) error {
	code := factory().BlockTypeCode()

	blockFactoriesMutex.Lock()
	defer blockFactoriesMutex.Unlock()

	if _, exists := blockFactories[code]; exists {
		return fmt.Errorf("block type code %d is already registered", code)
	}

	blockFactories[code] = factory
	return nil
}

// IsKnownBlockType is true if an ExtensionBlock type is registered for this
// block type code.
func IsKnownBlockType(code uint64) bool {
	blockFactoriesMutex.RLock()
	defer blockFactoriesMutex.RUnlock()

	_, known := blockFactories[code]
	return known
}

// newBlockValue creates an empty instance for a block type code, falling back
// to an UnknownBlock.
func newBlockValue(code uint64) ExtensionBlock {
	blockFactoriesMutex.RLock()
	factory, known := blockFactories[code]
	blockFactoriesMutex.RUnlock()

	if !known {
		return &UnknownBlock{TypeCode: code}
	}
	return factory()
}

// writeBlockValue serializes an ExtensionBlock, wrapping binary represented
// blocks in a CBOR byte string.
func writeBlockValue(b ExtensionBlock, w io.Writer) error {
	switch b := b.(type) {
	case cboring.CborMarshaler:
		return cboring.Marshal(b, w)

	case encoding.BinaryMarshaler:
		data, err := b.MarshalBinary()
		if err != nil {
			return err
		}
		return cboring.WriteByteString(data, w)

	default:
		return fmt.Errorf("%s implements no serialization", b.BlockTypeName())
	}
}

// readBlockValue parses an ExtensionBlock for a block type code.
func readBlockValue(code uint64, r io.Reader) (ExtensionBlock, error) {
	b := newBlockValue(code)

	switch b := b.(type) {
	case cboring.CborMarshaler:
		return b.(ExtensionBlock), cboring.Unmarshal(b, r)

	case encoding.BinaryUnmarshaler:
		data, err := cboring.ReadByteString(r)
		if err != nil {
			return nil, err
		}
		return b.(ExtensionBlock), b.UnmarshalBinary(data)

	default:
		return nil, fmt.Errorf("block type %d implements no deserialization", code)
	}
}
