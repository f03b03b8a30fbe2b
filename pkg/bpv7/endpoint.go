// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bpv7 implements Bundles as defined in RFC 9171: their creation,
// serialization and deserialization, fragmentation and reassembly.
package bpv7

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/dtn7/cboring"
)

// dtnSchemeNo is the URI scheme type number of the "dtn" scheme.
const dtnSchemeNo uint64 = 1

// nodeNameRe bounds a node name per RFC 9171: letters, digits and a few
// selected symbols, at least one character.
var nodeNameRe = regexp.MustCompile(`^[\w-._~!$&'()*+,;=]+$`)

// EndpointID addresses a DTN node or an application endpoint on a node, as
// defined in RFC 9171, section 4.2.5.1. Only the "dtn" URI scheme is
// supported, next to the null endpoint "dtn:none".
//
// The zero value is the null endpoint. Non-null EndpointIDs should be created
// through NewEndpointID, which canonicalises the URI: the scheme and the node
// name are lowercased, the demux is kept verbatim.
type EndpointID struct {
	// NodeName is the authority part of the URI, e.g., "foo" for
	// "dtn://foo/bar". It is empty for the null endpoint.
	NodeName string

	// Demux is the path part below the node name, e.g., "bar" for
	// "dtn://foo/bar". An endpoint with an empty Demux addresses the node
	// itself.
	Demux string
}

// DtnNone is the null endpoint "dtn:none".
func DtnNone() EndpointID {
	return EndpointID{}
}

// NewEndpointID parses a "dtn" URI. Both the node endpoint forms
// "dtn://node" and "dtn://node/" are accepted.
func NewEndpointID(uri string) (eid EndpointID, err error) {
	colon := strings.IndexByte(uri, ':')
	if colon < 0 {
		err = fmt.Errorf("URI misses a scheme: %s", uri)
		return
	}

	// URI schemes are case-insensitive, RFC 3986 section 3.1.
	if scheme := strings.ToLower(uri[:colon]); scheme != "dtn" {
		err = fmt.Errorf("unsupported URI scheme: %s", scheme)
		return
	}

	ssp := uri[colon+1:]
	if ssp == "none" {
		return DtnNone(), nil
	}

	if !strings.HasPrefix(ssp, "//") {
		err = fmt.Errorf("dtn URI is neither \"dtn:none\" nor starts with \"dtn://\": %s", uri)
		return
	}

	nodeName, demux, found := strings.Cut(ssp[2:], "/")
	if !found {
		demux = ""
	}

	// Node names are case-insensitive; the demux is not.
	nodeName = strings.ToLower(nodeName)

	if !nodeNameRe.MatchString(nodeName) {
		err = fmt.Errorf("dtn URI has a malformed node name: %s", uri)
		return
	}

	eid = EndpointID{
		NodeName: nodeName,
		Demux:    demux,
	}
	return
}

// MustNewEndpointID parses a "dtn" URI like NewEndpointID and panics on
// invalid input.
func MustNewEndpointID(uri string) EndpointID {
	eid, err := NewEndpointID(uri)
	if err != nil {
		panic(err)
	}
	return eid
}

// IsNone is true for the null endpoint "dtn:none".
func (eid EndpointID) IsNone() bool {
	return eid.NodeName == ""
}

// SameNode compares the node names of two endpoints, e.g., "dtn://foo/" and
// "dtn://foo/bar" address the same node. The null endpoint addresses no node.
func (eid EndpointID) SameNode(other EndpointID) bool {
	return !eid.IsNone() && eid.NodeName == other.NodeName
}

// Path of this endpoint's URI, e.g., "/bar" for "dtn://foo/bar" and "/" for
// a node endpoint.
func (eid EndpointID) Path() string {
	return "/" + eid.Demux
}

// CheckValid returns an error for incorrect data.
func (eid EndpointID) CheckValid() error {
	if eid.IsNone() {
		if eid.Demux != "" {
			return fmt.Errorf("null endpoint carries a demux: %s", eid.Demux)
		}
		return nil
	}

	if !nodeNameRe.MatchString(eid.NodeName) {
		return fmt.Errorf("malformed node name: %s", eid.NodeName)
	}
	return nil
}

func (eid EndpointID) String() string {
	if eid.IsNone() {
		return "dtn:none"
	}
	return "dtn://" + eid.NodeName + "/" + eid.Demux
}

// MarshalCbor writes this endpoint's CBOR representation: an array of the
// scheme number and the scheme specific part, where the null endpoint's SSP
// degrades to the number zero.
func (eid *EndpointID) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(dtnSchemeNo, w); err != nil {
		return err
	}

	if eid.IsNone() {
		return cboring.WriteUInt(0, w)
	}
	return cboring.WriteTextString("//"+eid.NodeName+"/"+eid.Demux, w)
}

// UnmarshalCbor reads an endpoint's CBOR representation.
func (eid *EndpointID) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("endpoint: expected array of length 2, got %d", l)
	}

	if schemeNo, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if schemeNo != dtnSchemeNo {
		return fmt.Errorf("endpoint: unsupported scheme number %d", schemeNo)
	}

	m, n, err := cboring.ReadMajors(r)
	if err != nil {
		return err
	}

	switch m {
	case cboring.UInt:
		*eid = DtnNone()
		return nil

	case cboring.TextString:
		ssp, sspErr := cboring.ReadRawBytes(n, r)
		if sspErr != nil {
			return sspErr
		}

		parsed, parseErr := NewEndpointID("dtn:" + string(ssp))
		if parseErr != nil {
			return parseErr
		} else if parsed.IsNone() {
			return fmt.Errorf("endpoint: text based SSP encodes the null endpoint")
		}

		*eid = parsed
		return nil

	default:
		return fmt.Errorf("endpoint: unexpected major type 0x%X", m)
	}
}
