// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery finds neighbour DTN nodes through multicast beacons.
// Each beacon names the sending node and the convergence layer listeners it
// offers; discovered peers join the peer table as temporary nodes.
package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

const (
	// multicastAddress4 carries IPv4 beacons.
	multicastAddress4 = "224.23.23.23"

	// multicastAddress6 carries IPv6 beacons.
	multicastAddress6 = "ff02::23"

	// multicastPort for both address families.
	multicastPort = 35039
)

// Service is one convergence layer listener offered by a node.
type Service struct {
	Type cla.CLAType
	Port uint
}

func (service Service) String() string {
	return fmt.Sprintf("%v:%d", service.Type, service.Port)
}

// Beacon announces a node together with its offered Services.
type Beacon struct {
	Node     bpv7.EndpointID
	Services []Service
}

func (beacon Beacon) String() string {
	return fmt.Sprintf("Beacon(%v, %v)", beacon.Node, beacon.Services)
}

// MarshalCbor writes this Beacon: an array of the node ID and the service
// list, each service an array of its type and port.
func (beacon *Beacon) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := beacon.Node.MarshalCbor(w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(beacon.Services)), w); err != nil {
		return err
	}
	for _, service := range beacon.Services {
		if err := cboring.WriteArrayLength(2, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(service.Type), w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(service.Port), w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads a Beacon.
func (beacon *Beacon) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("beacon: expected array of length 2, got %d", l)
	}

	if err := beacon.Node.UnmarshalCbor(r); err != nil {
		return err
	}

	services, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	beacon.Services = make([]Service, services)
	for i := range beacon.Services {
		if l, err := cboring.ReadArrayLength(r); err != nil {
			return err
		} else if l != 2 {
			return fmt.Errorf("beacon service: expected array of length 2, got %d", l)
		}

		claType, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		if err := cla.CLAType(claType).CheckValid(); err != nil {
			return err
		}
		beacon.Services[i].Type = cla.CLAType(claType)

		port, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		beacon.Services[i].Port = uint(port)
	}

	return nil
}

// EncodeBeacon into its byte form for a multicast payload.
func EncodeBeacon(beacon Beacon) ([]byte, error) {
	buff := new(bytes.Buffer)
	err := beacon.MarshalCbor(buff)
	return buff.Bytes(), err
}

// DecodeBeacon from a multicast payload.
func DecodeBeacon(data []byte) (beacon Beacon, err error) {
	err = beacon.UnmarshalCbor(bytes.NewReader(data))
	return
}
