// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"reflect"
	"testing"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

func TestBeaconRoundtrip(t *testing.T) {
	beacon := Beacon{
		Node: bpv7.MustNewEndpointID("dtn://foo/"),
		Services: []Service{
			{Type: cla.TCPCLv4, Port: 4556},
			{Type: cla.MTCP, Port: 35037},
		},
	}

	data, err := EncodeBeacon(beacon)
	if err != nil {
		t.Fatal(err)
	}

	beacon2, err := DecodeBeacon(data)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(beacon, beacon2) {
		t.Fatalf("beacons differ: %v != %v", beacon, beacon2)
	}
}

func TestBeaconUnknownService(t *testing.T) {
	beacon := Beacon{
		Node:     bpv7.MustNewEndpointID("dtn://foo/"),
		Services: []Service{{Type: cla.CLAType(200), Port: 4556}},
	}

	data, err := EncodeBeacon(beacon)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecodeBeacon(data); err == nil {
		t.Fatal("an unknown service type did not error")
	}
}
