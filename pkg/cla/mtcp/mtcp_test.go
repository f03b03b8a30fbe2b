// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"net"
	"testing"
	"time"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

func TestClientServerExchange(t *testing.T) {
	// Probe for a free port first.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := probe.Addr().String()
	_ = probe.Close()

	serv := NewServer(address, bpv7.MustNewEndpointID("dtn://b/"), false)
	if err := serv.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = serv.Close() }()

	client := NewClient(address, bpv7.MustNewEndpointID("dtn://b/"), false)
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}

	go func() {
		for range client.Events() {
		}
	}()

	bndl, err := bpv7.Builder().
		Source("dtn://a/").
		Destination("dtn://b/sink").
		CreationTimestampNow().
		Lifetime(time.Hour).
		PayloadBlock([]byte("over minimal tcp")).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Send(bndl); err != nil {
		t.Fatal(err)
	}

	select {
	case event := <-serv.Events():
		received, ok := event.(cla.BundleReceived)
		if !ok {
			t.Fatalf("expected a BundleReceived, got %T", event)
		}
		if received.Bundle.ID() != bndl.ID() {
			t.Fatalf("received %v instead of %v", received.Bundle.ID(), bndl.ID())
		}

	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the bundle")
	}

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
}
