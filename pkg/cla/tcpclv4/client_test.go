// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

// clientPair establishes a TCPCLv4 session over a loopback TCP connection.
func clientPair(t *testing.T) (active, passive *Client) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()

		conn, connErr := ln.Accept()
		if connErr != nil {
			t.Error(connErr)
			return
		}

		passive = newClientFromConn(conn, bpv7.MustNewEndpointID("dtn://b/"), nil)
		if startErr := passive.Start(); startErr != nil {
			t.Error(startErr)
		}
	}()

	active = DialTCP(ln.Addr().String(), bpv7.MustNewEndpointID("dtn://a/"), false, nil)
	go func() {
		defer wg.Done()

		if startErr := active.Start(); startErr != nil {
			t.Error(startErr)
		}
	}()

	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	return
}

// nextEvent reads events until one of the wanted type appears.
func nextEvent[E cla.Event](t *testing.T, c *Client) E {
	for {
		select {
		case event := <-c.Events():
			if wanted, ok := event.(E); ok {
				return wanted
			}

		case <-time.After(5 * time.Second):
			var zero E
			t.Fatalf("timed out waiting for a %T", zero)
			return zero
		}
	}
}

func TestClientLoopbackExchange(t *testing.T) {
	active, passive := clientPair(t)

	nextEvent[cla.PeerUp](t, active)
	nextEvent[cla.PeerUp](t, passive)

	if peer := active.PeerEndpoint(); peer.String() != "dtn://b/" {
		t.Fatalf("active peer is %v", peer)
	}
	if peer := passive.PeerEndpoint(); peer.String() != "dtn://a/" {
		t.Fatalf("passive peer is %v", peer)
	}

	// active -> passive
	out := sessionTestBundle(t, []byte("hello from a"))
	if err := active.Send(out); err != nil {
		t.Fatal(err)
	}

	in := nextEvent[cla.BundleReceived](t, passive)
	if in.Bundle.ID() != out.ID() {
		t.Fatalf("received %v instead of %v", in.Bundle.ID(), out.ID())
	}

	// passive -> active
	out2 := sessionTestBundle(t, []byte("hello from b"))
	if err := passive.Send(out2); err != nil {
		t.Fatal(err)
	}

	in2 := nextEvent[cla.BundleReceived](t, active)
	if in2.Bundle.ID() != out2.ID() {
		t.Fatalf("received %v instead of %v", in2.Bundle.ID(), out2.ID())
	}

	if err := active.Close(); err != nil {
		t.Fatal(err)
	}
	nextEvent[cla.PeerDown](t, passive)
}

func TestClientLoopbackLargeTransfer(t *testing.T) {
	active, passive := clientPair(t)

	nextEvent[cla.PeerUp](t, active)
	nextEvent[cla.PeerUp](t, passive)

	// Spans multiple segments for the default segment MRU.
	payload := make([]byte, 3*int(defaultSegmentMRU)/2)
	for i := range payload {
		payload[i] = byte(i)
	}

	out := sessionTestBundle(t, payload)
	if err := active.Send(out); err != nil {
		t.Fatal(err)
	}

	in := nextEvent[cla.BundleReceived](t, passive)
	if in.Bundle.ID() != out.ID() {
		t.Fatalf("received %v instead of %v", in.Bundle.ID(), out.ID())
	}

	_ = active.Close()
}
