// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// fakeLink is a Convergence whose session becomes usable right away.
type fakeLink struct {
	address   string
	peer      bpv7.EndpointID
	initiator bool
	permanent bool

	events chan Event
	closed uint32
}

func newFakeLink(address string, peer bpv7.EndpointID, initiator bool) *fakeLink {
	return &fakeLink{
		address:   address,
		peer:      peer,
		initiator: initiator,
	}
}

func (f *fakeLink) Start() error {
	f.events = make(chan Event, 32)
	f.events <- PeerUp{From: f, Peer: f.peer}
	return nil
}

func (f *fakeLink) Events() <-chan Event { return f.events }

func (f *fakeLink) Close() error {
	atomic.StoreUint32(&f.closed, 1)
	return nil
}

func (f *fakeLink) isClosed() bool {
	return atomic.LoadUint32(&f.closed) != 0
}

func (f *fakeLink) Address() string               { return f.address }
func (f *fakeLink) IsPermanent() bool             { return f.permanent }
func (f *fakeLink) Initiator() bool               { return f.initiator }
func (f *fakeLink) PeerEndpoint() bpv7.EndpointID { return f.peer }
func (f *fakeLink) Send(bpv7.Bundle) error        { return nil }

// drainEvents consumes the Manager's event stream in the background.
func drainEvents(manager *Manager) {
	go func() {
		for range manager.Events() {
		}
	}()
}

func TestManagerPeerUp(t *testing.T) {
	manager := NewManager(bpv7.MustNewEndpointID("dtn://self/"))
	defer func() { _ = manager.Close() }()

	eventChan := make(chan Event, 32)
	go func() {
		for event := range manager.Events() {
			eventChan <- event
		}
	}()

	peer := bpv7.MustNewEndpointID("dtn://peer/")
	manager.Register(newFakeLink("fake:2342", peer, true))

	select {
	case event := <-eventChan:
		if _, ok := event.(PeerUp); !ok {
			t.Fatalf("expected PeerUp, got %T", event)
		}

	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerUp")
	}

	// The registered session, unknown to the peer table, created a temporary
	// peer entry.
	peers := manager.ListNodes()
	if len(peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(peers))
	}
	if !peers[0].Temporary || peers[0].Status != PeerEstablished || peers[0].NodeId != peer {
		t.Fatalf("unexpected peer entry: %+v", peers[0])
	}

	if senders := manager.Senders(); len(senders) != 1 {
		t.Fatalf("expected one sender, got %d", len(senders))
	}
}

func TestManagerSessionDeduplication(t *testing.T) {
	manager := NewManager(bpv7.MustNewEndpointID("dtn://self/"))
	defer func() { _ = manager.Close() }()
	drainEvents(manager)

	peer := bpv7.MustNewEndpointID("dtn://peer/")

	// First session: dialed by us, initiated by "dtn://self/".
	first := newFakeLink("fake:1", peer, true)
	manager.Register(first)

	// Second session: dialed by the peer. Its initiator "dtn://peer/" is
	// lexicographic lower than "dtn://self/", so this session must survive
	// and the first one must be closed.
	second := newFakeLink("fake:2", peer, false)
	manager.Register(second)

	deadline := time.Now().Add(time.Second)
	for !first.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("duplicated session was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if second.isClosed() {
		t.Fatal("the surviving session was closed")
	}
}

func TestManagerAddRemoveNode(t *testing.T) {
	manager := NewManager(bpv7.MustNewEndpointID("dtn://self/"))
	defer func() { _ = manager.Close() }()
	drainEvents(manager)

	var dialed *fakeLink
	manager.RegisterDialer(TCPCLv4, func(address string, permanent bool) Convergence {
		dialed = newFakeLink(address, bpv7.MustNewEndpointID("dtn://peer/"), true)
		dialed.permanent = permanent
		return dialed
	})

	if err := manager.AddNode("tcpcl://127.0.0.1:4556"); err != nil {
		t.Fatal(err)
	}
	if dialed == nil {
		t.Fatal("dialer was not invoked")
	}

	deadline := time.Now().Add(time.Second)
	for {
		peers := manager.ListNodes()
		if len(peers) == 1 && peers[0].Status == PeerEstablished {
			if peers[0].Temporary {
				t.Fatal("configured peer is marked temporary")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer did not become established: %+v", peers)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := manager.RemoveNode("tcpcl://127.0.0.1:4556"); err != nil {
		t.Fatal(err)
	}
	if peers := manager.ListNodes(); len(peers) != 0 {
		t.Fatalf("expected no peers, got %+v", peers)
	}
	if !dialed.isClosed() {
		t.Fatal("removed peer's session was not closed")
	}

	if err := manager.RemoveNode("tcpcl://127.0.0.1:4556"); err == nil {
		t.Fatal("removing an unknown peer did not error")
	}
}

func TestManagerUnknownScheme(t *testing.T) {
	manager := NewManager(bpv7.MustNewEndpointID("dtn://self/"))
	defer func() { _ = manager.Close() }()
	drainEvents(manager)

	if err := manager.AddNode("bogus://127.0.0.1:1"); err == nil {
		t.Fatal("adding a node with an unknown scheme did not error")
	}
}
