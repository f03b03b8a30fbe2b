// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"testing"
	"time"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
	"github.com/dtn7/dtrd/pkg/storage"
)

// fakeSender is a ConvergenceSender collecting sent bundles in a channel.
type fakeSender struct {
	address string
	peer    bpv7.EndpointID

	maxBundleSize uint64

	events chan cla.Event
	sent   chan bpv7.Bundle
}

func newFakeSender(address string, peer bpv7.EndpointID) *fakeSender {
	return &fakeSender{
		address: address,
		peer:    peer,
		sent:    make(chan bpv7.Bundle, 32),
	}
}

func (f *fakeSender) Start() error {
	f.events = make(chan cla.Event, 32)
	f.events <- cla.PeerUp{From: f, Peer: f.peer}
	return nil
}

func (f *fakeSender) Events() <-chan cla.Event      { return f.events }
func (f *fakeSender) Close() error                  { return nil }
func (f *fakeSender) Address() string               { return f.address }
func (f *fakeSender) IsPermanent() bool             { return true }
func (f *fakeSender) Initiator() bool               { return true }
func (f *fakeSender) PeerEndpoint() bpv7.EndpointID { return f.peer }
func (f *fakeSender) MaxBundleSize() uint64         { return f.maxBundleSize }

func (f *fakeSender) Send(b bpv7.Bundle) error {
	f.sent <- b
	return nil
}

// fakeSubscriber collects locally delivered bundles.
type fakeSubscriber struct {
	endpoints  []bpv7.EndpointID
	deliveries chan bpv7.Bundle
}

func newFakeSubscriber(endpoints ...bpv7.EndpointID) *fakeSubscriber {
	return &fakeSubscriber{
		endpoints:  endpoints,
		deliveries: make(chan bpv7.Bundle, 32),
	}
}

func (f *fakeSubscriber) Endpoints() []bpv7.EndpointID { return f.endpoints }
func (f *fakeSubscriber) Close() error                 { return nil }

func (f *fakeSubscriber) Deliver(bndl *bpv7.Bundle) error {
	f.deliveries <- *bndl
	return nil
}

func testCore(t *testing.T, nodeId string) *Core {
	store, err := storage.NewStore()
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewCore(bpv7.MustNewEndpointID(nodeId), store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	return c
}

func coreTestBundle(t *testing.T, destination, payload string) bpv7.Bundle {
	bndl, err := bpv7.Builder().
		Source("dtn://a/").
		Destination(destination).
		CreationTimestampNow().
		Lifetime(time.Minute).
		PayloadBlock([]byte(payload)).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return bndl
}

func awaitBundle(t *testing.T, bundles <-chan bpv7.Bundle, timeout time.Duration) bpv7.Bundle {
	select {
	case b := <-bundles:
		return b

	case <-time.After(timeout):
		t.Fatal("timed out waiting for a bundle")
		return bpv7.Bundle{}
	}
}

func TestCoreForwardToConnectedPeer(t *testing.T) {
	c := testCore(t, "dtn://a/")

	sender := newFakeSender("fake:b", bpv7.MustNewEndpointID("dtn://b/"))
	c.RegisterConvergable(sender)

	// Wait for the connected route to show up.
	deadline := time.Now().Add(time.Second)
	for len(c.Routes().Candidates(bpv7.MustNewEndpointID("dtn://b/echo"))) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no connected route appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bndl := coreTestBundle(t, "dtn://b/echo", "hi")
	c.SendBundle(&bndl)

	sent := awaitBundle(t, sender.sent, 2*time.Second)
	if sent.ID().Whole() != bndl.ID().Whole() {
		t.Fatalf("sent %v instead of %v", sent.ID(), bndl.ID())
	}

	// Destination node equals next hop: the bundle is delivered and gone.
	if c.Store().Has(bndl.ID()) {
		t.Fatal("delivered bundle is still stored")
	}
}

func TestCoreForwardStaticRoute(t *testing.T) {
	c := testCore(t, "dtn://a/")

	// Static route towards b via c; only c is connected.
	sender := newFakeSender("fake:c", bpv7.MustNewEndpointID("dtn://c/"))
	c.RegisterConvergable(sender)

	if err := c.Routes().AddStaticRoute(
		bpv7.MustNewEndpointID("dtn://b/"), bpv7.MustNewEndpointID("dtn://c/")); err != nil {
		t.Fatal(err)
	}

	bndl := coreTestBundle(t, "dtn://b/x", "k")
	c.SendBundle(&bndl)

	sent := awaitBundle(t, sender.sent, 3*time.Second)
	if sent.ID().Whole() != bndl.ID().Whole() {
		t.Fatalf("sent %v instead of %v", sent.ID(), bndl.ID())
	}

	// The next hop is not the destination: the bundle stays stored, but must
	// not be sent to c again.
	bi, err := c.Store().Get(bndl.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !bi.IsForwardedTo(bpv7.MustNewEndpointID("dtn://c/")) {
		t.Fatal("next hop is not recorded in ForwardedTo")
	}
}

func TestCoreLocalDelivery(t *testing.T) {
	c := testCore(t, "dtn://a/")

	sub := newFakeSubscriber(bpv7.MustNewEndpointID("dtn://a/app"))
	c.Subscribe(sub)

	bndl := coreTestBundle(t, "dtn://a/app", "loopback")
	c.SendBundle(&bndl)

	delivered := awaitBundle(t, sub.deliveries, 2*time.Second)
	if string(delivered.Payload()) != "loopback" {
		t.Fatal("wrong payload delivered")
	}
}

func TestCoreStoreAndForwardDelivery(t *testing.T) {
	c := testCore(t, "dtn://a/")

	bndl := coreTestBundle(t, "dtn://a/late", "wait for it")

	// No subscriber yet; the bundle must be kept.
	c.SendBundle(&bndl)

	if !c.Store().Has(bndl.ID()) {
		t.Fatal("undeliverable bundle was not stored")
	}

	// A late subscriber receives the stored bundle promptly.
	sub := newFakeSubscriber(bpv7.MustNewEndpointID("dtn://a/late"))
	c.Subscribe(sub)

	delivered := awaitBundle(t, sub.deliveries, 2*time.Second)
	if string(delivered.Payload()) != "wait for it" {
		t.Fatal("wrong payload delivered")
	}
}

func TestCoreNoRouteBackoff(t *testing.T) {
	c := testCore(t, "dtn://a/")

	bndl := coreTestBundle(t, "dtn://nowhere/x", "stuck")
	c.SendBundle(&bndl)

	bi, err := c.Store().Get(bndl.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !bi.Pending {
		t.Fatal("routeless bundle is not pending")
	}
	if bi.State != storage.StateAccepted {
		t.Fatalf("routeless bundle is %v", bi.State)
	}
	if bi.Attempts == 0 {
		t.Fatal("no attempt was recorded")
	}
}

func TestCoreSequencer(t *testing.T) {
	c := testCore(t, "dtn://a/")

	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0)

	first := coreTestBundle(t, "dtn://nowhere/x", "one")
	first.PrimaryBlock.Timestamp = ts
	c.SendBundle(&first)

	second := coreTestBundle(t, "dtn://nowhere/x", "two")
	second.PrimaryBlock.Timestamp = ts
	c.SendBundle(&second)

	if first.PrimaryBlock.Timestamp.Sequence == second.PrimaryBlock.Timestamp.Sequence {
		t.Fatal("bundles with the same creation time share a sequence number")
	}
}
