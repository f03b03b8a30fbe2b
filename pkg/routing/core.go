// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing is the daemon's inner processing: it connects the bundle
// store, the CLA manager, the route table and the subscriber registry, and
// schedules the forwarding of bundles.
package routing

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/agent"
	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
	"github.com/dtn7/dtrd/pkg/storage"
)

// Core handles the transmission, reception and forwarding of bundles.
type Core struct {
	NodeId bpv7.EndpointID

	registry  *agent.Registry
	scheduler *Scheduler
	links     *cla.Manager
	sequence  *sequencer
	routes    *RouteTable

	store *storage.Store

	stop chan struct{}
	done chan struct{}
}

// NewCore creates a new Core for this node ID, using the given Store.
func NewCore(nodeId bpv7.EndpointID, store *storage.Store) (*Core, error) {
	if nodeId.IsNone() {
		return nil, fmt.Errorf("node ID must not be the null endpoint")
	}

	c := &Core{
		NodeId: nodeId,

		registry:  agent.NewRegistry(),
		scheduler: NewScheduler(),
		links:     cla.NewManager(nodeId),
		sequence:  newSequencer(),
		routes:    NewRouteTable(),

		store: store,

		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if err := c.scheduler.Every("retry_pending", time.Second, c.retryPending); err != nil {
		log.WithError(err).Warn("Scheduling the pending bundle retry failed")
	}
	if err := c.scheduler.Every("expire_bundles", 10*time.Second, c.expireBundles); err != nil {
		log.WithError(err).Warn("Scheduling the bundle expiry failed")
	}

	go c.run()

	return c, nil
}

// run reacts on the CLA manager's link events.
func (c *Core) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			c.scheduler.Stop()

			if err := c.registry.Close(); err != nil {
				log.WithError(err).Warn("Closing the subscriber registry errored")
			}
			if err := c.links.Close(); err != nil {
				log.WithError(err).Warn("Closing the CLA manager errored")
			}
			if err := c.store.Close(); err != nil {
				log.WithError(err).Warn("Closing the store errored")
			}
			return

		case event := <-c.links.Events():
			switch event := event.(type) {
			case cla.BundleReceived:
				c.receive(event.Bundle)

			case cla.PeerUp:
				c.routes.SetPeerEstablished(event.Peer, true)
				c.dispatchPending()

			case cla.PeerDown:
				c.routes.SetPeerEstablished(event.Peer, false)

			case nil:
				// The manager's event channel was closed.
				return

			default:
				log.WithField("event", event).Warn("Core received an unknown link event")
			}
		}
	}
}

// Close shuts the Core and everything it owns down.
func (c *Core) Close() {
	close(c.stop)
	<-c.done
}

// Subscribe adds a local application as a Subscriber. Stored bundles
// addressed to one of its endpoints are delivered promptly.
func (c *Core) Subscribe(sub agent.Subscriber) {
	c.registry.Subscribe(sub)
	c.dispatchPending()
}

// Unsubscribe removes a local application.
func (c *Core) Unsubscribe(sub agent.Subscriber) {
	c.registry.Unsubscribe(sub)
}

// RegisterConvergable adds a CLA or a CLA provider to the CLA manager.
func (c *Core) RegisterConvergable(conv cla.Convergable) {
	c.links.Register(conv)
}

// Links grants access to the CLA manager, e.g., for the admin API.
func (c *Core) Links() *cla.Manager {
	return c.links
}

// Routes grants access to the RouteTable, e.g., for the admin API.
func (c *Core) Routes() *RouteTable {
	return c.routes
}

// Store grants access to the bundle store.
func (c *Core) Store() *storage.Store {
	return c.store
}

// TriggerDispatching dispatches all pending bundles right away, e.g., after
// a route table change.
func (c *Core) TriggerDispatching() {
	c.dispatchPending()
}

// retryPending dispatches the pending bundles whose retry time has come.
func (c *Core) retryPending() {
	items, err := c.store.PendingDue(time.Now())
	if err != nil {
		log.WithError(err).Warn("Querying due bundles failed")
		return
	}

	for _, bi := range items {
		log.WithField("bundle", bi.Id).Debug("Retrying bundle from store")
		c.dispatch(bi)
	}
}

// dispatchPending dispatches every pending bundle, ignoring the retry times.
// Driven by route, peer and subscriber changes.
func (c *Core) dispatchPending() {
	items, err := c.store.PendingAll()
	if err != nil {
		log.WithError(err).Warn("Querying pending bundles failed")
		return
	}

	for _, bi := range items {
		c.dispatch(bi)
	}
}

// expireBundles drops bundles whose lifetime ran out; expiry is a silent
// discard.
func (c *Core) expireBundles() {
	for _, bid := range c.store.DeleteExpired() {
		log.WithField("bundle", bid.String()).Info("Bundle lifetime exceeded, discarded")
	}
}

// isLocalDestination checks if a bundle's destination addresses this node.
func (c *Core) isLocalDestination(endpoint bpv7.EndpointID) bool {
	return c.NodeId.SameNode(endpoint)
}

// senderToNode returns an active ConvergenceSender whose session leads to
// the given node, if one exists.
func (c *Core) senderToNode(endpoint bpv7.EndpointID) cla.ConvergenceSender {
	for _, sender := range c.links.Senders() {
		if sender.PeerEndpoint().SameNode(endpoint) {
			return sender
		}
	}
	return nil
}
