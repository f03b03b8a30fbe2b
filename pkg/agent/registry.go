// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent connects local applications with the routing core. An
// application subscribes to one or more endpoints through the Registry and
// gets matching bundles delivered.
package agent

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// ErrNoSubscriber is returned by Deliver if no Subscriber listens to a
// bundle's destination. The bundle should stay stored for a later attempt.
var ErrNoSubscriber = errors.New("no subscriber for this endpoint")

// Subscriber is a local application listening to endpoints, e.g., one
// WebSocket connection of the client API.
type Subscriber interface {
	// Endpoints this Subscriber listens to.
	Endpoints() []bpv7.EndpointID

	// Deliver one bundle addressed to one of this Subscriber's endpoints.
	// An error marks this Subscriber as gone; it will be dropped.
	Deliver(bndl *bpv7.Bundle) error

	// Close this Subscriber; called when the Registry shuts down.
	Close() error
}

// Registry is the endpoint registry: it maps endpoints to their active
// Subscribers and fans delivered bundles out to them.
type Registry struct {
	mutex       sync.Mutex
	subscribers []Subscriber
	closed      bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe adds a Subscriber.
func (registry *Registry) Subscribe(sub Subscriber) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if registry.closed {
		_ = sub.Close()
		return
	}

	registry.subscribers = append(registry.subscribers, sub)

	log.WithField("endpoints", sub.Endpoints()).Debug("Registry added subscriber")
}

// Unsubscribe removes a Subscriber.
func (registry *Registry) Unsubscribe(sub Subscriber) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	registry.remove(sub)
}

// remove must be called with the mutex held.
func (registry *Registry) remove(sub Subscriber) {
	for i, other := range registry.subscribers {
		if other == sub {
			registry.subscribers = append(registry.subscribers[:i], registry.subscribers[i+1:]...)
			return
		}
	}
}

// listensTo checks if one of the Subscriber's endpoints equals the given one.
func listensTo(sub Subscriber, eid bpv7.EndpointID) bool {
	for _, endpoint := range sub.Endpoints() {
		if endpoint == eid {
			return true
		}
	}
	return false
}

// HasEndpoint checks if any Subscriber listens to this endpoint.
func (registry *Registry) HasEndpoint(eid bpv7.EndpointID) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	for _, sub := range registry.subscribers {
		if listensTo(sub, eid) {
			return true
		}
	}
	return false
}

// Deliver hands a bundle to every Subscriber of its destination. Subscribers
// failing to take the bundle are dropped. Without any Subscriber,
// ErrNoSubscriber is returned.
func (registry *Registry) Deliver(bndl *bpv7.Bundle) error {
	destination := bndl.PrimaryBlock.Destination

	registry.mutex.Lock()
	var matching []Subscriber
	for _, sub := range registry.subscribers {
		if listensTo(sub, destination) {
			matching = append(matching, sub)
		}
	}
	registry.mutex.Unlock()

	if len(matching) == 0 {
		return ErrNoSubscriber
	}

	delivered := false
	for _, sub := range matching {
		if err := sub.Deliver(bndl); err != nil {
			log.WithFields(log.Fields{
				"bundle": bndl.ID(),
				"error":  err,
			}).Info("Subscriber failed to take bundle, dropping subscriber")

			registry.mutex.Lock()
			registry.remove(sub)
			registry.mutex.Unlock()

			_ = sub.Close()
			continue
		}

		delivered = true
	}

	if !delivered {
		return ErrNoSubscriber
	}
	return nil
}

// Close the Registry and every Subscriber.
func (registry *Registry) Close() error {
	registry.mutex.Lock()
	subscribers := registry.subscribers
	registry.subscribers = nil
	registry.closed = true
	registry.mutex.Unlock()

	for _, sub := range subscribers {
		_ = sub.Close()
	}
	return nil
}
