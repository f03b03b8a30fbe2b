// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// Manager publishes this node's Beacon and dials discovered neighbours.
type Manager struct {
	nodeID bpv7.EndpointID

	// addNode registers a discovered peer by its "scheme://host:port" URL,
	// usually cla.Manager.AddNode.
	addNode func(url string) error

	stop4 chan struct{}
	stop6 chan struct{}
}

// NewManager starts announcing the given Beacon in the requested interval
// over IPv4 and/or IPv6 multicast.
func NewManager(beacon Beacon, addNode func(url string) error, interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {
	manager := &Manager{
		nodeID:  beacon.Node,
		addNode: addNode,
	}

	payload, err := EncodeBeacon(beacon)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"beacon":   beacon,
		"interval": interval,
		"ipv4":     ipv4,
		"ipv6":     ipv6,
	}).Info("Starting neighbour discovery")

	if ipv4 {
		manager.stop4 = make(chan struct{})
		if err := manager.discover(payload, interval, peerdiscovery.IPv4, multicastAddress4, manager.stop4, manager.found); err != nil {
			return nil, err
		}
	}
	if ipv6 {
		manager.stop6 = make(chan struct{})
		if err := manager.discover(payload, interval, peerdiscovery.IPv6, multicastAddress6, manager.stop6, manager.found6); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// discover launches one peerdiscovery instance and waits a moment for an
// early startup failure.
func (manager *Manager) discover(payload []byte, interval time.Duration,
	ipVersion peerdiscovery.IPVersion, multicastAddress string,
	stop chan struct{}, notify func(peerdiscovery.Discovered)) error {

	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", multicastPort),
		MulticastAddress: multicastAddress,
		Payload:          payload,
		Delay:            interval,
		TimeLimit:        -1,
		StopChan:         stop,
		AllowSelf:        true,
		IPVersion:        ipVersion,
		Notify:           notify,
	}

	errChan := make(chan error)
	go func() {
		_, err := peerdiscovery.Discover(settings)
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err

	case <-time.After(time.Second):
		return nil
	}
}

// found6 wraps an IPv6 address in brackets before handling it.
func (manager *Manager) found6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)
	manager.found(discovered)
}

// found handles one received Beacon, dialing every announced service of a
// foreign node.
func (manager *Manager) found(discovered peerdiscovery.Discovered) {
	beacon, err := DecodeBeacon(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).
			Debug("Undecodable beacon")
		return
	}

	if beacon.Node.SameNode(manager.nodeID) {
		return
	}

	for _, service := range beacon.Services {
		url := fmt.Sprintf("%v://%s:%d", service.Type, discovered.Address, service.Port)

		if err := manager.addNode(url); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"peer": beacon.Node,
				"url":  url,
			}).Debug("Registering discovered peer failed")
		} else {
			log.WithFields(log.Fields{
				"peer": beacon.Node,
				"url":  url,
			}).Info("Registered discovered peer")
		}
	}
}

// Close stops the discovery.
func (manager *Manager) Close() error {
	for _, stop := range []chan struct{}{manager.stop4, manager.stop6} {
		if stop != nil {
			stop <- struct{}{}
		}
	}
	return nil
}
