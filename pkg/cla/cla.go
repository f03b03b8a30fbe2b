// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cla describes convergence layer adapters (CLAs), the links which
// carry bundles between nodes, and the Manager supervising them.
//
// A CLA implements Convergence plus ConvergenceReceiver, ConvergenceSender or
// both. Listeners, which spawn new Convergence instances for inbound
// connections, implement ConvergenceProvider. A running CLA reports what
// happens on its link through a channel of Events.
package cla

import (
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// ErrSendTransient is wrapped by a ConvergenceSender's Send for failures
// which might resolve themselves, e.g., an exhausted peer asking for a
// retransmission. The bundle should be scheduled for another attempt.
var ErrSendTransient = errors.New("transient transmission failure")

// ErrSendRejected is wrapped by a ConvergenceSender's Send if the peer
// refused the bundle for good. The bundle should not be retried on the same
// next hop.
var ErrSendRejected = errors.New("bundle was rejected by the peer")

// ErrStartFatal is wrapped by a Convergence's Start for failures where
// another attempt is pointless, e.g., a nonsensical configuration.
var ErrStartFatal = errors.New("starting failed for good")

// Event is anything a running CLA tells its supervisor: an arrived bundle, a
// session which became usable or a closed link.
type Event interface {
	// Link is the CLA this Event happened on.
	Link() Convergence
}

// BundleReceived is the Event of a bundle arriving on a link.
type BundleReceived struct {
	From   Convergence
	Bundle *bpv7.Bundle
}

// Link is the CLA this Event happened on.
func (e BundleReceived) Link() Convergence { return e.From }

// PeerUp is the Event of a link session becoming usable; the peer's node ID
// is known from now on.
type PeerUp struct {
	From Convergence
	Peer bpv7.EndpointID
}

// Link is the CLA this Event happened on.
func (e PeerUp) Link() Convergence { return e.From }

// PeerDown is the Event of a link session ending.
type PeerDown struct {
	From Convergence
	Peer bpv7.EndpointID
}

// Link is the CLA this Event happened on.
func (e PeerDown) Link() Convergence { return e.From }

// Convergence is the base interface of every CLA instance.
type Convergence interface {
	io.Closer

	// Start this CLA. Errors wrapping ErrStartFatal suppress further
	// attempts; any other error leads to a retry after a backoff.
	Start() error

	// Events reports what happens on this link. The channel is (re)created
	// by Start.
	Events() <-chan Event

	// Address identifies this CLA instance uniquely, e.g., by its remote
	// address, to prevent doubled instances.
	Address() string

	// IsPermanent is true if this CLA should survive failures and be
	// restarted, e.g., a link to a configured peer.
	IsPermanent() bool
}

// ConvergenceReceiver is a CLA which can receive bundles.
type ConvergenceReceiver interface {
	Convergence

	// LocalEndpoint is the node ID this CLA receives bundles for.
	LocalEndpoint() bpv7.EndpointID
}

// ConvergenceSender is a CLA which can send bundles to its peer.
type ConvergenceSender interface {
	Convergence

	// Send a bundle to this CLA's peer. Send blocks until the transmission
	// succeeded or failed; errors wrap ErrSendTransient or ErrSendRejected.
	Send(bpv7.Bundle) error

	// PeerEndpoint is the peer's node ID, or the null endpoint while unknown.
	PeerEndpoint() bpv7.EndpointID
}

// ConvergenceProvider listens for inbound connections and registers a new
// Convergence per connection at its Manager.
type ConvergenceProvider interface {
	io.Closer

	// AttachManager tells this provider where to register new instances.
	AttachManager(manager *Manager)

	// Start listening.
	Start() error
}

// Convergable is anything the Manager supervises, both Convergence and
// ConvergenceProvider.
type Convergable interface {
	io.Closer
}

// SessionInitiator is an optional interface for CLAs which know if they
// initiated their connection, used to break duplicated session ties.
type SessionInitiator interface {
	// Initiator is true if this CLA dialed its peer.
	Initiator() bool
}

// SizeLimitedSender is an optional interface for ConvergenceSenders whose
// link bounds the size of a serialized bundle. Larger bundles must be
// fragmented before handing them to Send.
type SizeLimitedSender interface {
	// MaxBundleSize is the upper bound for a serialized bundle in bytes.
	MaxBundleSize() uint64
}

// CLAType enumerates the implemented convergence layers.
type CLAType uint64

const (
	// TCPCLv4 is the TCP Convergence Layer Protocol Version 4, RFC 9174.
	TCPCLv4 CLAType = 0

	// MTCP is the Minimal TCP Convergence-Layer Protocol,
	// draft-ietf-dtn-mtcpcl.
	MTCP CLAType = 10

	// QUICL is a QUIC based convergence layer.
	QUICL CLAType = 20
)

// claTypeNames maps each CLAType to its scheme-like name.
var claTypeNames = map[CLAType]string{
	TCPCLv4: "tcpcl",
	MTCP:    "mtcp",
	QUICL:   "quicl",
}

// TypeFromString resolves a scheme-like name, e.g., "tcpcl", to its CLAType.
func TypeFromString(name string) (CLAType, bool) {
	if name == "tcpclv4" {
		return TCPCLv4, true
	}

	for claType, claName := range claTypeNames {
		if claName == name {
			return claType, true
		}
	}
	return 0, false
}

// CheckValid returns an error for unknown CLATypes.
func (claType CLAType) CheckValid() error {
	if _, known := claTypeNames[claType]; !known {
		return fmt.Errorf("unknown CLAType %d", uint64(claType))
	}
	return nil
}

func (claType CLAType) String() string {
	if name, known := claTypeNames[claType]; known {
		return name
	}
	return "unknown"
}
