// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicl provides a QUIC based convergence layer. The connection's
// first stream exchanges the node IDs; afterwards every bundle travels
// within a stream of its own.
package quicl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

// Application error codes to close a QUIC connection with.
const (
	codeShutdown   quic.ApplicationErrorCode = 1
	codeHandshake  quic.ApplicationErrorCode = 2
	codeLocalError quic.ApplicationErrorCode = 3
)

// idExchangeTimeout bounds the node ID exchange on a fresh connection.
const idExchangeTimeout = 5 * time.Second

// Link is one QUIC connection to a peer, implementing both
// cla.ConvergenceReceiver and cla.ConvergenceSender.
type Link struct {
	nodeID    bpv7.EndpointID
	peer      bpv7.EndpointID
	dialer    bool
	permanent bool

	// peerAddress is the dial target; peerHost identifies this Link, so a
	// second connection to another port of the same peer is prevented.
	peerAddress string
	peerHost    string

	connection quic.Connection
	events     chan cla.Event
}

// DialLink creates a Link dialing its peer on Start.
func DialLink(peerAddress string, nodeID bpv7.EndpointID, permanent bool) *Link {
	peerHost, _, err := net.SplitHostPort(peerAddress)
	if err != nil {
		peerHost = peerAddress
	}

	return &Link{
		nodeID:      nodeID,
		dialer:      true,
		permanent:   permanent,
		peerAddress: peerAddress,
		peerHost:    peerHost,
	}
}

// newAcceptedLink wraps a connection accepted by a Listener.
func newAcceptedLink(connection quic.Connection, nodeID bpv7.EndpointID) *Link {
	peerAddress := connection.RemoteAddr().String()
	peerHost, _, err := net.SplitHostPort(peerAddress)
	if err != nil {
		peerHost = peerAddress
	}

	return &Link{
		nodeID:      nodeID,
		peerAddress: peerAddress,
		peerHost:    peerHost,
		connection:  connection,
	}
}

func (link *Link) String() string {
	return fmt.Sprintf("quicl://%s", link.peerAddress)
}

// Start dials, if necessary, and exchanges the node IDs on the connection's
// first stream. The dialer opens this stream and speaks first.
func (link *Link) Start() error {
	if link.dialer {
		connection, err := quic.DialAddr(context.Background(), link.peerAddress, dialerTLSConfig(), quicConfig())
		if err != nil {
			return err
		}
		link.connection = connection
	}

	if err := link.exchangeIDs(); err != nil {
		_ = link.connection.CloseWithError(codeHandshake, "node ID exchange failed")
		return err
	}

	link.events = make(chan cla.Event, 32)
	link.events <- cla.PeerUp{From: link, Peer: link.peer}

	go link.receiveLoop()
	return nil
}

// exchangeIDs sends the own and reads the peer's node ID; the dialer opens
// the stream and writes first, the listener answers.
func (link *Link) exchangeIDs() error {
	ctx, cancel := context.WithTimeout(context.Background(), idExchangeTimeout)
	defer cancel()

	var stream quic.Stream
	var err error
	if link.dialer {
		stream, err = link.connection.OpenStreamSync(ctx)
	} else {
		stream, err = link.connection.AcceptStream(ctx)
	}
	if err != nil {
		return fmt.Errorf("handshake stream failed: %w", err)
	}
	defer func() { _ = stream.Close() }()

	send := func() error {
		return cboring.Marshal(&link.nodeID, stream)
	}
	receive := func() error {
		return cboring.Unmarshal(&link.peer, bufio.NewReader(stream))
	}

	steps := []func() error{send, receive}
	if !link.dialer {
		steps = []func() error{receive, send}
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("node ID exchange failed: %w", err)
		}
	}

	return nil
}

// receiveLoop accepts one stream per incoming bundle.
func (link *Link) receiveLoop() {
	for {
		stream, err := link.connection.AcceptStream(context.Background())
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) {
				log.WithFields(log.Fields{
					"cla":    link,
					"remote": appErr.Remote,
					"code":   appErr.ErrorCode,
				}).Debug("QUICL connection closed")
			} else {
				log.WithFields(log.Fields{
					"cla":   link,
					"error": err,
				}).Debug("QUICL connection died")
			}

			select {
			case link.events <- cla.PeerDown{From: link, Peer: link.peer}:
			default:
			}
			return
		}

		go link.receiveBundle(stream)
	}
}

func (link *Link) receiveBundle(stream quic.Stream) {
	defer func() { _ = stream.Close() }()

	bndl, err := bpv7.ParseBundle(bufio.NewReader(stream))
	if err != nil {
		log.WithFields(log.Fields{
			"cla":   link,
			"error": err,
		}).Warn("QUICL stream delivered a broken bundle")

		stream.CancelRead(quic.StreamErrorCode(codeLocalError))
		return
	}

	log.WithFields(log.Fields{
		"cla":    link,
		"bundle": bndl.ID(),
	}).Debug("QUICL received a bundle")

	link.events <- cla.BundleReceived{From: link, Bundle: &bndl}
}

// Send one bundle within its own stream.
func (link *Link) Send(bndl bpv7.Bundle) error {
	stream, err := link.connection.OpenStream()
	if err != nil {
		return fmt.Errorf("%v: %w", err, cla.ErrSendTransient)
	}
	defer func() { _ = stream.Close() }()

	frame := new(bytes.Buffer)
	if err := bndl.WriteBundle(frame); err != nil {
		stream.CancelWrite(quic.StreamErrorCode(codeLocalError))
		return err
	}

	if _, err := frame.WriteTo(stream); err != nil {
		stream.CancelWrite(quic.StreamErrorCode(codeLocalError))
		return fmt.Errorf("%v: %w", err, cla.ErrSendTransient)
	}

	return nil
}

// Close the connection.
func (link *Link) Close() error {
	if link.connection == nil {
		return nil
	}
	return link.connection.CloseWithError(codeShutdown, "daemon shutting down")
}

// Events reports what happens on this Link.
func (link *Link) Events() <-chan cla.Event {
	return link.events
}

// Address identifies this Link by the peer's host.
func (link *Link) Address() string {
	return link.peerHost
}

// IsPermanent is true for links to configured peers.
func (link *Link) IsPermanent() bool {
	return link.permanent
}

// Initiator is true if this Link dialed its peer.
func (link *Link) Initiator() bool {
	return link.dialer
}

// LocalEndpoint is the node ID this Link receives bundles for.
func (link *Link) LocalEndpoint() bpv7.EndpointID {
	return link.nodeID
}

// PeerEndpoint is the peer's node ID, known after the ID exchange.
func (link *Link) PeerEndpoint() bpv7.EndpointID {
	return link.peer
}
