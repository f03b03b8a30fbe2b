// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mtcp implements the Minimal TCP Convergence-Layer Protocol,
// draft-ietf-dtn-mtcpcl-01: a unidirectional stream of CBOR byte strings,
// each wrapping one bundle. A zero length byte string serves as a probe for
// liveliness.
//
// Because of the unidirectional design, the sending Client and the receiving
// Server are separate types.
package mtcp

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

// probeInterval is the pause between liveliness probes on an idle Client.
const probeInterval = 5 * time.Second

// Client sends bundles to one MTCP server; a cla.ConvergenceSender.
type Client struct {
	address   string
	peer      bpv7.EndpointID
	permanent bool

	// connMutex guards conn; bundle frames and probes are interleaved.
	connMutex sync.Mutex
	conn      net.Conn

	events chan cla.Event

	stop chan struct{}
	done chan struct{}
}

// NewClient for a server address and its node ID, if known.
func NewClient(address string, peer bpv7.EndpointID, permanent bool) *Client {
	return &Client{
		address:   address,
		peer:      peer,
		permanent: permanent,
	}
}

// NewAnonymousClient for a server address with an unknown node ID.
func NewAnonymousClient(address string, permanent bool) *Client {
	return NewClient(address, bpv7.DtnNone(), permanent)
}

func (client *Client) String() string {
	return fmt.Sprintf("mtcp://%s", client.address)
}

// Start dials the server. The session counts as usable right away, as MTCP
// performs no handshake.
func (client *Client) Start() error {
	conn, err := dial(client.address)
	if err != nil {
		return err
	}

	client.conn = conn
	client.events = make(chan cla.Event, 8)
	client.stop = make(chan struct{})
	client.done = make(chan struct{})

	client.events <- cla.PeerUp{From: client, Peer: client.peer}

	go client.probeLoop()
	return nil
}

// probeLoop sends empty frames on an idle connection to notice a dead one.
func (client *Client) probeLoop() {
	defer close(client.done)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.stop:
			return

		case <-ticker.C:
			client.connMutex.Lock()
			err := cboring.WriteByteStringLen(0, client.conn)
			client.connMutex.Unlock()

			if err != nil {
				log.WithFields(log.Fields{
					"cla":   client,
					"error": err,
				}).Info("MTCP probe failed, peer is gone")

				select {
				case client.events <- cla.PeerDown{From: client, Peer: client.peer}:
				case <-client.stop:
				}
				return
			}
		}
	}
}

// Send one bundle, framed as a CBOR byte string.
func (client *Client) Send(bndl bpv7.Bundle) error {
	frame := new(bytes.Buffer)
	if err := bndl.WriteBundle(frame); err != nil {
		return err
	}

	client.connMutex.Lock()
	defer client.connMutex.Unlock()

	w := bufio.NewWriter(client.conn)
	if err := cboring.WriteByteStringLen(uint64(frame.Len()), w); err != nil {
		return client.sendFailed(err)
	}
	if _, err := frame.WriteTo(w); err != nil {
		return client.sendFailed(err)
	}
	if err := w.Flush(); err != nil {
		return client.sendFailed(err)
	}

	return nil
}

// sendFailed reports the connection loss and wraps the error as transient.
func (client *Client) sendFailed(err error) error {
	select {
	case client.events <- cla.PeerDown{From: client, Peer: client.peer}:
	default:
	}

	return fmt.Errorf("%v: %w", err, cla.ErrSendTransient)
}

// Close the connection.
func (client *Client) Close() error {
	if client.conn == nil {
		return nil
	}

	close(client.stop)
	err := client.conn.Close()
	<-client.done

	return err
}

// Events reports what happens on this link.
func (client *Client) Events() <-chan cla.Event {
	return client.events
}

// Address of the server this Client sends to.
func (client *Client) Address() string {
	return client.address
}

// IsPermanent is true for clients to configured peers.
func (client *Client) IsPermanent() bool {
	return client.permanent
}

// Initiator is always true; MTCP clients dial their server.
func (client *Client) Initiator() bool {
	return true
}

// PeerEndpoint is the server's node ID, if configured.
func (client *Client) PeerEndpoint() bpv7.EndpointID {
	return client.peer
}

// Server receives bundles from any number of MTCP clients; a
// cla.ConvergenceReceiver.
type Server struct {
	listenAddress string
	nodeID        bpv7.EndpointID
	permanent     bool

	listener net.Listener
	events   chan cla.Event

	stopMutex sync.Mutex
	stopped   bool
}

// NewServer for a listen address, receiving bundles for the given node ID.
func NewServer(listenAddress string, nodeID bpv7.EndpointID, permanent bool) *Server {
	return &Server{
		listenAddress: listenAddress,
		nodeID:        nodeID,
		permanent:     permanent,
	}
}

func (serv *Server) String() string {
	return fmt.Sprintf("mtcp://%s", serv.listenAddress)
}

// Start accepting connections.
func (serv *Server) Start() (err error) {
	serv.listener, err = net.Listen("tcp", serv.listenAddress)
	if err != nil {
		return
	}

	serv.events = make(chan cla.Event, 32)

	go serv.acceptLoop()
	return
}

func (serv *Server) isStopped() bool {
	serv.stopMutex.Lock()
	defer serv.stopMutex.Unlock()

	return serv.stopped
}

func (serv *Server) acceptLoop() {
	for {
		conn, err := serv.listener.Accept()
		if err != nil {
			if serv.isStopped() {
				return
			}

			log.WithFields(log.Fields{
				"cla":   serv,
				"error": err,
			}).Warn("MTCP server failed to accept a connection")
			continue
		}

		go serv.receiveLoop(conn)
	}
}

// receiveLoop reads frames from one client connection until it dies. There
// is no PeerDown on a vanished client: a server cannot tell which node a
// connection belonged to.
func (serv *Server) receiveLoop(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	r := bufio.NewReader(conn)
	for {
		length, err := cboring.ReadByteStringLen(r)
		if err != nil {
			log.WithFields(log.Fields{
				"cla":   serv,
				"peer":  conn.RemoteAddr(),
				"error": err,
			}).Debug("MTCP connection ended")
			return
		}
		if length == 0 {
			// A liveliness probe.
			continue
		}

		bndl, err := bpv7.ParseBundle(r)
		if err != nil {
			log.WithFields(log.Fields{
				"cla":   serv,
				"peer":  conn.RemoteAddr(),
				"error": err,
			}).Warn("MTCP connection delivered a broken bundle")
			return
		}

		log.WithFields(log.Fields{
			"cla":    serv,
			"bundle": bndl.ID(),
		}).Debug("MTCP server received a bundle")

		serv.events <- cla.BundleReceived{From: serv, Bundle: &bndl}
	}
}

// Close the listener; running connections end on their own.
func (serv *Server) Close() error {
	serv.stopMutex.Lock()
	serv.stopped = true
	serv.stopMutex.Unlock()

	if serv.listener == nil {
		return nil
	}
	return serv.listener.Close()
}

// Events reports received bundles.
func (serv *Server) Events() <-chan cla.Event {
	return serv.events
}

// Address of this Server's listener.
func (serv *Server) Address() string {
	return serv.listenAddress
}

// IsPermanent reports the permanent flag given to NewServer.
func (serv *Server) IsPermanent() bool {
	return serv.permanent
}

// LocalEndpoint is the node ID this Server receives bundles for.
func (serv *Server) LocalEndpoint() bpv7.EndpointID {
	return serv.nodeID
}
