// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tcpclv4 implements the Delay-Tolerant Networking TCP Convergence
// Layer Protocol Version 4, RFC 9174.
//
// One Client exists per TCP connection, dialed through DialTCP or accepted
// by a Listener. After the contact header exchange and an optional TLS
// upgrade, a session runs the SESS_INIT negotiation, the keepalives and the
// segmented bundle transfers as one event loop.
package tcpclv4

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

const (
	// dialTimeout bounds the TCP connection establishment.
	dialTimeout = 30 * time.Second

	// defaultKeepalive in seconds, negotiated down to the peer's offer.
	defaultKeepalive uint16 = 30

	// defaultSegmentMRU is the own bound for a received segment.
	defaultSegmentMRU uint64 = 1048576

	// defaultTransferMRU is the own bound for a received transfer.
	defaultTransferMRU uint64 = 1073741824
)

// Client is one TCPCLv4 connection, implementing both cla.ConvergenceReceiver
// and cla.ConvergenceSender.
type Client struct {
	address    string
	permanent  bool
	activePeer bool

	// dial creates a fresh connection for active clients, allowing restarts.
	dial func() (net.Conn, error)
	conn net.Conn

	tlsConfig *TLSConfig

	nodeID bpv7.EndpointID
	peer   bpv7.EndpointID

	session     *session
	transferMTU uint64
	started     bool

	events chan cla.Event
	done   chan struct{}
}

// DialTCP creates a Client connecting to a remote TCPCLv4 server.
//
// A nil tlsConfig disables the CAN_TLS contact flag.
func DialTCP(address string, nodeID bpv7.EndpointID, permanent bool, tlsConfig *TLSConfig) *Client {
	return &Client{
		address:    address,
		permanent:  permanent,
		activePeer: true,
		dial: func() (net.Conn, error) {
			return net.DialTimeout("tcp", address, dialTimeout)
		},
		tlsConfig: tlsConfig,
		nodeID:    nodeID,
	}
}

// newClientFromConn creates a passive Client for an accepted connection.
func newClientFromConn(conn net.Conn, nodeID bpv7.EndpointID, tlsConfig *TLSConfig) *Client {
	return &Client{
		address:    conn.RemoteAddr().String(),
		activePeer: false,
		conn:       conn,
		tlsConfig:  tlsConfig,
		nodeID:     nodeID,
	}
}

func (client *Client) String() string {
	role := "passive"
	if client.activePeer {
		role = "active"
	}
	return fmt.Sprintf("tcpcl://%s (%s)", client.address, role)
}

func (client *Client) log() *log.Entry {
	return log.WithField("cla", client.String())
}

// Start this Client: perform the handshake, run the session and report a
// PeerUp once it is established.
func (client *Client) Start() (err error) {
	if client.started {
		if !client.activePeer {
			return fmt.Errorf("%w: passive client cannot be restarted", cla.ErrStartFatal)
		}
		client.conn = nil
	}
	client.started = true

	if client.conn == nil {
		if client.dial == nil {
			return fmt.Errorf("%w: client misses both a connection and a dialer", cla.ErrStartFatal)
		}
		if client.conn, err = client.dial(); err != nil {
			return err
		}
	}

	conn, certNodeID, err := handshake(client.conn, client.activePeer, client.tlsConfig)
	if err != nil {
		_ = client.conn.Close()
		client.conn = nil
		return err
	}
	client.conn = conn

	client.session = runSession(conn, sessionConfig{
		activePeer:  client.activePeer,
		nodeID:      client.nodeID,
		certNodeID:  certNodeID,
		keepalive:   defaultKeepalive,
		segmentMRU:  defaultSegmentMRU,
		transferMRU: defaultTransferMRU,
	})

	select {
	case params := <-client.session.Established():
		client.peer = params.peer
		client.transferMTU = params.transferMTU

	case <-client.session.Done():
		err = client.session.Err()
		if err == nil {
			err = fmt.Errorf("session ended before establishment")
		}
		client.conn = nil
		return err

	case <-time.After(sessInitTimeout + time.Second):
		client.session.fail(fmt.Errorf("session establishment timed out"))
		client.conn = nil
		return fmt.Errorf("session establishment timed out")
	}

	client.log().WithField("peer", client.peer).Info("TCPCLv4 session established")

	client.events = make(chan cla.Event, 32)
	client.done = make(chan struct{})
	client.events <- cla.PeerUp{From: client, Peer: client.peer}

	go client.handle()
	return nil
}

// handle forwards received bundles and announces the session's end.
func (client *Client) handle() {
	defer close(client.done)

	for {
		select {
		case bndl := <-client.session.Bundles():
			client.log().WithField("bundle", bndl.ID()).Info("Received bundle")
			client.events <- cla.BundleReceived{From: client, Bundle: &bndl}

		case <-client.session.Done():
			if err := client.session.Err(); err != nil && !errors.Is(err, errSessionClosed) {
				client.log().WithError(err).Info("TCPCLv4 session failed")
			} else {
				client.log().Info("TCPCLv4 session closed")
			}

			client.conn = nil
			client.events <- cla.PeerDown{From: client, Peer: client.peer}
			return
		}
	}
}

// Send one bundle; blocks until the peer acknowledged the whole transfer.
func (client *Client) Send(b bpv7.Bundle) error {
	return client.session.Send(b)
}

// Close asks the session for a graceful shutdown.
func (client *Client) Close() error {
	if client.session == nil {
		return nil
	}

	client.session.Terminate()

	if client.done != nil {
		select {
		case <-client.done:
		case <-time.After(time.Second):
		}
	}
	return nil
}

// Events reports what happens on this link.
func (client *Client) Events() <-chan cla.Event {
	return client.events
}

// Address identifies this Client by its remote address.
func (client *Client) Address() string {
	return client.address
}

// IsPermanent is true for clients to configured peers.
func (client *Client) IsPermanent() bool {
	return client.permanent
}

// Initiator is true if this Client dialed its peer.
func (client *Client) Initiator() bool {
	return client.activePeer
}

// LocalEndpoint is the node ID this Client receives bundles for.
func (client *Client) LocalEndpoint() bpv7.EndpointID {
	return client.nodeID
}

// PeerEndpoint is the peer's node ID, known after establishment.
func (client *Client) PeerEndpoint() bpv7.EndpointID {
	return client.peer
}

// MaxBundleSize is the peer's transfer MRU.
func (client *Client) MaxBundleSize() uint64 {
	return client.transferMTU
}
