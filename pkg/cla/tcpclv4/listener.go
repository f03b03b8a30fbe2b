// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"fmt"
	"net"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

// Listener is a cla.ConvergenceProvider accepting inbound TCPCLv4
// connections. Each accepted connection becomes a passive Client, registered
// at the Manager.
type Listener struct {
	listenAddress string
	nodeID        bpv7.EndpointID
	tlsConfig     *TLSConfig

	manager  *cla.Manager
	listener net.Listener

	// stopped is accessed by sync/atomic functions.
	stopped uint32
}

// NewListener for the given listen address.
//
// A nil tlsConfig disables the CAN_TLS contact flag.
func NewListener(listenAddress string, nodeID bpv7.EndpointID, tlsConfig *TLSConfig) *Listener {
	return &Listener{
		listenAddress: listenAddress,
		nodeID:        nodeID,
		tlsConfig:     tlsConfig,
	}
}

func (listener *Listener) String() string {
	return fmt.Sprintf("tcpcl://%s", listener.listenAddress)
}

// AttachManager tells this Listener where to register accepted connections.
func (listener *Listener) AttachManager(manager *cla.Manager) {
	listener.manager = manager
}

// Start accepting connections.
func (listener *Listener) Start() (err error) {
	listener.listener, err = net.Listen("tcp", listener.listenAddress)
	if err != nil {
		return
	}

	log.WithField("cla", listener).Info("TCPCLv4 listener started")

	go listener.acceptLoop()
	return
}

func (listener *Listener) acceptLoop() {
	for {
		conn, err := listener.listener.Accept()
		if err != nil {
			if atomic.LoadUint32(&listener.stopped) != 0 {
				return
			}

			log.WithFields(log.Fields{
				"cla":   listener,
				"error": err,
			}).Warn("TCPCLv4 listener failed to accept a connection")
			continue
		}

		log.WithFields(log.Fields{
			"cla":  listener,
			"peer": conn.RemoteAddr(),
		}).Info("TCPCLv4 listener accepted a new connection")

		listener.manager.Register(newClientFromConn(conn, listener.nodeID, listener.tlsConfig))
	}
}

// Close this Listener.
func (listener *Listener) Close() error {
	atomic.StoreUint32(&listener.stopped, 1)

	if listener.listener == nil {
		return nil
	}
	return listener.listener.Close()
}
