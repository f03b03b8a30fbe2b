// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

// quiclALPN is the application protocol name announced within QUIC's TLS.
const quiclALPN = "bpv7-quicl"

// Listener is a cla.ConvergenceProvider accepting QUIC connections.
type Listener struct {
	listenAddress string
	nodeID        bpv7.EndpointID

	manager  *cla.Manager
	listener *quic.Listener
}

// NewListener for the given listen address.
func NewListener(listenAddress string, nodeID bpv7.EndpointID) *Listener {
	return &Listener{
		listenAddress: listenAddress,
		nodeID:        nodeID,
	}
}

// AttachManager tells this Listener where to register accepted connections.
func (listener *Listener) AttachManager(manager *cla.Manager) {
	listener.manager = manager
}

// Start accepting connections.
func (listener *Listener) Start() error {
	lst, err := quic.ListenAddr(listener.listenAddress, listenerTLSConfig(), quicConfig())
	if err != nil {
		return err
	}

	listener.listener = lst
	log.WithField("address", listener.listenAddress).Info("QUICL listener started")

	go listener.acceptLoop()
	return nil
}

func (listener *Listener) acceptLoop() {
	for {
		connection, err := listener.listener.Accept(context.Background())
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				log.WithField("address", listener.listenAddress).Info("QUICL listener closed")
				return
			}

			log.WithFields(log.Fields{
				"address": listener.listenAddress,
				"error":   err,
			}).Warn("QUICL listener failed to accept a connection")
			continue
		}

		log.WithFields(log.Fields{
			"address": listener.listenAddress,
			"peer":    connection.RemoteAddr(),
		}).Info("QUICL listener accepted a new connection")

		listener.manager.Register(newAcceptedLink(connection, listener.nodeID))
	}
}

// Close this Listener.
func (listener *Listener) Close() error {
	if listener.listener == nil {
		return nil
	}
	return listener.listener.Close()
}

// listenerTLSConfig is a bare-bones TLS setup on a freshly generated
// self-signed certificate; the dialer side skips verification. QUIC itself
// demands TLS, a trust relation is not established on this layer.
func listenerTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.WithError(err).Fatal("Generating a QUICL key failed")
	}

	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		log.WithError(err).Fatal("Generating a QUICL certificate failed")
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.WithError(err).Fatal("Assembling the QUICL certificate failed")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quiclALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// dialerTLSConfig accepts the listener's self-signed certificate.
func dialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quiclALPN},
	}
}

// quicConfig is shared by dialer and listener.
func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    time.Second,
		MaxIdleTimeout:     5 * time.Second,
		MaxIncomingStreams: 2048,
	}
}
