// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

const (
	// contactTimeout bounds the initial contact header exchange.
	contactTimeout = 30 * time.Second

	// tlsHandshakeTimeout bounds an optional TLS handshake.
	tlsHandshakeTimeout = 30 * time.Second

	// sessInitTimeout bounds the SESS_INIT exchange.
	sessInitTimeout = 30 * time.Second
)

// TLSConfig is the TLS material for TCPCLv4 session security, enabling both
// the CAN_TLS contact flag and mutual authentication.
type TLSConfig struct {
	// Certificate is this node's certificate with its private key.
	Certificate tls.Certificate

	// TrustedCerts is the pool of trusted certificates for peer verification.
	TrustedCerts *x509.CertPool
}

// handshake performs everything up to the session: the contact header
// exchange and, if both sides are capable and willing, the TLS upgrade with
// mutual authentication. It returns the possibly wrapped connection and, for
// a TLS connection, the peer certificate's bundle EID.
func handshake(conn net.Conn, activePeer bool, tlsConfig *TLSConfig) (upgraded net.Conn, certNodeID string, err error) {
	upgraded = conn

	peerCanTLS, err := exchangeContactHeaders(conn, activePeer, tlsConfig != nil)
	if err != nil {
		err = fmt.Errorf("contact header exchange failed: %w", err)
		return
	}

	if tlsConfig == nil || !peerCanTLS {
		return
	}

	tlsConn, peerCert, tlsErr := upgradeTLS(conn, activePeer, tlsConfig)
	if tlsErr != nil {
		err = fmt.Errorf("TLS upgrade failed: %w", tlsErr)
		return
	}

	certNodeID, found := BundleEIDFromCert(peerCert)
	if !found {
		err = fmt.Errorf("peer certificate misses an id-on-bundleEID otherName")
		return
	}

	upgraded = tlsConn
	return
}

// exchangeContactHeaders sends and receives the six octet contact headers,
// the active peer first, bounded by contactTimeout. It reports if the peer
// advertised TLS capability.
func exchangeContactHeaders(conn net.Conn, activePeer, canTLS bool) (peerCanTLS bool, err error) {
	if err = conn.SetDeadline(time.Now().Add(contactTimeout)); err != nil {
		return
	}
	defer func() {
		if deadlineErr := conn.SetDeadline(time.Time{}); deadlineErr != nil && err == nil {
			err = deadlineErr
		}
	}()

	own := contactHeader{canTLS: canTLS}
	var peer contactHeader

	if activePeer {
		if _, err = conn.Write(own.encode()); err != nil {
			return
		}
		if err = peer.decode(conn); err != nil {
			return
		}
	} else {
		if err = peer.decode(conn); err != nil {
			return
		}
		if _, err = conn.Write(own.encode()); err != nil {
			return
		}
	}

	peerCanTLS = peer.canTLS
	return
}

// upgradeTLS wraps the connection in a mutually authenticated TLS session
// and returns the peer's verified leaf certificate.
func upgradeTLS(conn net.Conn, activePeer bool, config *TLSConfig) (tlsConn *tls.Conn, peerCert *x509.Certificate, err error) {
	tlsSetup := &tls.Config{
		Certificates: []tls.Certificate{config.Certificate},

		// Verification happens below against the trusted certificate pool;
		// peer certificates carry a bundle EID instead of a host name.
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,

		MinVersion: tls.VersionTLS12,
	}

	if activePeer {
		tlsConn = tls.Client(conn, tlsSetup)
	} else {
		tlsConn = tls.Server(conn, tlsSetup)
	}

	if err = conn.SetDeadline(time.Now().Add(tlsHandshakeTimeout)); err != nil {
		return
	}
	if err = tlsConn.Handshake(); err != nil {
		return
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		err = fmt.Errorf("peer presented no certificate")
		return
	}
	peerCert = peerCerts[0]

	opts := x509.VerifyOptions{
		Roots:         config.TrustedCerts,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, cert := range peerCerts[1:] {
		opts.Intermediates.AddCert(cert)
	}

	if _, err = peerCert.Verify(opts); err != nil {
		err = fmt.Errorf("peer certificate verification failed: %w", err)
	}

	return
}
