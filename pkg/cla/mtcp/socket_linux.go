// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package mtcp

import (
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// tuneSocket tightens Linux' TCP timeouts beyond the portable keepalive, so
// abrupt connection losses surface quickly. This matters in mobile scenarios
// where a peer may move out of range at any time; see tcp(7).
func tuneSocket(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}

	ctrlErr := raw.Control(func(fd uintptr) {
		// Give up on unacknowledged data after two seconds.
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, 2000)
		if err != nil {
			return
		}

		// A single missed keepalive probe, sent after three idle seconds,
		// drops the connection.
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 1)
		if err != nil {
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 3)
		if err != nil {
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 3)
	})

	if ctrlErr == nil {
		ctrlErr = err
	}
	if ctrlErr != nil {
		log.WithError(ctrlErr).Debug("Tuning the MTCP socket failed")
	}
}
