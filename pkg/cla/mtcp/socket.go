// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"net"
	"time"
)

// dial opens a client connection with TCP keepalive enabled, so a vanished
// peer surfaces as an error instead of a hanging stream. Platform specific
// socket tuning happens in tuneSocket.
func dial(address string) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   time.Second,
		KeepAlive: 5 * time.Second,
	}

	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, err
	}

	tuneSocket(conn)
	return conn, nil
}
