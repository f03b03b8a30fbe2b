// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package mtcp

import "net"

// tuneSocket is a no-op next to Linux; the dialer's portable keepalive has
// to suffice.
func tuneSocket(net.Conn) {}
