// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd reports service status to systemd.
package systemd

import (
	"fmt"
	"net"

	"go.astrophena.name/osmwelcome/internal/logger"
)

// Notifier sends messages to systemd using the sd_notify protocol.
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
//
// A Notifier outside of systemd does nothing.
type Notifier struct {
	socket string
	logf   logger.Logf
}

// New returns a Notifier for the socket named by the NOTIFY_SOCKET
// variable in getenv. Errors are logged to logf.
func New(getenv func(string) string, logf logger.Logf) *Notifier {
	return &Notifier{socket: getenv("NOTIFY_SOCKET"), logf: logf}
}

// Status updates the status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) {
	n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

func (n *Notifier) notify(state string) {
	if n == nil || n.socket == "" {
		return
	}

	addr := &net.UnixAddr{Net: "unixgram", Name: n.socket}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		n.logf("systemd: failed when notifying: %v", err)
		return
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		n.logf("systemd: failed when notifying: %v", err)
	}
}
