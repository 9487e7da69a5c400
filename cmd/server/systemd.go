package main

import (
	"net"
	"os"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// errNoNotifySocket is returned when the process was not started by
// systemd with Type=notify.
var errNoNotifySocket = xerrors.New("NOTIFY_SOCKET not set")

// notifyReady sends READY=1 to the systemd notify socket.
func notifyReady() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errNoNotifySocket
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "write notify socket")
	}
	return nil
}
