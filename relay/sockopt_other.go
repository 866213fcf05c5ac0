//go:build !linux

package relay

import (
	"net"
	"time"
)

func setUserTimeout(net.Conn, time.Duration) error {
	return nil
}
