//go:build linux

package udptransport

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenUDPReusePort binds addr with SO_REUSEPORT set, letting several
// Listener goroutines share one port with the kernel load-balancing
// datagrams between them by 4-tuple hash (SPEC_FULL.md §1.2, grounded
// on the teacher's golang.org/x/sys usage in
// internal/adapter/outbound/state/flock_windows.go — there for
// LockFileEx, here for a socket option the plain net package exposes no
// hook for).
func listenUDPReusePort(laddr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", laddr.String())
	if err != nil {
		return nil, fmt.Errorf("udptransport: reuseport listen: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("udptransport: reuseport listen: unexpected conn type %T", pc)
	}
	return conn, nil
}
