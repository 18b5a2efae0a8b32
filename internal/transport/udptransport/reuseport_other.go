//go:build !linux

package udptransport

import "net"

// listenUDPReusePort falls back to an ordinary bind on platforms where
// SO_REUSEPORT isn't wired (only Linux's socket option semantics are
// implemented here); callers that set StreamUDPConfig.ReusePort outside
// Linux simply get a single, unshared listener.
func listenUDPReusePort(laddr *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenUDP("udp", laddr)
}
