package server

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/greymass/kvs/libraries/enforce"
)

// IsUnixSocket reports whether address names a unix socket path.
func IsUnixSocket(address string) bool {
	return strings.HasSuffix(address, ".sock")
}

// Listen opens a unix socket when address ends in ".sock" (replacing a
// stale socket file) and a TCP listener otherwise.
func Listen(address string) (net.Listener, error) {
	if !IsUnixSocket(address) {
		return net.Listen("tcp", address)
	}
	os.Remove(address)
	l, err := net.Listen("unix", address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(address, 0777); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Dial connects to a listener opened by Listen.
func Dial(address string, timeout time.Duration) (net.Conn, error) {
	network := "tcp"
	if IsUnixSocket(address) {
		network = "unix"
	}
	return net.DialTimeout(network, address, timeout)
}

// SocketListen is Listen for bootstrap code paths where failure is fatal.
func SocketListen(address string) net.Listener {
	l, err := Listen(address)
	enforce.ENFORCE(err, "listen failure ", address)
	return l
}
