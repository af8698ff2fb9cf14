// Package session implements the two session-worker lifecycles (ingress,
// driven by a raw TCP accept; egress, driven by a Conn frame) that bridge a
// raw socket on one side with a Channel mailbox on the other. It is the Go
// rendering of the original cfw_client.cc HandleClient and cfw_server.cc
// HandleClient/ProcHandshake/ProcCommand, restructured the way the device/
// peer lifecycle code in this corpus structures a worker: an explicit
// constructor, a single blocking Run, and an unconditional cleanup
// on every exit path.
package session

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// MakeKey mints the 64-bit session key from a client's IPv4 address, port,
// and the current wall-clock second: (ip<<32)|(port<<16)|(seconds&0xFFFF).
// Only IPv4 TCP remotes are supported; any other address returns an error.
func MakeKey(addr net.Addr) (uint64, error) {
	ip, port, err := splitIPPort(addr)
	if err != nil {
		return 0, err
	}
	return makeKeyFrom(ip, port, time.Now()), nil
}

func makeKeyFrom(ip uint32, port uint16, now time.Time) uint64 {
	secs := uint64(now.Unix()) & 0xFFFF
	return (uint64(ip) << 32) | (uint64(port) << 16) | secs
}

func splitIPPort(addr net.Addr) (uint32, uint16, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0, 0, fmt.Errorf("session: unsupported remote address type %T", addr)
	}
	v4 := tcpAddr.IP.To4()
	if v4 == nil {
		return 0, 0, fmt.Errorf("session: IPv6 remote %s unsupported", tcpAddr.IP)
	}
	return binary.BigEndian.Uint32(v4), uint16(tcpAddr.Port), nil
}
