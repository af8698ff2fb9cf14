// Package addr models the network addresses this tunnel deals in as a small
// sum type, the Go rendering of the original's abstract SockAddr/SockAddrIn
// split: one case implemented (V4); there is no V6 case, and a 16-byte
// IPv6 address is rejected with ErrIPv6Unsupported rather than silently
// mishandled, matching the "Non-goals: IPv6" boundary named in the
// specification.
package addr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrIPv6Unsupported is returned by any operation asked to build or
// interpret an IPv6 address; IPv6 is an explicit non-goal of this tunnel.
var ErrIPv6Unsupported = errors.New("addr: IPv6 unsupported")

// Address is implemented by every address case this tunnel understands.
type Address interface {
	// Bytes returns the address in network byte order, without the port.
	Bytes() []byte
	// Len returns len(Bytes()).
	Len() int
	// Port returns the port in host byte order.
	Port() uint16
	String() string
}

// V4 is an IPv4 address and port.
type V4 struct {
	IP     [4]byte
	PortNo uint16
}

// NewV4 builds a V4 from a network-order 32-bit IP and a host-order port.
func NewV4(ip uint32, port uint16) V4 {
	var v V4
	binary.BigEndian.PutUint32(v.IP[:], ip)
	v.PortNo = port
	return v
}

// NewV4FromBytes builds a V4 from a 4-byte network-order slice and a
// host-order port.
func NewV4FromBytes(ip []byte, port uint16) (V4, error) {
	if len(ip) == 16 {
		return V4{}, ErrIPv6Unsupported
	}
	if len(ip) != 4 {
		return V4{}, fmt.Errorf("addr: want 4 bytes, got %d", len(ip))
	}
	var v V4
	copy(v.IP[:], ip)
	v.PortNo = port
	return v, nil
}

func (v V4) Bytes() []byte { return v.IP[:] }
func (v V4) Len() int      { return 4 }
func (v V4) Port() uint16  { return v.PortNo }

func (v V4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", v.IP[0], v.IP[1], v.IP[2], v.IP[3], v.PortNo)
}

// Uint32 returns the address in network byte order as a plain integer, the
// form SOCKS5 and the carrier's MakeKey both want.
func (v V4) Uint32() uint32 {
	return binary.BigEndian.Uint32(v.IP[:])
}
