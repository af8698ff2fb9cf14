// Package wire implements the carrier frame format: a fixed 13-byte header
// followed by payload, obfuscated byte-by-byte with a stateful XOR stream.
// It is the Go rendering of the original carrier's Pkg/Crypt/SendPkg/RecvPkg
// trio: the same header layout, the same obfuscator recurrence, the same
// two-phase peek-then-read receive loop, expressed with net.Conn deadlines
// instead of MSG_PEEK|MSG_DONTWAIT spinning.
package wire

import "fmt"

// Cmd is the one-byte command tag carried by every frame.
type Cmd uint8

const (
	CmdConn  Cmd = 1
	CmdData  Cmd = 2
	CmdClose Cmd = 3
)

func (c Cmd) String() string {
	switch c {
	case CmdConn:
		return "Conn"
	case CmdData:
		return "Data"
	case CmdClose:
		return "Close"
	default:
		return fmt.Sprintf("Cmd(%d)", uint8(c))
	}
}

const (
	// HeaderSize is key(8) + cmd(1) + data_len(4).
	HeaderSize = 13
	// MaxPayload is the fixed per-frame receive buffer size.
	MaxPayload = 4096
	// MaxFrame bounds the total wire size of one frame.
	MaxFrame = HeaderSize + MaxPayload
)

// Packet is one multiplexed unit: a session key, a command, and (for Data)
// a payload no larger than MaxPayload bytes.
type Packet struct {
	Key     uint64
	Cmd     Cmd
	Payload []byte
}

// NewConn builds a Conn control packet for key.
func NewConn(key uint64) *Packet { return &Packet{Key: key, Cmd: CmdConn} }

// NewClose builds a Close control packet for key.
func NewClose(key uint64) *Packet { return &Packet{Key: key, Cmd: CmdClose} }

// NewData builds a Data packet for key, copying payload so the caller's
// buffer can be reused immediately.
func NewData(key uint64, payload []byte) *Packet {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &Packet{Key: key, Cmd: CmdData, Payload: buf}
}
