package session

import (
	"errors"
	"time"

	"github.com/mikewei/cfwxx/internal/channel"
	"github.com/mikewei/cfwxx/internal/wire"
)

// ErrChannelClosed is returned by bufferedReader methods when the mailbox
// delivered a Close packet, or anything other than Data/Conn, while the
// caller expected more bytes.
var ErrChannelClosed = errors.New("session: channel closed or bad command")

// bufferedReader adapts a Channel mailbox into a byte stream for the
// egress SOCKS5 state machine, which has no socket of its own until the
// CONNECT target is resolved and dialed. It is the Go rendering of
// cfw_server.cc's ClientDataIo: ReadN blocks by polling, ReadData is the
// non-blocking variant used once the forwarding phase begins.
type bufferedReader struct {
	ch  *channel.Channel
	key uint64

	pkt    *wire.Packet
	readAt int
}

func newBufferedReader(ch *channel.Channel, key uint64) *bufferedReader {
	return &bufferedReader{ch: ch, key: key}
}

// fillOne blocks (by polling, in 50ms steps) until the next Data packet for
// this key is available, stashing it for ReadN/ReadData to consume. Conn
// packets are skipped. Returns ErrChannelClosed if a Close or unexpected
// command arrives first.
func (r *bufferedReader) fillOne() error {
	for {
		pkt := r.ch.Pop(r.key)
		if pkt == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if pkt.Cmd == wire.CmdConn {
			continue
		}
		if pkt.Cmd != wire.CmdData {
			return ErrChannelClosed
		}
		r.pkt = pkt
		r.readAt = 0
		return nil
	}
}

// ReadN blocks until exactly len(buf) bytes have been copied into buf,
// spanning as many Data packets as needed.
func (r *bufferedReader) ReadN(buf []byte) error {
	wrote := 0
	for wrote < len(buf) {
		if r.pkt == nil || r.readAt >= len(r.pkt.Payload) {
			if err := r.fillOne(); err != nil {
				return err
			}
		}
		n := copy(buf[wrote:], r.pkt.Payload[r.readAt:])
		wrote += n
		r.readAt += n
	}
	return nil
}

// ReadByte reads a single protocol byte, blocking as ReadN does.
func (r *bufferedReader) ReadByte() (byte, error) {
	var b [1]byte
	if err := r.ReadN(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readDataResult is the non-blocking ReadData outcome.
type readDataResult int

const (
	readDataOK readDataResult = iota
	readDataEmpty
	readDataError
)

// ReadData is the non-blocking counterpart used during the forwarding
// phase: it returns the remainder of the current buffered packet (honoring
// a partial ReadN that left readAt > 0), the next full packet's payload if
// none is buffered, Empty if the mailbox has nothing queued, or Error on a
// Close/bad command.
func (r *bufferedReader) ReadData() ([]byte, readDataResult) {
	if r.pkt == nil || r.readAt >= len(r.pkt.Payload) {
		pkt := r.ch.Pop(r.key)
		if pkt == nil {
			return nil, readDataEmpty
		}
		if pkt.Cmd != wire.CmdData {
			return nil, readDataError
		}
		r.pkt = pkt
		r.readAt = 0
	}
	out := r.pkt.Payload[r.readAt:]
	r.pkt = nil
	r.readAt = 0
	return out, readDataOK
}
