package session

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
	"github.com/mikewei/cfwxx/internal/wire"
)

// pollInterval is how often a session worker re-polls an empty mailbox.
const pollInterval = 20 * time.Millisecond

// IngressWorker bridges one accepted local SOCKS5 client socket with the
// carrier's shared outbound queue (channel.EgressKey). It carries no SOCKS5
// protocol knowledge of its own: that state machine lives entirely on the
// egress peer, so the ingress side only ever moves bytes, the Go rendering
// of cfw_client.cc HandleClient.
type IngressWorker struct {
	ch   *channel.Channel
	key  uint64
	conn net.Conn
	log  *cfwlog.Logger

	active activityClock
	stop   chan struct{}
}

// NewIngressWorker returns a worker ready to Run for an already-accepted
// client connection. Caller must have already minted key with MakeKey for
// conn's remote address.
func NewIngressWorker(ch *channel.Channel, key uint64, conn net.Conn, log *cfwlog.Logger) *IngressWorker {
	return &IngressWorker{ch: ch, key: key, conn: conn, log: log.With("key", key), active: newActivityClock(), stop: make(chan struct{})}
}

// Run drives the session to completion: it announces the new session to the
// egress peer, pumps bytes in both directions, and tears down the mailbox
// and socket together on either side's failure or on IdleTimeout. It blocks
// until the session ends; failures are logged, since a single bad session
// must never take down the carrier.
//
// A key collision on Own means the caller minted a key already in use by a
// live mailbox — a programmer error in key minting, not a recoverable
// runtime condition, so it is fatal rather than logged-and-dropped.
func (w *IngressWorker) Run() {
	if !w.ch.Own(w.key) {
		panic(fmt.Sprintf("session: key collision acquiring mailbox %d", w.key))
	}
	defer w.ch.Free(w.key)

	w.ch.Push(channel.EgressKey, wire.NewConn(w.key))
	w.log.Infof("session opened from %s", w.conn.RemoteAddr())

	done := make(chan struct{})
	go func() {
		w.pumpMailboxToSocket()
		close(done)
	}()
	w.pumpSocketToMailbox()
	<-done
	w.log.Infof("session closed")
}

// pumpSocketToMailbox reads client bytes and queues them as Data packets for
// the carrier to frame and send. It wakes at socketPollTimeout even with
// nothing to read, so it can notice IdleTimeout; on EOF or a real error it
// queues a Close, signals the mailbox pump to stop, and returns.
func (w *IngressWorker) pumpSocketToMailbox() {
	buf := make([]byte, wire.MaxPayload)
	for {
		w.conn.SetReadDeadline(time.Now().Add(socketPollTimeout))
		n, err := w.conn.Read(buf)
		if n > 0 {
			w.ch.Push(channel.EgressKey, wire.NewData(w.key, buf[:n]))
			w.active.touch()
		}
		if err != nil {
			if isTimeoutErr(err) {
				if w.active.idleFor() > IdleTimeout {
					w.log.Verbosef("idle timeout after %s, closing session", IdleTimeout)
					w.ch.Push(channel.EgressKey, wire.NewClose(w.key))
					close(w.stop)
					return
				}
				continue
			}
			if err != io.EOF {
				w.log.Verbosef("client read: %v", err)
			}
			w.ch.Push(channel.EgressKey, wire.NewClose(w.key))
			close(w.stop)
			return
		}
	}
}

// pumpMailboxToSocket pops packets the carrier delivered for this key (the
// egress side's reply bytes) and writes them to the client socket. A Close
// packet, any command other than Data, a write failure, or the socket pump
// stopping ends the loop; it
// always closes conn on the way out so the socket pump's next Read
// unblocks with an error.
func (w *IngressWorker) pumpMailboxToSocket() {
	defer w.conn.Close()
	for {
		pkt := w.popBlocking()
		if pkt == nil {
			return
		}
		switch pkt.Cmd {
		case wire.CmdClose:
			return
		case wire.CmdData:
			w.active.touch()
			if _, err := w.conn.Write(pkt.Payload); err != nil {
				w.log.Verbosef("client write: %v", err)
				return
			}
		default:
			w.log.Errorf("unexpected command %s in session mailbox", pkt.Cmd)
			return
		}
	}
}

// popBlocking polls the mailbox until a packet is available or the socket
// pump has already exited.
func (w *IngressWorker) popBlocking() *wire.Packet {
	for {
		if pkt := w.ch.Pop(w.key); pkt != nil {
			return pkt
		}
		select {
		case <-w.stop:
			return nil
		case <-time.After(pollInterval):
		}
	}
}
