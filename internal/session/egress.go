package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mikewei/cfwxx/internal/addr"
	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
	"github.com/mikewei/cfwxx/internal/resolver"
	"github.com/mikewei/cfwxx/internal/socks5"
	"github.com/mikewei/cfwxx/internal/wire"
)

// dialTimeout bounds how long the egress worker waits for the real outbound
// TCP connect named by a CONNECT request.
const dialTimeout = 10 * time.Second

// EgressWorker owns one tunneled session's far end: it plays SOCKS5 server
// to the bytes the ingress peer forwards, then dials the requested target
// and relays raw bytes both ways. It is the Go rendering of cfw_server.cc's
// HandleClient, ProcHandshake and ProcCommand, restructured so a failed
// CONNECT sends exactly one reply and returns rather than falling through
// into a second write.
type EgressWorker struct {
	ch  *channel.Channel
	key uint64
	log *cfwlog.Logger

	r      *bufferedReader
	active activityClock
}

// NewEgressWorker returns a worker ready to Run for a session key the
// carrier just learned about via a Conn control packet from the wire.
func NewEgressWorker(ch *channel.Channel, key uint64, log *cfwlog.Logger) *EgressWorker {
	return &EgressWorker{ch: ch, key: key, log: log.With("key", key), r: newBufferedReader(ch, key), active: newActivityClock()}
}

// Run executes the handshake, then either relays or tears the mailbox down.
// Every failure path ends the session by pushing Close and freeing the
// mailbox, mirroring the ingress worker's unconditional cleanup.
func (w *EgressWorker) Run() {
	defer w.ch.Free(w.key)

	if err := w.procHandshake(); err != nil {
		w.log.Verbosef("handshake: %v", err)
		w.ch.Push(channel.EgressKey, wire.NewClose(w.key))
		return
	}

	target, err := w.procCommand()
	if err != nil {
		w.log.Verbosef("command: %v", err)
		w.ch.Push(channel.EgressKey, wire.NewClose(w.key))
		return
	}

	conn, err := net.DialTimeout("tcp", target.String(), dialTimeout)
	if err != nil {
		w.log.Infof("connect %s failed: %v", target, err)
		w.sendReply(socks5.ReplyGeneralFailure, addr.V4{})
		w.ch.Push(channel.EgressKey, wire.NewClose(w.key))
		return
	}
	defer conn.Close()

	local := addr.V4{}
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		if v4 := tcpAddr.IP.To4(); v4 != nil {
			local, _ = addr.NewV4FromBytes(v4, uint16(tcpAddr.Port))
		}
	}
	w.sendReply(socks5.ReplySucceeded, local)
	w.log.Infof("connected to %s", target)

	w.relay(conn)
	w.log.Infof("session closed")
}

// procHandshake consumes the method-selection request and always answers
// NO AUTH: this tunnel never negotiates credentials, matching ProcHandshake.
func (w *EgressWorker) procHandshake() error {
	hdr := make([]byte, 2)
	if err := w.r.ReadN(hdr); err != nil {
		return err
	}
	if hdr[0] != socks5.Version {
		return fmt.Errorf("bad version %d", hdr[0])
	}
	nmethods := int(hdr[1])
	if nmethods > 0 {
		methods := make([]byte, nmethods)
		if err := w.r.ReadN(methods); err != nil {
			return err
		}
	}
	reply := []byte{socks5.Version, socks5.MethodNoAuth}
	w.ch.Push(channel.EgressKey, wire.NewData(w.key, reply))
	return nil
}

// procCommand consumes the CONNECT request and resolves it to a dialable
// IPv4 address. Only CMD=CONNECT, RSV=0x00, and ATYP in {IPv4, DOMAIN} are
// accepted; every other rejection (bad cmd, bad rsv, bad atyp, a failed
// resolve) writes a single general-failure reply before returning the
// error, so the client always sees exactly one response to its request.
func (w *EgressWorker) procCommand() (addr.V4, error) {
	hdr := make([]byte, 4)
	if err := w.r.ReadN(hdr); err != nil {
		return addr.V4{}, err
	}
	ver, cmd, rsv, atyp := hdr[0], hdr[1], hdr[2], hdr[3]
	if ver != socks5.Version {
		w.sendReply(socks5.ReplyGeneralFailure, addr.V4{})
		return addr.V4{}, fmt.Errorf("bad version %d", ver)
	}
	if cmd != socks5.CmdConnect {
		w.sendReply(socks5.ReplyGeneralFailure, addr.V4{})
		return addr.V4{}, fmt.Errorf("unsupported command %d", cmd)
	}
	if rsv != 0x00 {
		w.sendReply(socks5.ReplyGeneralFailure, addr.V4{})
		return addr.V4{}, fmt.Errorf("nonzero reserved byte %d", rsv)
	}

	var target addr.V4
	switch atyp {
	case socks5.ATYPIPv4:
		ip := make([]byte, 4)
		if err := w.r.ReadN(ip); err != nil {
			return addr.V4{}, err
		}
		v, err := addr.NewV4FromBytes(ip, 0)
		if err != nil {
			return addr.V4{}, err
		}
		target = v
	case socks5.ATYPDomain:
		lenByte, err := w.r.ReadByte()
		if err != nil {
			return addr.V4{}, err
		}
		name := make([]byte, int(lenByte))
		if err := w.r.ReadN(name); err != nil {
			return addr.V4{}, err
		}
		resolved, err := resolver.Resolve(context.Background(), string(name))
		if err != nil {
			w.sendReply(socks5.ReplyGeneralFailure, addr.V4{})
			return addr.V4{}, err
		}
		target = resolved
	default:
		w.sendReply(socks5.ReplyGeneralFailure, addr.V4{})
		return addr.V4{}, fmt.Errorf("unsupported address type %d", atyp)
	}

	portBytes := make([]byte, 2)
	if err := w.r.ReadN(portBytes); err != nil {
		return addr.V4{}, err
	}
	target.PortNo = uint16(portBytes[0])<<8 | uint16(portBytes[1])
	return target, nil
}

// sendReply writes the fixed 10-byte IPv4 SOCKS5 reply this tunnel's
// CONNECT-only subset always uses, regardless of the requested ATYP.
func (w *EgressWorker) sendReply(rep byte, bound addr.V4) {
	reply := make([]byte, 10)
	reply[0] = socks5.Version
	reply[1] = rep
	reply[2] = 0x00
	reply[3] = socks5.ATYPIPv4
	copy(reply[4:8], bound.Bytes())
	reply[8] = byte(bound.PortNo >> 8)
	reply[9] = byte(bound.PortNo)
	w.ch.Push(channel.EgressKey, wire.NewData(w.key, reply))
}

// relay pumps raw bytes between the dialed target connection and this
// session's mailbox until either side closes, the same two-pump-plus-stop
// shape the ingress worker uses.
func (w *EgressWorker) relay(conn net.Conn) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.pumpSocketToMailbox(conn, stop)
		close(stop)
	}()
	go func() {
		w.pumpMailboxToSocket(conn, stop)
		close(done)
	}()
	<-stop
	<-done
}

// pumpSocketToMailbox reads target bytes and queues them as Data packets
// bound for the ingress peer. It wakes at socketPollTimeout even with
// nothing to read, so it can notice IdleTimeout; on EOF or a real error it
// queues a Close.
func (w *EgressWorker) pumpSocketToMailbox(conn net.Conn, stop chan struct{}) {
	buf := make([]byte, wire.MaxPayload)
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(socketPollTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			w.ch.Push(channel.EgressKey, wire.NewData(w.key, buf[:n]))
			w.active.touch()
		}
		if err != nil {
			if isTimeoutErr(err) {
				if w.active.idleFor() > IdleTimeout {
					w.log.Verbosef("idle timeout after %s, closing session", IdleTimeout)
					w.ch.Push(channel.EgressKey, wire.NewClose(w.key))
					return
				}
				continue
			}
			w.ch.Push(channel.EgressKey, wire.NewClose(w.key))
			return
		}
	}
}

// pumpMailboxToSocket drains packets the carrier delivered for this key
// (client bytes forwarded by the ingress peer) and writes them to the
// target socket, stopping on a Close packet, a write failure, or stop
// firing. It always closes conn so the socket pump's Read unblocks too.
func (w *EgressWorker) pumpMailboxToSocket(conn net.Conn, stop chan struct{}) {
	defer conn.Close()
	for {
		select {
		case <-stop:
			return
		default:
		}
		pkt, res := w.r.ReadData()
		switch res {
		case readDataEmpty:
			select {
			case <-stop:
				return
			case <-time.After(pollInterval):
			}
			continue
		case readDataError:
			return
		}
		if len(pkt) == 0 {
			continue
		}
		if _, err := conn.Write(pkt); err != nil {
			return
		}
		w.active.touch()
	}
}
