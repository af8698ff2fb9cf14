// Package carrier implements the Carrier Worker: the single task per peer
// that owns the one physical TCP connection carrying every multiplexed
// session between an ingress and an egress process. It drains the shared
// outbound queue (channel.EgressKey) and frames it onto the wire, and
// demultiplexes inbound frames back into per-session mailboxes — the Go
// rendering of the original carrier's combined send/recv pump, split into
// two goroutines instead of one thread alternating between a write-ready
// and a read-ready poll.
package carrier

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
	"github.com/mikewei/cfwxx/internal/ratelimit"
	"github.com/mikewei/cfwxx/internal/session"
	"github.com/mikewei/cfwxx/internal/wire"
)

// recvPollTimeout bounds each RecvFrame attempt: a carrier link with
// nothing inbound must still return promptly so the send side gets a
// chance to drain channel.EgressKey.
const recvPollTimeout = 50 * time.Millisecond

// gcInterval is how often the egress-side carrier sweeps idle mailboxes.
// Ingress sessions are torn down explicitly when their socket closes, so
// only the egress side needs a periodic sweep.
const gcInterval = 60 * time.Second

// gcMaxIdle is the idle threshold past which an egress mailbox with no
// matching session worker left is reclaimed.
const gcMaxIdle = 120 * time.Second

// reconnectDelay is how long the ingress carrier waits before redialing
// after the carrier link drops.
const reconnectDelay = 1 * time.Second

// RunIngress dials addr and keeps exactly one carrier link alive to it,
// reconnecting after reconnectDelay whenever the link drops, until ctx is
// canceled.
func RunIngress(ctx context.Context, ch *channel.Channel, addr string, log *cfwlog.Logger) {
	log = log.With("role", "ingress-carrier")
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			log.Errorf("dial %s: %v", addr, err)
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			continue
		}
		log.Infof("carrier link established to %s", addr)
		serve(ctx, ch, conn, log, false)
		conn.Close()
		log.Infof("carrier link lost, reconnecting in %s", reconnectDelay)
		if !sleepOrDone(ctx, reconnectDelay) {
			return
		}
	}
}

// RunEgress listens on listenAddr and serves carrier links as they arrive,
// one at a time, applying limiter to each accepted source IP. It blocks
// until ctx is canceled or the listener fails.
func RunEgress(ctx context.Context, ch *channel.Channel, listenAddr string, limiter *ratelimit.Limiter, log *cfwlog.Logger) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ch, ln, limiter, log)
}

// ServeListener runs the egress accept loop against an already-bound
// listener. Split out from RunEgress so tests (and callers that want the
// kernel-assigned port from a ":0" bind) can create the listener
// themselves before handing it off.
func ServeListener(ctx context.Context, ch *channel.Channel, ln net.Listener, limiter *ratelimit.Limiter, log *cfwlog.Logger) error {
	log = log.With("role", "egress-carrier")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go gcLoop(ctx, ch, log)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("accept: %v", err)
			continue
		}
		remoteIP, ok := sourceIP(conn.RemoteAddr())
		if ok && limiter != nil && !limiter.Allow(remoteIP) {
			log.Verbosef("rejecting %s: accept rate exceeded", conn.RemoteAddr())
			conn.Close()
			continue
		}
		log.Infof("carrier link accepted from %s", conn.RemoteAddr())
		serve(ctx, ch, conn, log, true)
		conn.Close()
		log.Infof("carrier link closed, awaiting reconnect")
	}
}

// serve runs the bidirectional frame pump for one carrier connection until
// either direction fails, then returns. spawnSessions is true on the
// egress side, where an unrecognized key's Conn frame starts a new
// EgressWorker; it is false on the ingress side, where sessions are
// created by accepting local SOCKS5 clients instead.
func serve(ctx context.Context, ch *channel.Channel, conn net.Conn, log *cfwlog.Logger, spawnSessions bool) {
	enc := wire.NewObfuscator()
	dec := wire.NewObfuscator()
	fr := wire.NewFrameReader(conn)

	done := make(chan struct{})
	go func() {
		sendLoop(ch, conn, enc, log, done)
	}()
	recvLoop(ctx, ch, fr, dec, log, spawnSessions, done)
	<-done
}

// sendLoop drains channel.EgressKey and frames each packet onto conn until
// done is closed. A failed write is logged and the loop keeps draining; the
// recv side notices a lost connection on its next read and closes done.
func sendLoop(ch *channel.Channel, conn net.Conn, enc *wire.Obfuscator, log *cfwlog.Logger, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		pkt := ch.Pop(channel.EgressKey)
		if pkt == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := wire.SendFrame(conn, enc, pkt); err != nil {
			log.Errorf("send: %v", err)
		}
	}
}

// recvLoop polls the carrier link for inbound frames and demultiplexes
// each into the destination mailbox, spawning a new EgressWorker the
// first time a key's Conn frame is seen (egress side only).
func recvLoop(ctx context.Context, ch *channel.Channel, fr *wire.FrameReader, dec *wire.Obfuscator, log *cfwlog.Logger, spawnSessions bool, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := fr.RecvFrame(dec, recvPollTimeout)
		if err != nil {
			if err == wire.ErrTimeout {
				continue
			}
			log.Verbosef("recv: %v", err)
			return
		}

		if spawnSessions && pkt.Cmd == wire.CmdConn {
			spawnEgressSession(ch, pkt.Key, log)
			continue
		}
		ch.Push(pkt.Key, pkt)
	}
}

// spawnEgressSession starts a new EgressWorker for key. A Conn frame for a
// key whose mailbox is already owned means the ingress peer minted a
// colliding key — a programmer error in key minting, not a recoverable
// runtime condition — so it is fatal rather than silently dropped.
func spawnEgressSession(ch *channel.Channel, key uint64, log *cfwlog.Logger) {
	if !ch.Own(key) {
		panic(fmt.Sprintf("carrier: key collision acquiring mailbox %d", key))
	}
	go session.NewEgressWorker(ch, key, log).Run()
}

// gcLoop periodically reclaims mailboxes that have had no activity for
// gcMaxIdle, logging each key it reaps.
func gcLoop(ctx context.Context, ch *channel.Channel, log *cfwlog.Logger) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped := ch.GarbageCleanup(gcMaxIdle)
			if len(reaped) > 0 {
				log.Infof("garbage-collected %d idle session(s)", len(reaped))
			}
		}
	}
}

// sleepOrDone waits for d or ctx cancellation, whichever comes first,
// reporting false if it was canceled.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func sourceIP(a net.Addr) (netip.Addr, bool) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
