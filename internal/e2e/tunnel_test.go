// Package e2e drives the whole tunnel — both carrier link directions, the
// SOCKS5 CONNECT subset, and a real dialed target — over real loopback TCP
// sockets, the way the rest of this corpus tests multi-process systems: no
// mocked transport, just localhost.
package e2e

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikewei/cfwxx/internal/carrier"
	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
	"github.com/mikewei/cfwxx/internal/session"
)

// socksReplyGeneralFailure is the REP byte every rejected CONNECT-subset
// request must carry, mirrored here rather than imported so the e2e suite
// is asserting against the wire value a real client would see, not against
// whatever internal/socks5 happens to name it.
const socksReplyGeneralFailure = 0x01

// startEgress brings up an egress carrier listener on an ephemeral port and
// returns its address and a cancel func to tear it down.
func startEgress(t *testing.T) (addr string, cancel context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := channel.New()
	log := cfwlog.New("e2e-egress")
	go carrier.ServeListener(ctx, ch, ln, nil, log)
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel
}

// startIngress dials egressAddr and brings up a local SOCKS5-accepting
// listener, returning its address.
func startIngress(t *testing.T, egressAddr string) (addr string, cancel context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := channel.New()
	log := cfwlog.New("e2e-ingress")
	go carrier.RunIngress(ctx, ch, egressAddr, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			key, err := session.MakeKey(conn.RemoteAddr())
			if err != nil {
				conn.Close()
				continue
			}
			go session.NewIngressWorker(ch, key, conn, log).Run()
		}
	}()
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel
}

// echoTarget starts a plain TCP echo server standing in for the real
// destination a CONNECT request names.
func echoTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func splitHostPort(t *testing.T, addr string) (net.IP, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	ip := net.ParseIP(host).To4()
	require.NotNil(t, ip)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ip, uint16(port)
}

func TestEndToEndConnectIPv4(t *testing.T) {
	target := echoTarget(t)
	egressAddr, _ := startEgress(t)
	ingressAddr, _ := startIngress(t, egressAddr)

	// Give the carrier link a moment to establish before driving traffic
	// through it.
	time.Sleep(200 * time.Millisecond)

	client, err := net.DialTimeout("tcp", ingressAddr, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(client)

	// Method negotiation: NO AUTH only.
	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodResp := make([]byte, 2)
	_, err = io.ReadFull(r, methodResp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, methodResp)

	// CONNECT request to the echo target, by IPv4.
	ip, port := splitHostPort(t, target)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip...)
	req = append(req, byte(port>>8), byte(port))
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), reply[0])
	require.Equal(t, byte(0x00), reply[1], "expected CONNECT to succeed")

	// Forwarding phase: whatever we send should echo back through the
	// tunnel and the dialed target.
	payload := []byte("hello through the tunnel")
	_, err = client.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEndToEndConnectRefused(t *testing.T) {
	// Nothing listens on this port, so the dial must fail and the client
	// must see exactly one general-failure reply.
	unreachable, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := unreachable.Addr().String()
	unreachable.Close()

	egressAddr, _ := startEgress(t)
	ingressAddr, _ := startIngress(t, egressAddr)
	time.Sleep(200 * time.Millisecond)

	client, err := net.DialTimeout("tcp", ingressAddr, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(client)

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodResp := make([]byte, 2)
	_, err = io.ReadFull(r, methodResp)
	require.NoError(t, err)

	ip, port := splitHostPort(t, deadAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip...)
	req = append(req, byte(port>>8), byte(port))
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	require.NotEqual(t, byte(0x00), reply[1], "expected CONNECT to be reported as failed")
}

// TestEndToEndUnsupportedCommandRejected drives an unsupported BIND (CMD=2)
// request through a live tunnel and checks that the egress peer answers
// with a single general-failure reply instead of silently dropping the
// connection.
func TestEndToEndUnsupportedCommandRejected(t *testing.T) {
	egressAddr, _ := startEgress(t)
	ingressAddr, _ := startIngress(t, egressAddr)
	time.Sleep(200 * time.Millisecond)

	client, err := net.DialTimeout("tcp", ingressAddr, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(client)

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodResp := make([]byte, 2)
	_, err = io.ReadFull(r, methodResp)
	require.NoError(t, err)

	// CMD=0x02 (BIND), RSV=0x00, ATYP=IPv4, followed by an address/port
	// this tunnel never has to actually use since the command itself
	// must be rejected first.
	req := []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), reply[0])
	require.Equal(t, byte(socksReplyGeneralFailure), reply[1], "expected BIND to be rejected with a general-failure reply")

	// The session must then actually close, not linger waiting for more
	// requests on the same connection.
	_, err = io.ReadFull(r, make([]byte, 1))
	require.Error(t, err)
}

// TestEndToEndIdleTimeoutClosesSession shrinks session.IdleTimeout so the
// idle-timeout path can be exercised without a real 600-second wait: a
// session that completes a CONNECT but then sends nothing in either
// direction must be torn down on its own, and the client socket must
// observe that as a close.
func TestEndToEndIdleTimeoutClosesSession(t *testing.T) {
	prevTimeout := session.IdleTimeout
	session.IdleTimeout = 150 * time.Millisecond
	t.Cleanup(func() { session.IdleTimeout = prevTimeout })

	target := echoTarget(t)
	egressAddr, _ := startEgress(t)
	ingressAddr, _ := startIngress(t, egressAddr)
	time.Sleep(200 * time.Millisecond)

	client, err := net.DialTimeout("tcp", ingressAddr, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(client)

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodResp := make([]byte, 2)
	_, err = io.ReadFull(r, methodResp)
	require.NoError(t, err)

	ip, port := splitHostPort(t, target)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip...)
	req = append(req, byte(port>>8), byte(port))
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1], "expected CONNECT to succeed")

	// Send nothing further in either direction; both session workers
	// should notice the idle window elapsing and tear themselves down.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(r, make([]byte, 1))
	require.Error(t, err, "expected the session to self-terminate after IdleTimeout")
}
