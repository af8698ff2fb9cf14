// Command cfw-ingress is the client-facing half of the tunnel: it accepts
// local SOCKS5 connections and forwards them, multiplexed over one
// obfuscated carrier link, to a cfw-egress process that does the real
// outbound connecting.
package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mikewei/cfwxx/internal/carrier"
	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
	"github.com/mikewei/cfwxx/internal/ratelimit"
	"github.com/mikewei/cfwxx/internal/session"
)

func main() {
	app := &cli.App{
		Name:  "cfw-ingress",
		Usage: "SOCKS5-facing half of an obfuscated tunnel",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 12321, Usage: "local port to accept SOCKS5 clients on"},
			&cli.StringFlag{Name: "server", Value: "127.0.0.1", Usage: "cfw-egress host to dial the carrier link to"},
			&cli.IntFlag{Name: "server-port", Value: 12322, Usage: "cfw-egress carrier port"},
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"CFW_LOG_LEVEL"}, Usage: "debug, info, warn, or error"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfwlog.SetLevel(c.String("log-level"))
	log := cfwlog.New("cfw-ingress")

	ch := channel.New()
	limiter := ratelimit.New()
	defer limiter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Infof("shutting down")
		cancel()
	}()

	carrierAddr := fmt.Sprintf("%s:%d", c.String("server"), c.Int("server-port"))
	go carrier.RunIngress(ctx, ch, carrierAddr, log)

	listenAddr := fmt.Sprintf(":%d", c.Int("port"))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Infof("accepting SOCKS5 clients on %s, tunneling to %s", listenAddr, carrierAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("accept: %v", err)
			continue
		}
		go acceptClient(ch, limiter, conn, log)
	}
}

func acceptClient(ch *channel.Channel, limiter *ratelimit.Limiter, conn net.Conn, log *cfwlog.Logger) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if ok {
		if ip, ipOK := netipFromTCP(tcpAddr); ipOK && !limiter.Allow(ip) {
			log.Verbosef("rejecting %s: accept rate exceeded", conn.RemoteAddr())
			conn.Close()
			return
		}
	}

	key, err := session.MakeKey(conn.RemoteAddr())
	if err != nil {
		log.Errorf("mint key for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	session.NewIngressWorker(ch, key, conn, log).Run()
}

func netipFromTCP(a *net.TCPAddr) (netip.Addr, bool) {
	ip, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
