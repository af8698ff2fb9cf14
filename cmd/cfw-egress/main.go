// Command cfw-egress is the network-facing half of the tunnel: it accepts
// the carrier link from a cfw-ingress process, demultiplexes sessions off
// it, and plays SOCKS5 server to each one before dialing the real target.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mikewei/cfwxx/internal/admin"
	"github.com/mikewei/cfwxx/internal/carrier"
	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
	"github.com/mikewei/cfwxx/internal/ratelimit"
	"github.com/mikewei/cfwxx/internal/statusui"
)

func main() {
	app := &cli.App{
		Name:  "cfw-egress",
		Usage: "network-facing half of an obfuscated tunnel",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "127.0.0.1", Usage: "address to bind the carrier listener on"},
			&cli.IntFlag{Name: "server-port", Aliases: []string{"p"}, Value: 12322, Usage: "carrier port to accept cfw-ingress on"},
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"CFW_LOG_LEVEL"}, Usage: "debug, info, warn, or error"},
			&cli.StringFlag{Name: "admin-sock", Usage: "path for the UNIX-socket admin control interface; disabled if empty"},
			&cli.StringFlag{Name: "http-status", Usage: "host:port for the HTTP status page; disabled if empty"},
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
	log := cfwlog.New("cfw-egress")

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

	if sockPath := c.String("admin-sock"); sockPath != "" {
		adminSrv, err := admin.Listen(sockPath, ch, log)
		if err != nil {
			return err
		}
		go adminSrv.Serve()
		go func() {
			<-ctx.Done()
			adminSrv.Close()
		}()
		log.Infof("admin control socket listening on %s", sockPath)
	}

	if httpAddr := c.String("http-status"); httpAddr != "" {
		statusSrv := statusui.New(httpAddr, ch)
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil {
				log.Verbosef("status server stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			statusSrv.Close()
		}()
		log.Infof("HTTP status page listening on %s", httpAddr)
	}

	listenAddr := fmt.Sprintf("%s:%d", c.String("server"), c.Int("server-port"))
	log.Infof("accepting carrier link on %s", listenAddr)
	return carrier.RunEgress(ctx, ch, listenAddr, limiter, log)
}
