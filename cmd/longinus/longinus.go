// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The longinus binary is a UDP rendezvous server. Two peers behind NATs
// register under a shared session id, learn each other's public and
// self-reported endpoints, and then punch through to one another directly.
package main // import "infinit.io/longinus/cmd/longinus"

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mdlayher/sdnotify"
	"github.com/peterbourgon/ff/v3"
	"github.com/tailscale/hujson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"infinit.io/longinus/net/rendezvous"
	"infinit.io/longinus/tsweb"
	"infinit.io/longinus/types/logger"
)

// legacyPortEnv names the environment variable older deployments used to
// choose the UDP port.
const legacyPortEnv = "INFINIT_LONGINUS_PORT"

type options struct {
	listenIP     string
	listenPort   uint
	idleMS       uint
	graceMS      uint
	maxEndpoints uint
	retryInitMS  uint
	retryMaxMS   uint
	retryTries   uint
	tickBudget   int
	sourceRate   float64
	sourceBurst  int
	logSink      string
	adminAddr    string
	adminAllow   string
	verbose      bool
}

// parseFlags parses args, the LONGINUS_ environment and an optional
// HuJSON config file, in that order of precedence.
func parseFlags(args []string) (*options, error) {
	def := rendezvous.DefaultConfig()
	port, err := defaultPort()
	if err != nil {
		return nil, err
	}

	var o options
	fs := flag.NewFlagSet("longinus", flag.ContinueOnError)
	fs.StringVar(&o.listenIP, "listen-ip", def.ListenIP, "IP address to bind the UDP socket to")
	fs.UintVar(&o.listenPort, "listen-port", port, "UDP port to serve on; defaults to $"+legacyPortEnv+" if set")
	fs.UintVar(&o.idleMS, "idle-timeout-ms", uint(def.IdleTimeout.Milliseconds()), "drop sessions with no traffic for this long")
	fs.UintVar(&o.graceMS, "grace-timeout-ms", uint(def.GraceTimeout.Milliseconds()), "keep finished sessions around this long to absorb late ACKs")
	fs.UintVar(&o.maxEndpoints, "max-endpoints-per-peer", uint(def.MaxEndpoints), "maximum endpoints stored and sent per peer, observed endpoint included")
	fs.UintVar(&o.retryInitMS, "retry-initial-ms", uint(def.RetryInitial.Milliseconds()), "delay before the first PAIR retransmission")
	fs.UintVar(&o.retryMaxMS, "retry-max-ms", uint(def.RetryMax.Milliseconds()), "cap on the doubling PAIR retransmission delay")
	fs.UintVar(&o.retryTries, "retry-attempts", uint(def.RetryAttempts), "PAIR retransmissions before a peer is declared unreachable")
	fs.IntVar(&o.tickBudget, "tick-budget", def.TickBudget, "datagrams handled between forced scheduler ticks")
	fs.Float64Var(&o.sourceRate, "source-rate", 0, "per source IP datagrams per second; 0 disables the limit")
	fs.IntVar(&o.sourceBurst, "source-burst", 0, "per source IP burst; defaults to the rate")
	fs.StringVar(&o.logSink, "log-sink", "stderr", `where to log: "stderr", "stdout" or a file path`)
	fs.StringVar(&o.adminAddr, "admin-addr", "", "if non-empty, TCP address to serve /debug/ and /metrics on")
	fs.StringVar(&o.adminAllow, "admin-allow", "", "comma-separated IPs and CIDRs allowed on the admin surface besides loopback")
	fs.BoolVar(&o.verbose, "verbose", false, "log every datagram")
	fs.String("config", "", "optional HuJSON config file keyed by flag name")

	err = ff.Parse(fs, args,
		ff.WithEnvVarPrefix("LONGINUS"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(hujsonParser),
	)
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}
	if o.listenPort > 0xffff {
		return nil, fmt.Errorf("-listen-port %d out of range", o.listenPort)
	}
	return &o, nil
}

func defaultPort() (uint, error) {
	v := os.Getenv(legacyPortEnv)
	if v == "" {
		return rendezvous.DefaultPort, nil
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("$%s: %w", legacyPortEnv, err)
	}
	return uint(p), nil
}

// hujsonParser is an ff.ConfigFileParser for JSON with comments and
// trailing commas.
func hujsonParser(r io.Reader, set func(name, value string) error) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b, err = hujson.Standardize(b)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	return ff.JSONParser(bytes.NewReader(b), set)
}

func ms(v uint) time.Duration { return time.Duration(v) * time.Millisecond }

// config returns the rendezvous configuration described by o.
func (o *options) config(logf logger.Logf) rendezvous.Config {
	return rendezvous.Config{
		ListenIP:      o.listenIP,
		ListenPort:    uint16(o.listenPort),
		IdleTimeout:   ms(o.idleMS),
		GraceTimeout:  ms(o.graceMS),
		MaxEndpoints:  int(o.maxEndpoints),
		RetryInitial:  ms(o.retryInitMS),
		RetryMax:      ms(o.retryMaxMS),
		RetryAttempts: int(o.retryTries),
		TickBudget:    o.tickBudget,
		SourceRate:    rate.Limit(o.sourceRate),
		SourceBurst:   o.sourceBurst,
		Logf:          logf,
		Verbose:       o.verbose,
	}
}

func (o *options) accessList() (*tsweb.AccessList, error) {
	if o.adminAllow == "" {
		return nil, nil
	}
	return tsweb.ParseAccessList(strings.Split(o.adminAllow, ","))
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}

	sink, err := logger.OpenSink(opts.logSink)
	if err != nil {
		log.Fatal(err)
	}
	defer sink.Close()
	log.SetOutput(sink)

	acl, err := opts.accessList()
	if err != nil {
		log.Fatalf("-admin-allow: %v", err)
	}
	srv, err := rendezvous.NewServer(opts.config(log.Printf))
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		log.Fatalf("rendezvous: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	if opts.adminAddr != "" {
		ln, err := net.Listen("tcp", opts.adminAddr)
		if err != nil {
			log.Fatalf("admin: %v", err)
		}
		log.Printf("admin: serving on %v, allowing %v", ln.Addr(), acl)
		hs := newAdminServer(srv, acl, log.Printf)
		g.Go(func() error {
			if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	notifyReady(srv)
	err = g.Wait()
	srv.Close()
	if err != nil {
		log.Fatal(err)
	}
}

// notifyReady tells a systemd supervisor, if any, that the socket is bound.
func notifyReady(srv *rendezvous.Server) {
	n, err := sdnotify.New()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("sdnotify: %v", err)
		}
		return
	}
	defer n.Close()
	if err := n.Notify(sdnotify.Ready, sdnotify.Statusf("serving on %v", srv.LocalAddr())); err != nil {
		log.Printf("sdnotify: %v", err)
	}
}
