package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/blockgate/internal/client"
	"github.com/matst80/blockgate/internal/obs"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("client.start", obs.Fields{"relay": cfg.RelayAddr, "target": cfg.Target, "endpoint": cfg.Endpoint})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ccfg := client.Config{
		RelayAddr:        cfg.RelayAddr,
		LocalAddr:        cfg.Target,
		Token:            cfg.Token,
		Endpoint:         cfg.Endpoint,
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SkipLocalProbe:   cfg.SkipLocalProbe,
	}
	if cfg.UseTLS {
		ccfg.TLS = &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	}

	c := client.New(ccfg)
	c.OnStateChange(func(ev client.StateEvent) {
		f := obs.Fields{"state": ev.State.String()}
		if ev.SessionID != "" {
			f["session"] = ev.SessionID
			f["endpoint"] = ev.Endpoint
		}
		if ev.Err != nil {
			f["err"] = ev.Err.Error()
		}
		obs.Info("client.state", f)
	})

	err := c.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		obs.Info("client.shutdown", obs.Fields{})
	case errors.Is(err, client.ErrAuthFailed), errors.Is(err, client.ErrSuperseded):
		obs.Error("client.stopped", obs.Fields{"err": err.Error()})
		os.Exit(1)
	case err != nil:
		obs.Error("client.stopped", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
