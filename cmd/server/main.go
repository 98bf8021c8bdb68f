package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/matst80/blockgate/internal/obs"
	"github.com/matst80/blockgate/internal/proto"
	"github.com/matst80/blockgate/internal/ratelimit"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{
		"control":  cfg.ControlAddr,
		"ports":    cfg.PortMin,
		"ports_to": cfg.PortMax,
		"metrics":  cfg.MetricsAddr,
		"tls":      cfg.EnableTLS,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := newLeaseStore(ctx, &cfg)
	if err != nil {
		obs.Error("lease.store", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	ctrlLn, err := controlListener(&cfg)
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err.Error(), "addr": cfg.ControlAddr})
		os.Exit(1)
	}
	defer ctrlLn.Close()

	limits := ratelimit.NewLimiter(cfg.PlayerConnRate, cfg.PlayerConnBurst)

	go startMetricsServer(cfg.MetricsAddr, state)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); acceptControl(ctx, ctrlLn, state, limits) }()

	state.setReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	state.setClosing(true)
	_ = ctrlLn.Close()
	for _, sess := range state.activeSessions() {
		sess.stop(proto.ReasonShutdown)
	}
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// controlListener binds the client control listener, with TLS when
// configured.
func controlListener(cfg *Config) (net.Listener, error) {
	if !cfg.EnableTLS {
		return net.Listen("tcp", cfg.ControlAddr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", cfg.ControlAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
}
