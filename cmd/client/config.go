package main

import (
	"flag"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	RelayAddr        string
	Target           string
	Token            string
	Endpoint         string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	UseTLS           bool
	TLSInsecure      bool
	SkipLocalProbe   bool
	Debug            bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.RelayAddr, "relay", "127.0.0.1:9000", "relay control address")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:25565", "local game server address to expose")
	flag.StringVar(&cfg.Token, "token", "", "identity token presented to the relay")
	flag.StringVar(&cfg.Endpoint, "endpoint", "", "requested public endpoint port (empty = relay picks)")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 10*time.Second, "heartbeat interval")
	flag.DurationVar(&cfg.PongTimeout, "pong-timeout", 20*time.Second, "reconnect when no pong arrives within this window")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time limit for connect and hello/ack")
	flag.BoolVar(&cfg.UseTLS, "tls", false, "connect to the relay over TLS")
	flag.BoolVar(&cfg.TLSInsecure, "tls-insecure", false, "skip TLS certificate verification (testing only)")
	flag.BoolVar(&cfg.SkipLocalProbe, "skip-local-probe", false, "do not require the game server to be up before connecting")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
