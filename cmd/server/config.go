package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags (future: env vars / file).
type Config struct {
	ControlAddr      string
	PublicHost       string
	PublicBind       string
	PortMin          int
	PortMax          int
	Token            string
	HandshakeTimeout time.Duration
	PongTimeout      time.Duration
	LeaseLinger      time.Duration
	WriteQueue       int
	MetricsAddr      string
	Debug            bool
	// player connection rate limiting per endpoint
	PlayerConnRate  int
	PlayerConnBurst int
	// Redis-backed lease registry for horizontal scaling
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// TLS for the control link
	TLSCertFile string
	TLSKeyFile  string
	EnableTLS   bool
}

var cfg Config

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.StringVar(&cfg.ControlAddr, "control", ":9000", "address for client control connections")
	flag.StringVar(&cfg.PublicHost, "public-host", "", "hostname reported to clients in assigned endpoints (defaults to the bind address)")
	flag.StringVar(&cfg.PublicBind, "public-bind", "", "interface to bind public player listeners on (empty = all)")
	flag.IntVar(&cfg.PortMin, "port-min", 25600, "first public port available for endpoint leases")
	flag.IntVar(&cfg.PortMax, "port-max", 25699, "last public port available for endpoint leases")
	flag.StringVar(&cfg.Token, "token", "", "shared secret; if set clients must present a matching token")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time limit for hello/ack on a new control connection")
	flag.DurationVar(&cfg.PongTimeout, "pong-timeout", 20*time.Second, "session is dead when no frame arrives within this window")
	flag.DurationVar(&cfg.LeaseLinger, "lease-linger", 2*time.Minute, "how long a released endpoint stays reserved for its last identity")
	flag.IntVar(&cfg.WriteQueue, "write-queue", 64, "frames buffered per session link before stream reads backpressure")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.IntVar(&cfg.PlayerConnRate, "player-conn-rate", 0, "per-endpoint player connections per second (0 = unlimited)")
	flag.IntVar(&cfg.PlayerConnBurst, "player-conn-burst", 10, "per-endpoint player connection burst")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the shared lease registry (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database index")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "serve TLS on the control listener")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
}
