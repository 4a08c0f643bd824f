package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/pflag"

	"github.com/matst80/vncproxy/internal/proto"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr string
	Host       string // convenience host to derive the server address if --server is not given
	Op         string
	SPort      int
	DAddr      string
	DPort      int
	Password   string
	Raw        bool
	TLSOnly    bool
	Timeout    time.Duration

	TLS         bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	TLSInsecure bool
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	fs := pflag.NewFlagSet("vncctl", pflag.ContinueOnError)
	fs.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:8889", "proxy control address")
	fs.StringVar(&cfg.Host, "host", "", "proxy host; if set and --server not given, the control address is host:8889")
	fs.StringVar(&cfg.Op, "op", string(proto.OpForward), "forward, release or revoke")
	fs.IntVarP(&cfg.SPort, "sport", "s", 0, "listen port on the proxy (0 = allocate)")
	fs.StringVarP(&cfg.DAddr, "daddr", "a", "", "target VNC host")
	fs.IntVarP(&cfg.DPort, "dport", "p", 5900, "target VNC port")
	fs.StringVarP(&cfg.Password, "password", "P", "", "forward password")
	fs.BoolVar(&cfg.Raw, "raw", false, "plain TCP forward instead of WebSocket")
	fs.BoolVar(&cfg.TLSOnly, "wss-only", false, "require TLS from clients of the forward")
	fs.DurationVar(&cfg.Timeout, "timeout", 15*time.Second, "request timeout")
	fs.BoolVar(&cfg.TLS, "tls", false, "connect to the control server over TLS")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", "", "client certificate file path (mTLS)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", "", "client private key file path (mTLS)")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", "", "CA file to verify the server certificate")
	fs.BoolVar(&cfg.TLSInsecure, "tls-insecure", false, "skip server certificate verification")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Host != "" && !fs.Changed("server") {
		cfg.ServerAddr = net.JoinHostPort(cfg.Host, "8889")
	}
	switch proto.Op(cfg.Op) {
	case proto.OpForward:
		if cfg.DAddr == "" {
			return Config{}, fmt.Errorf("--daddr is required for %s", cfg.Op)
		}
	case proto.OpRelease, proto.OpRevoke:
		if cfg.SPort == 0 {
			return Config{}, fmt.Errorf("--sport is required for %s", cfg.Op)
		}
	default:
		return Config{}, fmt.Errorf("unknown op %q", cfg.Op)
	}
	if cfg.Password == "" {
		return Config{}, fmt.Errorf("--password is required")
	}
	return cfg, nil
}

// Request builds the control request described by the flags.
func (c Config) Request() proto.ForwardRequest {
	req := proto.ForwardRequest{
		Op:       proto.Op(c.Op),
		SPort:    proto.Port(c.SPort),
		DAddr:    c.DAddr,
		DPort:    proto.Port(c.DPort),
		Password: c.Password,
		TLS:      c.TLSOnly,
	}
	if req.Op != proto.OpForward {
		req.DAddr, req.DPort = "", 0
	}
	if c.Raw {
		ws := false
		req.WS = &ws
	}
	return req
}
