package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration derived from an optional YAML file
// and flags. Flags given on the command line win over the file.
type Config struct {
	ConfigFile string `yaml:"-"`

	ControlAddr string `yaml:"control"`
	HTTPAddr    string `yaml:"http"`
	MetricsAddr string `yaml:"metrics"`
	ListenHost  string `yaml:"listen_host"`

	BeginPort     int           `yaml:"begin_port"`
	EndPort       int           `yaml:"end_port"`
	Reuse         bool          `yaml:"reuse"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxHeaderSize    int           `yaml:"max_header_size"`
	Protocol         string        `yaml:"protocol"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DialAttempts     int           `yaml:"dial_attempts"`
	DialInterval     time.Duration `yaml:"dial_interval"`
	ControlIdle      time.Duration `yaml:"control_idle_timeout"`
	ControlLine      time.Duration `yaml:"control_line_timeout"`

	// TLS for WebSocket clients (sniffed per connection) and, with
	// ControlTLS, for the control listener (mTLS when TLSCAFile is set).
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	TLSCAFile     string `yaml:"tls_ca"`
	TLSSelfSigned bool   `yaml:"tls_self_signed"`
	TLSOnly       bool   `yaml:"tls_only"`
	ControlTLS    bool   `yaml:"control_tls"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisKeyTTL   time.Duration `yaml:"redis_key_ttl"`

	ConnPerIP  int `yaml:"conn_per_ip"`
	ReqPerIP   int `yaml:"req_per_ip"`
	GlobalConn int `yaml:"global_conn"`
	GlobalReq  int `yaml:"global_req"`
	RateBurst  int `yaml:"rate_burst"`

	Debug bool `yaml:"debug"`
}

func defaultConfig() Config {
	return Config{
		ControlAddr:      ":8889",
		HTTPAddr:         ":8888",
		MetricsAddr:      ":9100",
		BeginPort:        7000,
		EndPort:          8000,
		Reuse:            true,
		IdleTimeout:      5 * time.Minute,
		SweepInterval:    30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxHeaderSize:    16 * 1024,
		Protocol:         "sample",
		ConnectTimeout:   30 * time.Second,
		DialAttempts:     50,
		DialInterval:     200 * time.Millisecond,
		ControlIdle:      60 * time.Second,
		ControlLine:      500 * time.Millisecond,
		RedisKeyTTL:      5 * time.Minute,
		ConnPerIP:        10,
		ReqPerIP:         20,
		RateBurst:        20,
	}
}

// newFlagSet registers flags into cfg. Defaults are cfg's current values so
// that file values show through for flags that are not given.
func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("vncproxy", pflag.ContinueOnError)
	fs.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile, "YAML config file")
	fs.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "control protocol listen address")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP control plane listen address (empty disables)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&cfg.ListenHost, "listen-host", cfg.ListenHost, "host forward listeners bind to")
	fs.IntVarP(&cfg.BeginPort, "begin-port", "B", cfg.BeginPort, "first port of the forward pool")
	fs.IntVarP(&cfg.EndPort, "end-port", "E", cfg.EndPort, "last port of the forward pool")
	fs.BoolVar(&cfg.Reuse, "reuse", cfg.Reuse, "share one forward between identical requests")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "remove forwards without sessions after this long (0 keeps them)")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "interval for sweeping idle forwards")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time limit for a client handshake")
	fs.IntVar(&cfg.MaxHeaderSize, "max-header-size", cfg.MaxHeaderSize, "maximum handshake header bytes")
	fs.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, "WebSocket-Protocol answered when the client names none")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "time limit for one dial to a target")
	fs.IntVar(&cfg.DialAttempts, "dial-attempts", cfg.DialAttempts, "dial attempts per session before giving up")
	fs.DurationVar(&cfg.DialInterval, "dial-interval", cfg.DialInterval, "initial pause between dial attempts")
	fs.DurationVar(&cfg.ControlIdle, "control-idle-timeout", cfg.ControlIdle, "close idle control connections after this long")
	fs.DurationVar(&cfg.ControlLine, "control-line-timeout", cfg.ControlLine, "answer an unterminated control request after this pause")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file path")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "TLS CA file for control client certificates (enables mTLS)")
	fs.BoolVar(&cfg.TLSSelfSigned, "tls-self-signed", cfg.TLSSelfSigned, "generate a throwaway certificate (development)")
	fs.BoolVar(&cfg.TLSOnly, "tls-only", cfg.TLSOnly, "reject plain WebSocket clients on every forward")
	fs.BoolVar(&cfg.ControlTLS, "control-tls", cfg.ControlTLS, "serve the control protocol over TLS")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for shared port claims (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database")
	fs.DurationVar(&cfg.RedisKeyTTL, "redis-key-ttl", cfg.RedisKeyTTL, "lifetime of a port claim between sweeps")
	fs.IntVar(&cfg.ConnPerIP, "conn-per-ip", cfg.ConnPerIP, "new forward connections per second per IP (0 = unlimited)")
	fs.IntVar(&cfg.ReqPerIP, "req-per-ip", cfg.ReqPerIP, "control requests per second per IP (0 = unlimited)")
	fs.IntVar(&cfg.GlobalConn, "global-conn", cfg.GlobalConn, "new forward connections per second overall (0 = unlimited)")
	fs.IntVar(&cfg.GlobalReq, "global-req", cfg.GlobalReq, "control requests per second overall (0 = unlimited)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "burst size for rate limits")
	fs.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, "enable debug logs")
	return fs
}

// loadConfig parses args, loads the config file they name and parses args
// again on top of it.
func loadConfig(args []string) (Config, error) {
	cfg := defaultConfig()
	if err := newFlagSet(&cfg).Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ConfigFile != "" {
		path := cfg.ConfigFile
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		fileCfg := defaultConfig()
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		fileCfg.ConfigFile = path
		cfg = fileCfg
		if err := newFlagSet(&cfg).Parse(args); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.BeginPort < 1 || c.BeginPort > 65535 || c.EndPort < 1 || c.EndPort > 65535 {
		errs = append(errs, fmt.Errorf("pool ports must be in 1..65535, got %d-%d", c.BeginPort, c.EndPort))
	}
	if c.BeginPort >= c.EndPort {
		errs = append(errs, fmt.Errorf("begin port %d must be smaller than end port %d", c.BeginPort, c.EndPort))
	}
	hasCert := c.TLSCertFile != "" && c.TLSKeyFile != ""
	if (c.TLSCertFile != "") != (c.TLSKeyFile != "") {
		errs = append(errs, errors.New("tls-cert and tls-key must be given together"))
	}
	if (c.TLSOnly || c.ControlTLS) && !hasCert && !c.TLSSelfSigned {
		errs = append(errs, errors.New("tls-only and control-tls need tls-cert/tls-key or tls-self-signed"))
	}
	if c.TLSCAFile != "" && !c.ControlTLS {
		errs = append(errs, errors.New("tls-ca only applies with control-tls"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be positive"))
	}
	if c.RedisAddr != "" && c.RedisKeyTTL <= c.SweepInterval {
		errs = append(errs, fmt.Errorf("redis-key-ttl %s must exceed sweep-interval %s", c.RedisKeyTTL, c.SweepInterval))
	}
	return errors.Join(errs...)
}
