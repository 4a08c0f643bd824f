package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/spf13/pflag"

	"github.com/matst80/vncproxy/internal/control"
	"github.com/matst80/vncproxy/internal/proto"
	"github.com/matst80/vncproxy/internal/tlsutil"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("vncctl: %v", err)
	}
	var tlsConfig *tls.Config
	if cfg.TLS {
		host, _, err := net.SplitHostPort(cfg.ServerAddr)
		if err != nil {
			log.Fatalf("vncctl: %v", err)
		}
		tlsConfig, err = tlsutil.ClientConfig(tlsutil.Files{Cert: cfg.TLSCertFile, Key: cfg.TLSKeyFile, CA: cfg.TLSCAFile}, host, cfg.TLSInsecure)
		if err != nil {
			log.Fatalf("vncctl: tls: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	port, err := control.RequestForward(ctx, cfg.ServerAddr, tlsConfig, cfg.Request())
	if err != nil {
		var re *proto.ReplyError
		if errors.As(err, &re) {
			log.Fatalf("vncctl: proxy refused %s: %v", cfg.Op, err)
		}
		log.Fatalf("vncctl: %v", err)
	}
	if proto.Op(cfg.Op) == proto.OpForward {
		fmt.Println(port)
		return
	}
	fmt.Println(proto.ReplyOK)
}
