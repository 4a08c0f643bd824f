package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/matst80/vncproxy/internal/control"
	"github.com/matst80/vncproxy/internal/dispatch"
	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/gateway"
	"github.com/matst80/vncproxy/internal/obs"
	"github.com/matst80/vncproxy/internal/ratelimit"
	"github.com/matst80/vncproxy/internal/tlsutil"
	"github.com/matst80/vncproxy/internal/websocket"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		obs.Error("config", obs.Fields{"err": err})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"control": cfg.ControlAddr, "http": cfg.HTTPAddr, "metrics": cfg.MetricsAddr, "begin_port": cfg.BeginPort, "end_port": cfg.EndPort})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err})
		os.Exit(1)
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func run(ctx context.Context, cfg Config) error {
	var ready atomic.Bool
	wsTLS, controlTLS, err := setupTLS(ctx, cfg)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewRateLimiter(ratelimit.Config{
		GlobalConn:    cfg.GlobalConn,
		PerClientConn: cfg.ConnPerIP,
		GlobalReq:     cfg.GlobalReq,
		PerClientReq:  cfg.ReqPerIP,
		Burst:         cfg.RateBurst,
	})
	engine := websocket.NewEngine(websocket.Config{
		TLS:            wsTLS,
		TLSOnly:        cfg.TLSOnly,
		MaxHeaderBytes: cfg.MaxHeaderSize,
		Protocol:       cfg.Protocol,
		Timeout:        cfg.HandshakeTimeout,
	})
	forwarder := gateway.New(ctx, gateway.Config{
		ListenHost:       cfg.ListenHost,
		Engine:           engine,
		TLS:              wsTLS,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		DialAttempts:     cfg.DialAttempts,
		DialInterval:     cfg.DialInterval,
		Limiter:          limiter,
	})
	defer forwarder.Shutdown()

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	registry, err := forward.NewRegistry(forward.Config{
		BeginPort:   cfg.BeginPort,
		EndPort:     cfg.EndPort,
		IdleTimeout: cfg.IdleTimeout,
		Reuse:       cfg.Reuse,
		Binder:      forwarder,
		Store:       store,
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	defer registry.Close()

	ctrlLn, err := control.Listen(cfg.ControlAddr, controlTLS)
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err, "addr": cfg.ControlAddr})
		return err
	}
	ctrl := &control.Server{Registry: registry, Limiter: limiter, IdleTimeout: cfg.ControlIdle, LineTimeout: cfg.ControlLine}

	var servers []*http.Server
	if cfg.HTTPAddr != "" {
		servers = append(servers, &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: dispatch.NewHandler(dispatch.Options{
				Settings: registry,
				Resolver: newResolver(registry),
				Debug:    cfg.Debug,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	if cfg.MetricsAddr != "" {
		stats := statsSource{registry: registry, forwarder: forwarder}
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMetricsHandler(stats.collect, &ready),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Serve(ctx, ctrlLn); err != nil {
			obs.Error("control.serve", obs.Fields{"err": err})
		}
	}()
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("http.server", obs.Fields{"err": err, "addr": srv.Addr})
			}
		}(srv)
	}
	wg.Add(1)
	go func() { defer wg.Done(); registry.Run(ctx, cfg.SweepInterval) }()
	wg.Add(1)
	go func() { defer wg.Done(); runLimiterCleanup(ctx, limiter, cfg.SweepInterval) }()

	ready.Store(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	wg.Wait()
	return nil
}

// setupTLS returns the configuration offered to WebSocket clients and the
// one for the control listener. Only the control side asks for client
// certificates.
func setupTLS(ctx context.Context, cfg Config) (ws, ctrl *tls.Config, err error) {
	switch {
	case cfg.TLSCertFile != "":
		files := tlsutil.Files{Cert: cfg.TLSCertFile, Key: cfg.TLSKeyFile}
		var rl *tlsutil.Reloader
		if ws, rl, err = tlsutil.ServerConfig(files); err != nil {
			return nil, nil, err
		}
		go watchCerts(ctx, rl)
		if cfg.ControlTLS {
			files.CA = cfg.TLSCAFile
			if ctrl, rl, err = tlsutil.ServerConfig(files); err != nil {
				return nil, nil, err
			}
			go watchCerts(ctx, rl)
		}
	case cfg.TLSSelfSigned:
		cert, _, _, err := tlsutil.SelfSigned("localhost", "127.0.0.1")
		if err != nil {
			return nil, nil, err
		}
		obs.Warn("tls.self_signed", obs.Fields{})
		ws = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
		if cfg.ControlTLS {
			ctrl = ws.Clone()
		}
	}
	return ws, ctrl, nil
}

func watchCerts(ctx context.Context, rl *tlsutil.Reloader) {
	if err := rl.Watch(ctx); err != nil {
		obs.Error("tls.watch", obs.Fields{"err": err})
	}
}

func runLimiterCleanup(ctx context.Context, rl *ratelimit.RateLimiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rl.CleanupIdle(10 * time.Minute); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}
