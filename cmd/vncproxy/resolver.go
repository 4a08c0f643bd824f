package main

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/vncproxy/internal/dispatch"
	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/obs"
)

const resolveTimeout = 10 * time.Second

type forwardRequester interface {
	Request(ctx context.Context, req forward.Request) (forward.Entry, bool, error)
}

// newResolver answers /proxy lookups by opening a WebSocket forward to the
// target and replying with its port. An empty or "0" pool port lets the
// registry pick one. Every lookup gets its own password so browsers never
// share a forward.
func newResolver(reg forwardRequester) dispatch.Resolver {
	return dispatch.ResolverFunc(func(host, port, poolPort string) ([]byte, error) {
		dport, err := strconv.Atoi(port)
		if err != nil {
			return nil, err
		}
		req := forward.Request{
			TargetHost: host,
			TargetPort: dport,
			Password:   uuid.NewString(),
			WebSocket:  true,
		}
		if poolPort != "" && poolPort != "0" {
			if req.SourcePort, err = strconv.Atoi(poolPort); err != nil {
				return nil, err
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		e, _, err := reg.Request(ctx, req)
		if err != nil {
			return nil, err
		}
		obs.Info("dispatch.proxy", obs.Fields{"port": e.ListenPort, "target": e.Target()})
		return []byte(strconv.Itoa(e.ListenPort)), nil
	})
}
