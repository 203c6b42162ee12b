// Package service assembles the per-service HTTP providers: each one
// owns an echo server on its offset port, a middleware chain and an
// operation table wired to the corresponding engine.
package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/chaos"
	"lws.localdev.org/common"
	"lws.localdev.org/httpx"
	"lws.localdev.org/iam"
)

// Port offsets from the baseline port, one per service.
const (
	OffsetKV       = 1
	OffsetQueue    = 2
	OffsetObject   = 3
	OffsetPubSub   = 4
	OffsetBus      = 5
	OffsetWorkflow = 6
	OffsetIdentity = 7
	OffsetGateway  = 8
	OffsetCompute  = 9
	OffsetIAM      = 10
	OffsetSTS      = 11
	OffsetParams   = 12
	OffsetSecrets  = 13
)

// Deps carries the cross-cutting pieces every provider shares.
type Deps struct {
	BasePort  int
	Logs      *common.LogBuffer
	Evaluator *iam.Evaluator
	Chaos     map[string]chaos.Config
}

func (d *Deps) port(offset int) int { return d.BasePort + offset }

// httpProvider is the common lifecycle around one echo server.
type httpProvider struct {
	name string
	cfg  httpx.ServerConfig
	e    *echo.Echo
}

// newHTTPProvider builds the server with the standard middleware chain
// and lets setup register routes. Extra middleware (virtual-host
// rewrite) goes in outer, outside chaos.
func newHTTPProvider(name string, port int, deps *Deps, outer []echo.MiddlewareFunc, setup func(e *echo.Echo)) *httpProvider {
	cfg := httpx.DefaultServerConfig(port)
	e := httpx.NewEchoServer(cfg)
	for _, mw := range outer {
		e.Use(mw)
	}
	e.Use(chaos.New(name, deps.Chaos[name]).Middleware())
	e.Use(httpx.AccessLog(name, deps.Logs))
	setup(e)
	return &httpProvider{name: name, cfg: cfg, e: e}
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Start(context.Context) error {
	return httpx.Start(p.e, p.cfg)
}

func (p *httpProvider) Stop(ctx context.Context) error {
	timeout := p.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	return httpx.GracefulShutdown(p.e, timeout)
}

func (p *httpProvider) Health(context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", p.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return fmt.Errorf("%s not listening on %s: %w", p.name, addr, err)
	}
	return conn.Close()
}

// Port returns the bound port, for resource listings.
func (p *httpProvider) Port() int { return p.cfg.Port }
