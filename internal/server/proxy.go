package server

import (
	"fmt"
	"net/http/httputil"
	"net/url"

	"github.com/labstack/echo/v4"
)

// ReverseProxy forwards requests to a remote_host:remote_port backend,
// per spec.md §6 / §4 Service::Proxy. It is intentionally thin: exact
// remote-API compatibility is a Non-goal, so this is present only so
// "cmd/agent serve" is a complete, runnable program.
type ReverseProxy struct {
	proxy *httputil.ReverseProxy
}

// NewReverseProxy builds a ReverseProxy targeting remoteHost:remotePort.
func NewReverseProxy(remoteHost string, remotePort int) (*ReverseProxy, error) {
	target, err := url.Parse(fmt.Sprintf("http://%s:%d", remoteHost, remotePort))
	if err != nil {
		return nil, fmt.Errorf("parse proxy target: %w", err)
	}
	return &ReverseProxy{proxy: httputil.NewSingleHostReverseProxy(target)}, nil
}

// Register mounts the catch-all proxy route on an Echo group.
func (p *ReverseProxy) Register(g *echo.Group) {
	g.Any("/*", func(c echo.Context) error {
		p.proxy.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}
