// Package httpx serves one http.Handler over a selectable engine. The
// REST surface can run on net/http or fasthttp (server.engine); the
// realtime gateway always uses net/http because websocket upgrades need
// connection hijacking, which fasthttp does not expose.
package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	EngineNetHTTP  = "nethttp"
	EngineFastHTTP = "fasthttp"
)

// TLSFiles is an optional certificate pair; both empty means plain HTTP.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

// Server is the minimal lifecycle both engines expose.
type Server interface {
	// ListenAndServe blocks until the listener fails or Shutdown runs.
	ListenAndServe() error
	// Shutdown stops accepting and drains in-flight requests within ctx.
	Shutdown(ctx context.Context) error
}

// NewServer builds a server for the named engine. Empty engine means
// net/http.
func NewServer(engine, addr string, handler http.Handler, tls TLSFiles) (Server, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", EngineNetHTTP:
		return newNetHTTPServer(addr, handler, tls), nil
	case EngineFastHTTP:
		if tls.CertFile != "" || tls.KeyFile != "" {
			return newFastHTTPServer(addr, handler, tls), nil
		}
		return newFastHTTPServer(addr, handler, TLSFiles{}), nil
	default:
		return nil, fmt.Errorf("unknown http engine %q (want %s or %s)", engine, EngineNetHTTP, EngineFastHTTP)
	}
}
