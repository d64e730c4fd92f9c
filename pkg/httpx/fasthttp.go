package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// fastHTTPServer runs the shared http.Handler through the fasthttp
// adaptor. The adaptor copies requests into net/http form, so handlers
// never see engine-specific types; the win is fasthttp's connection and
// buffer management on busy listeners.
type fastHTTPServer struct {
	srv  *fasthttp.Server
	addr string
	tls  TLSFiles
}

func newFastHTTPServer(addr string, handler http.Handler, tls TLSFiles) *fastHTTPServer {
	return &fastHTTPServer{
		srv: &fasthttp.Server{
			Handler:            fasthttpadaptor.NewFastHTTPHandler(handler),
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			MaxRequestBodySize: 4 << 20,
		},
		addr: addr,
		tls:  tls,
	}
}

func (s *fastHTTPServer) ListenAndServe() error {
	if s.tls.CertFile != "" && s.tls.KeyFile != "" {
		return s.srv.ListenAndServeTLS(s.addr, s.tls.CertFile, s.tls.KeyFile)
	}
	return s.srv.ListenAndServe(s.addr)
}

func (s *fastHTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
