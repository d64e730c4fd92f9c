package httpx

import (
	"context"
	"net/http"
	"time"
)

type netHTTPServer struct {
	srv *http.Server
	tls TLSFiles
}

func newNetHTTPServer(addr string, handler http.Handler, tls TLSFiles) *netHTTPServer {
	return &netHTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		tls: tls,
	}
}

func (s *netHTTPServer) ListenAndServe() error {
	if s.tls.CertFile != "" && s.tls.KeyFile != "" {
		return s.srv.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
	}
	return s.srv.ListenAndServe()
}

func (s *netHTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
