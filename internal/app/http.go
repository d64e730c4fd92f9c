package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"farmchat/docs"
	"farmchat/pkg/api"
	"farmchat/pkg/api/handlers"
	"farmchat/pkg/auth"
	"farmchat/pkg/httpx"
	"farmchat/pkg/store"
	"farmchat/pkg/telemetry"
)

// startREST builds the REST handler stack and starts the configured
// engine. Listener errors land on errCh.
func (a *App) startREST(errCh chan<- error) error {
	deps := handlers.Deps{
		Dispatcher: a.disp,
		Presence:   a.gw.Presence(),
		Retention:  a.sweeper,
		PageSize:   a.cfg.PageSize(),
		TokenTTL:   a.cfg.Security.Token.TTL.Duration(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.HandleFunc("/openapi.yaml", serveOpenAPI)
	mux.Handle("/", api.Handler(deps))

	wrapped := auth.AuthenticateRequestMiddleware(auth.FromConfig(a.cfg))(mux)
	wrapped = telemetry.Middleware(wrapped)

	srv, err := httpx.NewServer(a.cfg.Server.Engine, a.eff.Addr, wrapped, httpx.TLSFiles{
		CertFile: a.cfg.Server.TLS.CertFile,
		KeyFile:  a.cfg.Server.TLS.KeyFile,
	})
	if err != nil {
		return err
	}
	a.restSrv = srv
	go func() { errCh <- srv.ListenAndServe() }()
	return nil
}

// startRealtime runs the websocket gateway on its own net/http listener.
// Token auth happens in the gateway handler; API keys are not required on
// this port so browser websocket clients can connect without header
// support.
func (a *App) startRealtime(errCh chan<- error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/v1/realtime", a.gw.HandleRealtime)

	a.rtSrv = &http.Server{
		Addr:              a.cfg.RealtimeAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { errCh <- a.rtSrv.ListenAndServe() }()
}

// serveOpenAPI answers with the embedded API description; the file ships
// inside the binary so the docs work from any working directory.
func serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(docs.OpenAPI)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readyzHandler answers ok once the store is open; the deploy system
// routes traffic only after this flips.
func (a *App) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}
