package banner

import (
	"fmt"

	"farmchat/pkg/config"
)

const art = `
███████╗ █████╗ ██████╗ ███╗   ███╗ ██████╗██╗  ██╗ █████╗ ████████╗
██╔════╝██╔══██╗██╔══██╗████╗ ████║██╔════╝██║  ██║██╔══██╗╚══██╔══╝
█████╗  ███████║██████╔╝██╔████╔██║██║     ███████║███████║   ██║
██╔══╝  ██╔══██║██╔══██╗██║╚██╔╝██║██║     ██╔══██║██╔══██║   ██║
██║     ██║  ██║██║  ██║██║ ╚═╝ ██║╚██████╗██║  ██║██║  ██║   ██║
╚═╝     ╚═╝  ╚═╝╚═╝  ╚═╝╚═╝     ╚═╝ ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝
`

// Print writes the startup banner with the effective configuration and a
// quick production checklist.
func Print(eff config.EffectiveConfigResult, version string) {
	cfg := eff.Config

	fmt.Print(art)
	fmt.Println("== Config =====================================================")
	fmt.Printf("REST:      %s (%s)\n", eff.Addr, engineName(cfg))
	fmt.Printf("Realtime:  %s\n", cfg.RealtimeAddr())
	fmt.Printf("Storage:   %s\n", storageLine(cfg, eff.DBPath))
	fmt.Printf("Feed:      %s\n", feedLine(cfg))
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	fmt.Printf("Source:    %s\n", eff.Source)

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/messages                      send a message")
	fmt.Println("GET  /v1/messages?with=<peer>          newest-first history page")
	fmt.Println("GET  /v1/conversations                 inbox with unread counts")
	fmt.Println("POST /v1/conversations/{id}/read       advance read watermark")
	fmt.Println("GET  /v1/realtime?conversation=<id>    websocket change feed")
	fmt.Println("GET  /docs/                            API docs, /metrics for prometheus")

	fmt.Println("\n== Production? ================================================")
	checklist(cfg)
	fmt.Println("\n== Logs =======================================================")
}

func engineName(cfg *config.Config) string {
	if cfg.Server.Engine != "" {
		return cfg.Server.Engine
	}
	return "nethttp"
}

func storageLine(cfg *config.Config, dbPath string) string {
	if cfg.Storage.Driver == "postgres" {
		return "postgres"
	}
	return fmt.Sprintf("pebble %s", dbPath)
}

func feedLine(cfg *config.Config) string {
	if cfg.Feed.Driver == "redis" {
		return fmt.Sprintf("redis %s", cfg.Feed.Redis.Addr)
	}
	return "memory (single node)"
}

func checklist(cfg *config.Config) {
	mark := func(ok bool, okLine, missing string) {
		if ok {
			fmt.Println("- " + okLine)
		} else {
			fmt.Println("- " + missing)
		}
	}
	mark(len(cfg.Security.APIKeys.Backend) > 0,
		fmt.Sprintf("Backend API keys: OK (%d)", len(cfg.Security.APIKeys.Backend)),
		"Backend API keys: MISSING (required for the marketplace backend)")
	mark(len(cfg.Security.APIKeys.Frontend) > 0,
		fmt.Sprintf("Frontend API keys: OK (%d)", len(cfg.Security.APIKeys.Frontend)),
		"Frontend API keys: MISSING (required for app clients)")
	mark(len(cfg.Security.APIKeys.Admin) > 0,
		fmt.Sprintf("Admin API keys: OK (%d)", len(cfg.Security.APIKeys.Admin)),
		"Admin API keys: MISSING (required for admin tooling)")
	mark(cfg.Security.Token.Secret != "",
		"Participant tokens: configured",
		"Participant tokens: MISSING (frontend sends will be rejected)")
	mark(cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "",
		"TLS: configured",
		"TLS: unconfigured (terminate TLS upstream or set server.tls)")
	if cfg.Retention.Enabled {
		cron := cfg.Retention.Cron
		if cron == "" {
			cron = "daily"
		}
		fmt.Printf("- Retention: enabled (%s, max_age=%s)\n", cron, cfg.Retention.MaxAge.Duration())
	} else {
		fmt.Println("- Retention: disabled (messages kept forever)")
	}
}
