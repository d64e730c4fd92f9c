package app

import (
	"fmt"
	"os"

	"farmchat/pkg/config"
)

// validateConfig fail-fasts on configurations that would otherwise only
// surface as confusing runtime errors. Checks stay light; deep validation
// belongs to the component that owns the setting.
func validateConfig(eff config.EffectiveConfigResult) error {
	cfg := eff.Config

	switch cfg.Storage.Driver {
	case "", "pebble":
		// a missing db path falls back to ./farmchat-data in New
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.driver is postgres but storage.postgres.dsn is empty")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (want pebble or postgres)", cfg.Storage.Driver)
	}

	if cfg.Feed.Driver == "redis" && cfg.Feed.Redis.Addr == "" {
		return fmt.Errorf("feed.driver is redis but feed.redis.addr is empty")
	}

	cert, key := cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	if (cert == "") != (key == "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	// frontend clients authenticate sends with participant tokens; keys
	// without a token secret would let every frontend request 401
	if len(cfg.Security.APIKeys.Frontend) > 0 && cfg.Security.Token.Secret == "" {
		return fmt.Errorf("frontend API keys configured but security.token.secret is empty")
	}

	return nil
}
