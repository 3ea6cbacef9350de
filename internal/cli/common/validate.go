package common

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"
)

func fileExists(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

// ValidateServerConfig checks the settings the popup server needs before it
// opens any store. strict additionally rejects the development jwt secret.
func ValidateServerConfig(v *viper.Viper, strict bool) error {
	if err := ValidateAddr(v.GetString("http_addr")); err != nil {
		return fmt.Errorf("http_addr: %w", err)
	}
	if bp := v.GetString("base_path"); bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("base_path: must start with /")
	}
	secret := v.GetString("jwt_secret")
	if secret == "" {
		return fmt.Errorf("jwt_secret missing")
	}
	if strict && secret == "dev-secret" {
		return fmt.Errorf("jwt_secret: development secret not allowed in strict mode")
	}
	if p := v.GetString("rbac_policy"); p != "" {
		if err := fileExists(p); err != nil {
			return fmt.Errorf("rbac_policy: %w", err)
		}
	}
	switch d := strings.ToLower(v.GetString("config.driver")); d {
	case "", "file":
		if v.GetString("config.path") == "" {
			return fmt.Errorf("config.path missing")
		}
	case "db":
		switch strings.ToLower(v.GetString("db.driver")) {
		case "", "auto", "sqlite":
		case "postgres", "mysql":
			if v.GetString("db.dsn") == "" {
				return fmt.Errorf("db.dsn missing for %s", v.GetString("db.driver"))
			}
		default:
			return fmt.Errorf("db.driver: unknown driver %q", v.GetString("db.driver"))
		}
	default:
		return fmt.Errorf("config.driver: unknown driver %q", d)
	}
	if v.GetString("ledger.driver") == "" {
		return fmt.Errorf("ledger.driver missing")
	}
	return nil
}
